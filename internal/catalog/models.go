package catalog

import (
	"strings"
	"time"

	"castpipe/internal/artifacts"
)

// Stage represents an episode's position in the processing pipeline.
// Stages are totally ordered; each value implies completion of all prior
// stages' side effects.
type Stage string

const (
	StageRegistered  Stage = "registered"
	StageAcquired    Stage = "acquired"
	StageTranscribed Stage = "transcribed"
	StageFormatted   Stage = "formatted"
	StageIndexed     Stage = "indexed"
)

var stageOrder = []Stage{
	StageRegistered,
	StageAcquired,
	StageTranscribed,
	StageFormatted,
	StageIndexed,
}

// Stages returns the ordered list of known stages.
func Stages() []Stage {
	cp := make([]Stage, len(stageOrder))
	copy(cp, stageOrder)
	return cp
}

// ParseStage converts a string into a known Stage.
func ParseStage(value string) (Stage, bool) {
	normalized := Stage(strings.ToLower(strings.TrimSpace(value)))
	for _, stage := range stageOrder {
		if stage == normalized {
			return stage, true
		}
	}
	return "", false
}

// Index returns the stage's position in the total order, or -1 when unknown.
func (s Stage) Index() int {
	for i, stage := range stageOrder {
		if stage == s {
			return i
		}
	}
	return -1
}

// Before reports whether s is strictly earlier than other in the stage order.
func (s Stage) Before(other Stage) bool {
	return s.Index() < other.Index()
}

// Next returns the stage following s, if any.
func (s Stage) Next() (Stage, bool) {
	idx := s.Index()
	if idx < 0 || idx+1 >= len(stageOrder) {
		return "", false
	}
	return stageOrder[idx+1], true
}

// StageOutputs lists the artifact kinds a stage produces.
func StageOutputs(s Stage) []artifacts.Kind {
	switch s {
	case StageAcquired:
		return []artifacts.Kind{artifacts.KindRawSource}
	case StageTranscribed:
		return []artifacts.Kind{artifacts.KindRawTranscript}
	case StageFormatted:
		return []artifacts.Kind{artifacts.KindSpeakerMapping, artifacts.KindFormattedText}
	case StageIndexed:
		return []artifacts.Kind{artifacts.KindVectorChunkCache}
	default:
		return nil
	}
}

// StagePrerequisites lists the artifact kinds that must exist before a stage
// may run. The orchestrator refuses to invoke an executor whose
// prerequisites are absent.
func StagePrerequisites(s Stage) []artifacts.Kind {
	switch s {
	case StageTranscribed:
		return []artifacts.Kind{artifacts.KindRawSource}
	case StageFormatted:
		return []artifacts.Kind{artifacts.KindRawTranscript}
	case StageIndexed:
		return []artifacts.Kind{artifacts.KindFormattedText}
	default:
		return nil
	}
}

// Episode represents one content item persisted in SQLite. The catalog is
// the single source of truth for Stage; artifact stores are caches of
// derived fact.
type Episode struct {
	ID             string
	Podcast        string
	SequenceNumber int64
	Title          string
	Description    string
	PublishedAt    time.Time
	AudioURL       string
	Stage          Stage

	AudioPath               string
	RawTranscriptPath       string
	SpeakerMappingPath      string
	FormattedTranscriptPath string
	EmbeddingCachePath      string

	DurationSeconds *int64
	Confidence      *float64

	ErrorMessage string
	NeedsReview  bool
	ReviewReason string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// ArtifactRefs returns the populated artifact locators keyed by kind.
// Locators are opaque; callers must not infer store semantics from them.
func (e *Episode) ArtifactRefs() map[artifacts.Kind]string {
	refs := make(map[artifacts.Kind]string, 5)
	if e.AudioPath != "" {
		refs[artifacts.KindRawSource] = e.AudioPath
	}
	if e.RawTranscriptPath != "" {
		refs[artifacts.KindRawTranscript] = e.RawTranscriptPath
	}
	if e.SpeakerMappingPath != "" {
		refs[artifacts.KindSpeakerMapping] = e.SpeakerMappingPath
	}
	if e.FormattedTranscriptPath != "" {
		refs[artifacts.KindFormattedText] = e.FormattedTranscriptPath
	}
	if e.EmbeddingCachePath != "" {
		refs[artifacts.KindVectorChunkCache] = e.EmbeddingCachePath
	}
	return refs
}

// SetArtifactRef stores a locator for the given kind.
func (e *Episode) SetArtifactRef(kind artifacts.Kind, locator string) {
	switch kind {
	case artifacts.KindRawSource:
		e.AudioPath = locator
	case artifacts.KindRawTranscript:
		e.RawTranscriptPath = locator
	case artifacts.KindSpeakerMapping:
		e.SpeakerMappingPath = locator
	case artifacts.KindFormattedText:
		e.FormattedTranscriptPath = locator
	case artifacts.KindVectorChunkCache:
		e.EmbeddingCachePath = locator
	}
}

// HasArtifacts reports whether every listed kind has a locator recorded.
func (e *Episode) HasArtifacts(kinds []artifacts.Kind) bool {
	refs := e.ArtifactRefs()
	for _, kind := range kinds {
		if refs[kind] == "" {
			return false
		}
	}
	return true
}

// StageEventDirection distinguishes normal forward progress from sanctioned
// regressions in the audit log.
type StageEventDirection string

const (
	DirectionAdvance   StageEventDirection = "advance"
	DirectionUpgrade   StageEventDirection = "upgrade"
	DirectionDowngrade StageEventDirection = "downgrade"
)

// StageEvent is one audited stage change.
type StageEvent struct {
	ID        int64
	EpisodeID string
	FromStage Stage
	ToStage   Stage
	Direction StageEventDirection
	Evidence  string
	CreatedAt time.Time
}

// Filter restricts candidate selection. Zero values mean "no restriction".
type Filter struct {
	IDs        []string
	Podcast    string
	Limit      int
	BelowStage Stage // keep only episodes whose stage is strictly before this
}

// Stats aggregates episode counts per stage.
type Stats struct {
	Total    int
	PerStage map[Stage]int
	Review   int
}
