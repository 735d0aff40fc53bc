// Package reconcile restores agreement between the catalog, the artifact
// store, and the vector index. The catalog's recorded stage is compared
// with the stage the surviving artifacts actually support; mismatches are
// corrected in catalog metadata only. Reconciliation never deletes
// artifacts and never calls an external API.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"castpipe/internal/artifacts"
	"castpipe/internal/catalog"
	"castpipe/internal/chunker"
	"castpipe/internal/config"
	"castpipe/internal/logging"
	"castpipe/internal/services"
	"castpipe/internal/transcribe"
	"castpipe/internal/vector"
)

// Action is the repair a change performs.
type Action string

const (
	// ActionUpgrade raises the recorded stage to match existing artifacts.
	ActionUpgrade Action = "upgrade"
	// ActionDowngrade lowers the recorded stage when claimed artifacts are gone.
	ActionDowngrade Action = "downgrade"
	// ActionAlign fills in metadata re-extracted from artifacts, stage unchanged.
	ActionAlign Action = "align"
	// ActionFlag marks contradictory evidence for manual review.
	ActionFlag Action = "flag"
)

// Change is one planned repair for one episode.
type Change struct {
	EpisodeID      string
	Podcast        string
	SequenceNumber int64
	Action         Action
	From           catalog.Stage
	To             catalog.Stage
	Evidence       string
	Artifacts      map[artifacts.Kind]string
	Duration       *int64
	Confidence     *float64
}

// Plan is the full set of repairs a reconciliation pass would make.
// Building a plan is read-only; the same stores produce the same plan
// whether or not it is later applied.
type Plan struct {
	Changes    []Change
	Consistent int
	// OrphanedItems are item IDs present in the vector index with no
	// catalog row. They are reported, never deleted: the index may be
	// shared with a catalog this process does not own.
	OrphanedItems []string
}

// Result counts applied repairs.
type Result struct {
	Upgraded   int
	Downgraded int
	Aligned    int
	Flagged    int
	Errors     int
}

// Reconciler builds and applies plans.
type Reconciler struct {
	catalog  *catalog.Store
	store    artifacts.Store
	index    vector.Index
	splitter *chunker.Splitter
	cfg      config.Embedding
	logger   *slog.Logger
}

// New builds a Reconciler. The chunking parameters must match the pipeline
// configuration or index counts will be judged against the wrong yardstick.
func New(store *catalog.Store, artifactStore artifacts.Store, index vector.Index, cfg config.Embedding, logger *slog.Logger) (*Reconciler, error) {
	splitter, err := chunker.New(chunker.Params{MaxTokens: cfg.MaxTokens, OverlapPercent: cfg.OverlapPercent})
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "reconcile", "new", "chunking parameters", err)
	}
	return &Reconciler{
		catalog:  store,
		store:    artifactStore,
		index:    index,
		splitter: splitter,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// BuildPlan inspects every episode (optionally scoped to one podcast) and
// derives the repairs needed. It performs no writes.
func (r *Reconciler) BuildPlan(ctx context.Context, podcast string) (*Plan, error) {
	episodes, err := r.catalog.List(ctx, podcast)
	if err != nil {
		return nil, err
	}

	plan := &Plan{}
	known := make(map[string]struct{}, len(episodes))
	for _, ep := range episodes {
		known[ep.ID] = struct{}{}
		change, err := r.inspect(ctx, ep)
		if err != nil {
			return nil, err
		}
		if change == nil {
			plan.Consistent++
			continue
		}
		plan.Changes = append(plan.Changes, *change)
	}

	// Only a full scan can judge orphans; a scoped one would misreport
	// other podcasts' items.
	if podcast == "" {
		ids, err := r.index.ListItemIDs(ctx)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			if _, ok := known[id]; !ok {
				plan.OrphanedItems = append(plan.OrphanedItems, id)
			}
		}
	}
	return plan, nil
}

// Apply executes a plan. Each change compare-and-sets against the stage the
// plan observed; an episode that moved since planning is skipped and
// counted as an error rather than forced.
func (r *Reconciler) Apply(ctx context.Context, plan *Plan) (*Result, error) {
	result := &Result{}
	for _, change := range plan.Changes {
		logger := r.logger.With(
			logging.String(logging.FieldItemID, change.EpisodeID),
			logging.String(logging.FieldEvidence, change.Evidence),
		)
		var err error
		switch change.Action {
		case ActionUpgrade, ActionDowngrade:
			adv := catalog.Advance{
				Artifacts:       change.Artifacts,
				DurationSeconds: change.Duration,
				Confidence:      change.Confidence,
			}
			err = r.catalog.ReconcileStage(ctx, change.EpisodeID, change.From, change.To, change.Evidence, adv)
			if err == nil {
				if change.Action == ActionUpgrade {
					result.Upgraded++
					logger.Info("upgraded stage",
						logging.String(logging.FieldStage, string(change.To)),
						logging.String(logging.FieldEventType, "reconcile_upgrade"))
				} else {
					result.Downgraded++
					logger.Warn("downgraded stage",
						logging.String(logging.FieldStage, string(change.To)),
						logging.String(logging.FieldEventType, "reconcile_downgrade"))
				}
			}
		case ActionAlign:
			err = r.catalog.SetMetrics(ctx, change.EpisodeID, change.Duration, change.Confidence)
			if err == nil {
				result.Aligned++
				logger.Info("realigned metadata")
			}
		case ActionFlag:
			err = r.catalog.MarkReview(ctx, change.EpisodeID, change.Evidence)
			if err == nil {
				result.Flagged++
				logger.Warn("flagged for review")
			}
		default:
			err = fmt.Errorf("unknown action %q", change.Action)
		}
		if err != nil {
			result.Errors++
			logger.Error("applying change", logging.Error(err))
		}
	}
	for _, id := range plan.OrphanedItems {
		r.logger.Warn("orphaned chunks in index",
			logging.String(logging.FieldItemID, id))
	}
	return result, nil
}

// inspect derives the change one episode needs, or nil when catalog and
// stores agree.
func (r *Reconciler) inspect(ctx context.Context, ep *catalog.Episode) (*Change, error) {
	evidence, err := r.gatherEvidence(ctx, ep)
	if err != nil {
		return nil, err
	}

	change := &Change{
		EpisodeID:      ep.ID,
		Podcast:        ep.Podcast,
		SequenceNumber: ep.SequenceNumber,
		From:           ep.Stage,
	}

	if evidence.contradiction != "" {
		change.Action = ActionFlag
		change.Evidence = evidence.contradiction
		return change, nil
	}

	implied := evidence.impliedStage()
	switch {
	case implied.Index() > ep.Stage.Index():
		change.Action = ActionUpgrade
		change.To = implied
		change.Evidence = evidence.describe(ep.Stage, implied)
		change.Artifacts = evidence.artifactRefs(implied)
		change.Duration = evidence.duration
		change.Confidence = evidence.confidence
		return change, nil
	case implied.Index() < ep.Stage.Index():
		change.Action = ActionDowngrade
		change.To = implied
		change.Evidence = evidence.describe(ep.Stage, implied)
		change.Artifacts = evidence.artifactRefs(implied)
		return change, nil
	}

	// Stage agrees; check metadata extracted from artifacts.
	if evidence.hasRawTranscript && (ep.DurationSeconds == nil || ep.Confidence == nil) && evidence.duration != nil {
		change.Action = ActionAlign
		change.Evidence = "duration and confidence re-extracted from raw transcript"
		change.Duration = evidence.duration
		change.Confidence = evidence.confidence
		return change, nil
	}
	return nil, nil
}

type episodeEvidence struct {
	workspace        string
	store            artifacts.Store
	hasAudio         bool
	hasRawTranscript bool
	hasMapping       bool
	hasFormatted     bool
	indexCount       int
	expectedChunks   int
	contradiction    string
	hasCache         bool
	duration         *int64
	confidence       *float64
	cacheName        string
}

func (r *Reconciler) gatherEvidence(ctx context.Context, ep *catalog.Episode) (*episodeEvidence, error) {
	workspace := artifacts.WorkspaceFor(ep.Podcast, ep.SequenceNumber)
	ev := &episodeEvidence{
		workspace: workspace,
		store:     r.store,
		cacheName: artifacts.EmbeddingCacheName(r.cfg.MaxTokens, r.cfg.OverlapPercent, r.cfg.Dimension),
	}

	var err error
	if ev.hasAudio, err = r.store.Exists(ctx, workspace, artifacts.NameAudio); err != nil {
		return nil, err
	}
	if ev.hasRawTranscript, err = r.store.Exists(ctx, workspace, artifacts.NameRawTranscript); err != nil {
		return nil, err
	}
	if ev.hasMapping, err = r.store.Exists(ctx, workspace, artifacts.NameSpeakerMapping); err != nil {
		return nil, err
	}
	if ev.hasFormatted, err = r.store.Exists(ctx, workspace, artifacts.NameFormattedText); err != nil {
		return nil, err
	}
	if ev.hasCache, err = r.store.Exists(ctx, workspace, ev.cacheName); err != nil {
		return nil, err
	}

	if ev.hasRawTranscript {
		data, err := r.store.Read(ctx, workspace, artifacts.NameRawTranscript)
		if err != nil {
			return nil, err
		}
		var result transcribe.Result
		if err := json.Unmarshal(data, &result); err != nil {
			ev.contradiction = "raw transcript exists but cannot be decoded"
			return ev, nil
		}
		duration := result.DurationSeconds
		confidence := result.Confidence
		ev.duration = &duration
		ev.confidence = &confidence
	}

	if ev.hasFormatted {
		text, err := r.store.Read(ctx, workspace, artifacts.NameFormattedText)
		if err != nil {
			return nil, err
		}
		ev.expectedChunks = r.splitter.Count(string(text))
	}

	if ev.indexCount, err = r.index.Count(ctx, ep.ID); err != nil {
		return nil, err
	}

	// Artifacts must form a prefix of the stage chain. A later artifact
	// without its predecessors is evidence of tampering or partial restore,
	// not of progress.
	switch {
	case ev.hasRawTranscript && !ev.hasAudio:
		ev.contradiction = "raw transcript present without audio"
	case ev.hasFormatted && !ev.hasRawTranscript:
		ev.contradiction = "formatted transcript present without raw transcript"
	case ev.indexCount > 0 && ev.hasFormatted && ev.indexCount != ev.expectedChunks:
		ev.contradiction = fmt.Sprintf("index holds %d chunks, formatted text implies %d", ev.indexCount, ev.expectedChunks)
	case ev.indexCount > 0 && !ev.hasFormatted:
		ev.contradiction = "index holds chunks but the formatted transcript is gone"
	}
	return ev, nil
}

// impliedStage is the highest stage the surviving evidence fully supports.
func (ev *episodeEvidence) impliedStage() catalog.Stage {
	stage := catalog.StageRegistered
	if !ev.hasAudio {
		return stage
	}
	stage = catalog.StageAcquired
	if !ev.hasRawTranscript {
		return stage
	}
	stage = catalog.StageTranscribed
	if !ev.hasMapping || !ev.hasFormatted {
		return stage
	}
	stage = catalog.StageFormatted
	if ev.expectedChunks == 0 || ev.indexCount != ev.expectedChunks {
		return stage
	}
	return catalog.StageIndexed
}

func (ev *episodeEvidence) describe(from, to catalog.Stage) string {
	var have []string
	if ev.hasAudio {
		have = append(have, "audio")
	}
	if ev.hasRawTranscript {
		have = append(have, "raw transcript")
	}
	if ev.hasMapping {
		have = append(have, "speaker mapping")
	}
	if ev.hasFormatted {
		have = append(have, "formatted transcript")
	}
	present := "none"
	if len(have) > 0 {
		present = strings.Join(have, ", ")
	}
	return fmt.Sprintf("recorded %s, evidence supports %s (artifacts: %s; index chunks: %d)",
		from, to, present, ev.indexCount)
}

// artifactRefs returns locators for the artifacts the target stage implies,
// so an upgrade also repairs missing path columns.
func (ev *episodeEvidence) artifactRefs(to catalog.Stage) map[artifacts.Kind]string {
	refs := make(map[artifacts.Kind]string)
	if ev.hasAudio && to.Index() >= catalog.StageAcquired.Index() {
		refs[artifacts.KindRawSource] = ev.store.Locator(ev.workspace, artifacts.NameAudio)
	}
	if ev.hasRawTranscript && to.Index() >= catalog.StageTranscribed.Index() {
		refs[artifacts.KindRawTranscript] = ev.store.Locator(ev.workspace, artifacts.NameRawTranscript)
	}
	if to.Index() >= catalog.StageFormatted.Index() {
		if ev.hasMapping {
			refs[artifacts.KindSpeakerMapping] = ev.store.Locator(ev.workspace, artifacts.NameSpeakerMapping)
		}
		if ev.hasFormatted {
			refs[artifacts.KindFormattedText] = ev.store.Locator(ev.workspace, artifacts.NameFormattedText)
		}
	}
	if ev.hasCache && to == catalog.StageIndexed {
		refs[artifacts.KindVectorChunkCache] = ev.store.Locator(ev.workspace, ev.cacheName)
	}
	return refs
}
