package artifacts

import (
	"context"
	"fmt"
	"strings"
)

// Kind identifies a category of durable stage byproduct.
type Kind string

const (
	KindRawSource        Kind = "raw_source"
	KindRawTranscript    Kind = "raw_transcript"
	KindSpeakerMapping   Kind = "speaker_mapping"
	KindFormattedText    Kind = "formatted_text"
	KindVectorChunkCache Kind = "vector_chunk_cache"
)

// Store is the capability interface over artifact backends. Callers hold a
// Store without knowing whether it is local or remote; locators returned by
// Write are opaque.
type Store interface {
	// EnsureWorkspace creates the per-item namespace if needed and returns
	// its prefix.
	EnsureWorkspace(ctx context.Context, workspace string) (string, error)
	// Exists reports whether a named artifact is present and non-empty.
	Exists(ctx context.Context, workspace, name string) (bool, error)
	// Read returns the artifact contents.
	Read(ctx context.Context, workspace, name string) ([]byte, error)
	// Write stores the artifact atomically (never observable half-written)
	// and returns its locator.
	Write(ctx context.Context, workspace, name string, data []byte) (string, error)
	// Locator returns the locator Write would return for this artifact,
	// without touching the backend.
	Locator(workspace, name string) string
}

// WorkspaceFor returns the per-episode namespace: a podcast prefix plus the
// episode_NNN convention. Sequence numbers repeat across podcasts, so the
// podcast segment is what keeps two feeds' episode 001 apart.
func WorkspaceFor(podcast string, sequenceNumber int64) string {
	return fmt.Sprintf("%s/episode_%03d", sanitizeSegment(podcast), sequenceNumber)
}

// sanitizeSegment maps a podcast name onto a path- and key-safe directory
// segment. Distinct names that sanitize identically would share a prefix, so
// feed names should stay distinguishable after lowercasing.
func sanitizeSegment(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

// Standard artifact file names within an episode workspace.
const (
	NameAudio          = "audio.mp3"
	NameRawTranscript  = "raw_transcript.json"
	NameSpeakerMapping = "speaker_mapping.json"
	NameFormattedText  = "formatted_transcript.txt"
)

// EmbeddingCacheName returns the chunk-embedding cache file name. The name
// encodes every parameter that affects chunk boundaries or vector size, so
// changing chunking or dimension invalidates old caches by convention.
func EmbeddingCacheName(maxTokens int, overlapPercent float64, dimension int) string {
	return fmt.Sprintf("embeddings_mt%d_ov%d_d%d.json", maxTokens, int(overlapPercent*100), dimension)
}
