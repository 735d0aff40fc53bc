// Package testsupport provides shared fixtures for tests: throwaway
// configs rooted in temp directories and in-memory doubles for the vector
// index and the embedding API.
package testsupport

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"castpipe/internal/config"
	"castpipe/internal/vector"
)

// NewConfig returns a config rooted in a fresh temp directory with small,
// test-friendly chunking parameters.
func NewConfig(t *testing.T) *config.Config {
	t.Helper()
	base := t.TempDir()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Embedding.MaxTokens = 50
	cfg.Embedding.OverlapPercent = 0.1
	cfg.Embedding.Dimension = 4
	cfg.Workflow.Workers = 1
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("prepare config directories: %v", err)
	}
	return &cfg
}

// MemoryIndex is an in-memory vector.Index. It mirrors the wholesale
// replacement contract of the real store and counts mutating calls so
// tests can assert that reruns leave the index untouched.
type MemoryIndex struct {
	mu       sync.Mutex
	items    map[string][]vector.ChunkRecord
	Replaces int
	Deletes  int
}

// NewMemoryIndex returns an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{items: make(map[string][]vector.ChunkRecord)}
}

func (m *MemoryIndex) EnsureCollection(context.Context) error { return nil }

func (m *MemoryIndex) Count(_ context.Context, itemID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items[itemID]), nil
}

func (m *MemoryIndex) FetchChunks(_ context.Context, itemID string) ([]vector.ChunkRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := make([]vector.ChunkRecord, len(m.items[itemID]))
	copy(records, m.items[itemID])
	sort.Slice(records, func(i, j int) bool { return records[i].ChunkIndex < records[j].ChunkIndex })
	return records, nil
}

func (m *MemoryIndex) ReplaceChunks(_ context.Context, itemID string, records []vector.ChunkRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Replaces++
	if len(records) == 0 {
		delete(m.items, itemID)
		return nil
	}
	stored := make([]vector.ChunkRecord, len(records))
	copy(stored, records)
	m.items[itemID] = stored
	return nil
}

func (m *MemoryIndex) DeleteItem(_ context.Context, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Deletes++
	delete(m.items, itemID)
	return nil
}

func (m *MemoryIndex) ListItemIDs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.items))
	for id := range m.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryIndex) Close() error { return nil }

// Seed stores records for an item without counting as a replacement.
func (m *MemoryIndex) Seed(itemID string, records []vector.ChunkRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[itemID] = records
}

// FakeEmbedder returns deterministic vectors and records how many texts it
// was asked to embed, so tests can assert zero API traffic on cache hits.
type FakeEmbedder struct {
	mu        sync.Mutex
	Dimension int
	Calls     int
	Embedded  int
}

// NewFakeEmbedder returns a FakeEmbedder producing vectors of dim values.
func NewFakeEmbedder(dim int) *FakeEmbedder {
	return &FakeEmbedder{Dimension: dim}
}

func (f *FakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls++
	f.Embedded += len(texts)
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, f.Dimension)
		for j := range vec {
			vec[j] = float32(len(text)%17) + float32(i) + float32(j)/10
		}
		vectors[i] = vec
	}
	return vectors, nil
}

// ChunkVector builds a deterministic vector for seeding indexes directly.
func ChunkVector(dim, seed int) []float32 {
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = float32(seed) + float32(i)/10
	}
	return vec
}

// EpisodeID produces stable fake IDs for tests.
func EpisodeID(n int) string {
	return fmt.Sprintf("00000000-0000-0000-0000-%012d", n)
}
