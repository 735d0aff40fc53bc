// Package vector abstracts the embedding index. The index stores derived
// fact only; the catalog stays authoritative and the reconciler treats
// index contents as evidence, never as a source of truth.
package vector

import "context"

// ChunkRecord is one embedded transcript window as stored in the index.
type ChunkRecord struct {
	ItemID         string
	Podcast        string
	SequenceNumber int64
	ChunkIndex     int
	TotalChunks    int
	Text           string
	Vector         []float32
}

// Index is the minimal surface the pipeline needs from a vector store.
// ReplaceChunks is wholesale: implementations must remove every existing
// chunk for the item before writing the new set, so the index never holds
// a mix of old and new chunks for one item.
type Index interface {
	EnsureCollection(ctx context.Context) error
	Count(ctx context.Context, itemID string) (int, error)
	FetchChunks(ctx context.Context, itemID string) ([]ChunkRecord, error)
	ReplaceChunks(ctx context.Context, itemID string, records []ChunkRecord) error
	DeleteItem(ctx context.Context, itemID string) error
	ListItemIDs(ctx context.Context) ([]string, error)
	Close() error
}
