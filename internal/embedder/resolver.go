package embedder

import (
	"context"
	"fmt"
	"log/slog"

	"castpipe/internal/artifacts"
	"castpipe/internal/chunker"
	"castpipe/internal/config"
	"castpipe/internal/logging"
	"castpipe/internal/services"
	"castpipe/internal/vector"
)

// Tier names which cache level satisfied a resolution.
type Tier string

const (
	TierIndex     Tier = "index"
	TierCacheFile Tier = "cache_file"
	TierGenerated Tier = "generated"
)

// Item carries what the resolver needs to know about one episode.
type Item struct {
	ID             string
	Podcast        string
	SequenceNumber int64
	Workspace      string
	FormattedText  string
}

// Resolution reports how embeddings were obtained.
type Resolution struct {
	Tier         Tier
	Chunks       int
	CacheLocator string
}

// Resolver fills the vector index and the embedding cache for an episode,
// consulting the cheapest sufficient source first. A fully consistent
// episode resolves at tier one with zero embedding API calls; reruns are
// therefore free.
type Resolver struct {
	splitter *chunker.Splitter
	client   Client
	index    vector.Index
	store    artifacts.Store
	cfg      config.Embedding
	logger   *slog.Logger
}

// NewResolver builds a Resolver.
func NewResolver(cfg config.Embedding, client Client, index vector.Index, store artifacts.Store, logger *slog.Logger) (*Resolver, error) {
	splitter, err := chunker.New(chunker.Params{MaxTokens: cfg.MaxTokens, OverlapPercent: cfg.OverlapPercent})
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, stageName, "resolver", "chunking parameters", err)
	}
	return &Resolver{
		splitter: splitter,
		client:   client,
		index:    index,
		store:    store,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Resolve ensures the index holds the episode's full chunk set and the
// cache file exists, touching the embedding API only when neither the index
// nor the cache can supply the vectors.
//
// Tier one: the index already holds exactly the expected number of chunks.
// The cache file is backfilled from the index if missing. Tier two: a valid
// cache file exists; its vectors are uploaded wholesale. Tier three: chunks
// are embedded fresh, the cache file is written before the index so a crash
// between the two leaves a state the next run repairs from tier two.
//
// With force set both caches are distrusted: vectors are regenerated, the
// cache file rewritten, and the item's indexed chunks replaced.
func (r *Resolver) Resolve(ctx context.Context, item Item, force bool) (Resolution, error) {
	expected := r.splitter.Count(item.FormattedText)
	if expected == 0 {
		return Resolution{}, services.Wrap(services.ErrValidation, stageName, "resolve",
			fmt.Sprintf("episode %s has no text to embed", item.ID), nil)
	}
	cacheName := artifacts.EmbeddingCacheName(r.cfg.MaxTokens, r.cfg.OverlapPercent, r.cfg.Dimension)

	if !force {
		// Tier one: trust a complete index.
		count, err := r.index.Count(ctx, item.ID)
		if err != nil {
			return Resolution{}, err
		}
		if count == expected {
			locator, err := r.ensureCacheFromIndex(ctx, item, cacheName, expected)
			if err != nil {
				return Resolution{}, err
			}
			return Resolution{Tier: TierIndex, Chunks: expected, CacheLocator: locator}, nil
		}

		// Tier two: a valid cache file refills the index without the API.
		cached, locator, err := r.loadCache(ctx, item, cacheName, expected)
		if err != nil {
			return Resolution{}, err
		}
		if cached != nil {
			if err := r.upload(ctx, item, cached.Chunks); err != nil {
				return Resolution{}, err
			}
			return Resolution{Tier: TierCacheFile, Chunks: expected, CacheLocator: locator}, nil
		}
	}

	// Tier three: generate.
	chunks := r.splitter.Split(item.FormattedText)
	texts := make([]string, len(chunks))
	for i, chunk := range chunks {
		texts[i] = chunk.Text
	}
	vectors, err := r.client.Embed(ctx, texts)
	if err != nil {
		return Resolution{}, err
	}

	cache := &CacheFile{
		Model:          r.cfg.Model,
		Dimension:      r.cfg.Dimension,
		MaxTokens:      r.cfg.MaxTokens,
		OverlapPercent: r.cfg.OverlapPercent,
		Chunks:         make([]CacheChunk, len(chunks)),
	}
	for i, chunk := range chunks {
		cache.Chunks[i] = CacheChunk{
			Index:      chunk.Index,
			Total:      chunk.Total,
			Text:       chunk.Text,
			TokenCount: chunk.TokenCount,
			Vector:     vectors[i],
		}
	}
	data, err := EncodeCache(cache)
	if err != nil {
		return Resolution{}, services.Wrap(services.ErrPermanent, stageName, "resolve", "encode cache", err)
	}
	locator, err := r.store.Write(ctx, item.Workspace, cacheName, data)
	if err != nil {
		return Resolution{}, services.Wrap(services.ErrTransient, stageName, "resolve", "write cache", err)
	}
	if err := r.upload(ctx, item, cache.Chunks); err != nil {
		return Resolution{}, err
	}
	return Resolution{Tier: TierGenerated, Chunks: expected, CacheLocator: locator}, nil
}

// ensureCacheFromIndex writes the cache file from indexed chunks when the
// file is missing, so a lost local cache heals without API calls.
func (r *Resolver) ensureCacheFromIndex(ctx context.Context, item Item, cacheName string, expected int) (string, error) {
	exists, err := r.store.Exists(ctx, item.Workspace, cacheName)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, stageName, "resolve", "check cache", err)
	}
	if exists {
		return r.store.Locator(item.Workspace, cacheName), nil
	}

	records, err := r.index.FetchChunks(ctx, item.ID)
	if err != nil {
		return "", err
	}
	if len(records) != expected {
		return "", services.Wrap(services.ErrInconsistency, stageName, "resolve",
			fmt.Sprintf("index count for %s changed from %d to %d during resolution", item.ID, expected, len(records)), nil)
	}
	cache := &CacheFile{
		Model:          r.cfg.Model,
		Dimension:      r.cfg.Dimension,
		MaxTokens:      r.cfg.MaxTokens,
		OverlapPercent: r.cfg.OverlapPercent,
		Chunks:         make([]CacheChunk, len(records)),
	}
	for i, record := range records {
		cache.Chunks[i] = CacheChunk{
			Index:  record.ChunkIndex,
			Total:  record.TotalChunks,
			Text:   record.Text,
			Vector: record.Vector,
		}
	}
	data, err := EncodeCache(cache)
	if err != nil {
		return "", services.Wrap(services.ErrPermanent, stageName, "resolve", "encode cache", err)
	}
	locator, err := r.store.Write(ctx, item.Workspace, cacheName, data)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, stageName, "resolve", "backfill cache", err)
	}
	r.logger.Info("backfilled embedding cache from index",
		logging.String(logging.FieldItemID, item.ID),
		logging.Int("chunks", len(records)),
	)
	return locator, nil
}

// loadCache reads and validates the cache file. An unreadable or invalid
// cache logs a warning and returns nil so resolution falls through to
// generation; it is never an error to have a stale cache.
func (r *Resolver) loadCache(ctx context.Context, item Item, cacheName string, expected int) (*CacheFile, string, error) {
	exists, err := r.store.Exists(ctx, item.Workspace, cacheName)
	if err != nil {
		return nil, "", services.Wrap(services.ErrTransient, stageName, "resolve", "check cache", err)
	}
	if !exists {
		return nil, "", nil
	}
	data, err := r.store.Read(ctx, item.Workspace, cacheName)
	if err != nil {
		return nil, "", services.Wrap(services.ErrTransient, stageName, "resolve", "read cache", err)
	}
	cache, err := DecodeCache(data)
	if err != nil {
		r.logger.Warn("ignoring unreadable embedding cache",
			logging.String(logging.FieldItemID, item.ID),
			logging.Error(err),
		)
		return nil, "", nil
	}
	if !cache.Valid(r.cfg.MaxTokens, r.cfg.OverlapPercent, r.cfg.Dimension, expected) {
		r.logger.Warn("ignoring stale embedding cache",
			logging.String(logging.FieldItemID, item.ID),
			logging.Int("cached_chunks", len(cache.Chunks)),
			logging.Int("expected_chunks", expected),
		)
		return nil, "", nil
	}
	return cache, r.store.Locator(item.Workspace, cacheName), nil
}

func (r *Resolver) upload(ctx context.Context, item Item, chunks []CacheChunk) error {
	records := make([]vector.ChunkRecord, len(chunks))
	for i, chunk := range chunks {
		records[i] = vector.ChunkRecord{
			ItemID:         item.ID,
			Podcast:        item.Podcast,
			SequenceNumber: item.SequenceNumber,
			ChunkIndex:     chunk.Index,
			TotalChunks:    chunk.Total,
			Text:           chunk.Text,
			Vector:         chunk.Vector,
		}
	}
	return r.index.ReplaceChunks(ctx, item.ID, records)
}
