package embedder

import (
	"encoding/json"
	"fmt"
)

// CacheFile is the on-disk embedding cache for one episode. The chunking
// parameters and dimension are recorded inside the file as well as in its
// name; a file whose recorded parameters disagree with the current
// configuration is ignored, never silently reused.
type CacheFile struct {
	Model          string       `json:"model"`
	Dimension      int          `json:"dimension"`
	MaxTokens      int          `json:"max_tokens"`
	OverlapPercent float64      `json:"overlap_percent"`
	Chunks         []CacheChunk `json:"chunks"`
}

// CacheChunk is one embedded window stored in the cache file.
type CacheChunk struct {
	Index      int       `json:"index"`
	Total      int       `json:"total"`
	Text       string    `json:"text"`
	TokenCount int       `json:"token_count"`
	Vector     []float32 `json:"vector"`
}

// EncodeCache serializes a cache file.
func EncodeCache(cache *CacheFile) ([]byte, error) {
	data, err := json.Marshal(cache)
	if err != nil {
		return nil, fmt.Errorf("encode embedding cache: %w", err)
	}
	return data, nil
}

// DecodeCache parses a cache file without validating it.
func DecodeCache(data []byte) (*CacheFile, error) {
	var cache CacheFile
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("decode embedding cache: %w", err)
	}
	return &cache, nil
}

// Valid reports whether the cache matches the given parameters and expected
// chunk count, and every chunk carries a vector of the right dimension.
func (c *CacheFile) Valid(maxTokens int, overlapPercent float64, dimension, expectedChunks int) bool {
	if c.MaxTokens != maxTokens || c.OverlapPercent != overlapPercent || c.Dimension != dimension {
		return false
	}
	if len(c.Chunks) != expectedChunks {
		return false
	}
	for i, chunk := range c.Chunks {
		if chunk.Index != i || chunk.Total != expectedChunks {
			return false
		}
		if len(chunk.Vector) != dimension {
			return false
		}
	}
	return true
}
