// Package chunker splits transcript text into overlapping windows sized in
// tokens. Splitting is deterministic: the same text and parameters always
// produce the same chunks, which is what makes cached embeddings reusable
// and index contents verifiable by count.
package chunker

import (
	"errors"
	"fmt"
	"strings"
)

// Params control window sizing. OverlapPercent is a fraction of MaxTokens
// shared between adjacent windows, e.g. 0.1 for ten percent.
type Params struct {
	MaxTokens      int
	OverlapPercent float64
}

// Chunk is one window of the source text.
type Chunk struct {
	Index      int
	Total      int
	Text       string
	TokenCount int
}

// Splitter produces overlapping token windows from text.
type Splitter struct {
	maxTokens     int
	overlapTokens int
}

// New validates the parameters and builds a Splitter. The overlap must be
// strictly smaller than the window or the stride collapses to zero.
func New(params Params) (*Splitter, error) {
	if params.MaxTokens <= 0 {
		return nil, errors.New("max tokens must be positive")
	}
	if params.OverlapPercent < 0 || params.OverlapPercent >= 1 {
		return nil, fmt.Errorf("overlap percent %g out of range [0, 1)", params.OverlapPercent)
	}
	overlap := int(float64(params.MaxTokens) * params.OverlapPercent)
	if overlap >= params.MaxTokens {
		overlap = params.MaxTokens - 1
	}
	return &Splitter{maxTokens: params.MaxTokens, overlapTokens: overlap}, nil
}

// MaxTokens returns the configured window size.
func (s *Splitter) MaxTokens() int { return s.maxTokens }

// OverlapTokens returns the token overlap between adjacent windows.
func (s *Splitter) OverlapTokens() int { return s.overlapTokens }

// Split divides text into windows of at most MaxTokens tokens, adjacent
// windows sharing OverlapTokens tokens. Text that fits a single window
// yields exactly one chunk. Empty text yields no chunks.
func (s *Splitter) Split(text string) []Chunk {
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return nil
	}

	stride := s.maxTokens - s.overlapTokens
	var chunks []Chunk
	for start := 0; ; start += stride {
		end := start + s.maxTokens
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, Chunk{
			Index:      len(chunks),
			Text:       strings.Join(tokens[start:end], " "),
			TokenCount: end - start,
		})
		if end == len(tokens) {
			break
		}
	}
	for i := range chunks {
		chunks[i].Total = len(chunks)
	}
	return chunks
}

// Count returns how many chunks Split would produce without materializing
// them. The reconciler and the cache resolver use it to verify index and
// cache contents against expectation.
func (s *Splitter) Count(text string) int {
	n := len(strings.Fields(text))
	if n == 0 {
		return 0
	}
	if n <= s.maxTokens {
		return 1
	}
	stride := s.maxTokens - s.overlapTokens
	count := 1
	for start := stride; start+s.maxTokens < n; start += stride {
		count++
	}
	return count + 1
}
