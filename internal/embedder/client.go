// Package embedder generates chunk embeddings and resolves them through a
// three-tier cache: the vector index itself, the per-episode cache file in
// the artifact store, and only then the embedding API.
package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"castpipe/internal/config"
	"castpipe/internal/services"
)

const stageName = "embed"

// Client produces embeddings for a batch of texts. Implementations must
// return one vector per input, in input order.
type Client interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// VoyageClient is a Client backed by the Voyage REST API.
type VoyageClient struct {
	baseURL   string
	apiKey    string
	model     string
	dimension int
	http      *http.Client
}

// NewVoyageClient builds a VoyageClient from configuration.
func NewVoyageClient(cfg config.Embedding) *VoyageClient {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &VoyageClient{
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		http:      &http.Client{Timeout: timeout},
	}
}

// Embed sends the texts in a single request and validates that the response
// carries exactly one vector of the configured dimension per input.
func (c *VoyageClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(map[string]any{
		"model":      c.model,
		"input":      texts,
		"input_type": "document",
	})
	if err != nil {
		return nil, services.Wrap(services.ErrPermanent, stageName, "embed", "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, services.Wrap(services.ErrPermanent, stageName, "embed", "build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, stageName, "embed", "call api", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, stageName, "embed", "read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		marker := services.ErrPermanent
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			marker = services.ErrTransient
		}
		return nil, services.Wrap(marker, stageName, "embed",
			fmt.Sprintf("api returned status %d", resp.StatusCode), nil)
	}

	var payload struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, services.Wrap(services.ErrValidation, stageName, "embed", "decode response", err)
	}
	if len(payload.Data) != len(texts) {
		return nil, services.Wrap(services.ErrValidation, stageName, "embed",
			fmt.Sprintf("api returned %d vectors for %d inputs", len(payload.Data), len(texts)), nil)
	}

	vectors := make([][]float32, len(texts))
	for _, item := range payload.Data {
		if item.Index < 0 || item.Index >= len(vectors) {
			return nil, services.Wrap(services.ErrValidation, stageName, "embed",
				fmt.Sprintf("api returned out-of-range index %d", item.Index), nil)
		}
		if c.dimension > 0 && len(item.Embedding) != c.dimension {
			return nil, services.Wrap(services.ErrValidation, stageName, "embed",
				fmt.Sprintf("vector %d has dimension %d, want %d", item.Index, len(item.Embedding), c.dimension), nil)
		}
		vectors[item.Index] = item.Embedding
	}
	return vectors, nil
}
