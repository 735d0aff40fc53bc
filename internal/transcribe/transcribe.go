// Package transcribe turns episode audio into transcripts. Transcription is
// delegated to a hosted service; the package covers the REST client, the
// speaker-name mapping step, and rendering the final formatted text.
package transcribe

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

const stageName = "transcribe"

// Utterance is one speaker turn from the transcription service.
type Utterance struct {
	Speaker string `json:"speaker"`
	Text    string `json:"text"`
}

// Result is a completed transcription. DurationSeconds and Confidence are
// extracted here and persisted to the catalog when the stage advances.
type Result struct {
	Utterances      []Utterance `json:"utterances"`
	Text            string      `json:"text"`
	DurationSeconds int64       `json:"duration_seconds"`
	Confidence      float64     `json:"confidence"`
}

// Transcriber produces a transcript from raw audio.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (*Result, error)
}

// Client is a Transcriber backed by an AssemblyAI-compatible REST API:
// upload the audio, create a transcription job, poll until it settles.
type Client struct {
	baseURL      string
	apiKey       string
	http         *http.Client
	pollInterval time.Duration
}

// NewClient builds a Client from configuration.
func NewClient(cfg config.Transcriber) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	poll := time.Duration(cfg.PollIntervalSeconds) * time.Second
	if poll <= 0 {
		poll = 5 * time.Second
	}
	return &Client{
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		http:         &http.Client{Timeout: timeout},
		pollInterval: poll,
	}
}

type jobStatus struct {
	ID            string      `json:"id"`
	Status        string      `json:"status"`
	Error         string      `json:"error"`
	Text          string      `json:"text"`
	Confidence    float64     `json:"confidence"`
	AudioDuration int64       `json:"audio_duration"`
	Utterances    []Utterance `json:"utterances"`
}

// Transcribe uploads audio, submits a job with speaker labels enabled, and
// polls until the job completes or the context is cancelled.
func (c *Client) Transcribe(ctx context.Context, audio []byte) (*Result, error) {
	uploadURL, err := c.upload(ctx, audio)
	if err != nil {
		return nil, err
	}
	jobID, err := c.submit(ctx, uploadURL)
	if err != nil {
		return nil, err
	}

	for {
		status, err := c.poll(ctx, jobID)
		if err != nil {
			return nil, err
		}
		switch status.Status {
		case "completed":
			return &Result{
				Utterances:      status.Utterances,
				Text:            status.Text,
				DurationSeconds: status.AudioDuration,
				Confidence:      status.Confidence,
			}, nil
		case "error":
			return nil, services.Wrap(services.ErrPermanent, stageName, "job",
				fmt.Sprintf("transcription job %s failed: %s", jobID, status.Error), nil)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *Client) upload(ctx context.Context, audio []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload", bytes.NewReader(audio))
	if err != nil {
		return "", services.Wrap(services.ErrPermanent, stageName, "upload", "build request", err)
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	var payload struct {
		UploadURL string `json:"upload_url"`
	}
	if err := c.do(req, &payload); err != nil {
		return "", err
	}
	return payload.UploadURL, nil
}

func (c *Client) submit(ctx context.Context, audioURL string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"audio_url":      audioURL,
		"speaker_labels": true,
	})
	if err != nil {
		return "", services.Wrap(services.ErrPermanent, stageName, "submit", "encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transcript", bytes.NewReader(body))
	if err != nil {
		return "", services.Wrap(services.ErrPermanent, stageName, "submit", "build request", err)
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	var status jobStatus
	if err := c.do(req, &status); err != nil {
		return "", err
	}
	return status.ID, nil
}

func (c *Client) poll(ctx context.Context, jobID string) (*jobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/transcript/"+jobID, nil)
	if err != nil {
		return nil, services.Wrap(services.ErrPermanent, stageName, "poll", "build request", err)
	}
	req.Header.Set("Authorization", c.apiKey)

	var status jobStatus
	if err := c.do(req, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransient, stageName, "request", req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return services.Wrap(services.ErrTransient, stageName, "request", "read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		marker := services.ErrPermanent
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			marker = services.ErrTransient
		}
		return services.Wrap(marker, stageName, "request",
			fmt.Sprintf("%s returned status %d: %s", req.URL.Path, resp.StatusCode, truncateBody(data)), nil)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return services.Wrap(services.ErrPermanent, stageName, "request", "decode response", err)
	}
	return nil
}

func truncateBody(data []byte) string {
	const limit = 200
	if len(data) <= limit {
		return string(data)
	}
	return string(data[:limit])
}
