// Package fetch downloads episode audio over HTTP. Some podcast CDNs refuse
// requests without browser-looking headers, so every request carries them.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"castpipe/internal/logging"
	"castpipe/internal/services"
)

const stageName = "acquire"

var browserHeaders = map[string]string{
	"User-Agent":      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Accept":          "audio/mpeg,audio/*;q=0.9,*/*;q=0.8",
	"Accept-Language": "en-US,en;q=0.9",
}

// Downloader fetches audio with bounded retries. Retries cover transient
// failures only; a 404 retried three times is still a 404.
type Downloader struct {
	client   *http.Client
	retries  int
	minBytes int64
	logger   *slog.Logger
}

// NewDownloader builds a Downloader. retries is the number of additional
// attempts after the first; minBytes rejects truncated or error-page
// responses masquerading as audio.
func NewDownloader(retries int, minBytes int64, logger *slog.Logger) *Downloader {
	if retries < 0 {
		retries = 0
	}
	return &Downloader{
		client:   &http.Client{Timeout: 10 * time.Minute},
		retries:  retries,
		minBytes: minBytes,
		logger:   logger,
	}
}

// Download fetches the URL and returns the response body. Responses smaller
// than the configured minimum are treated as permanent failures: the URL
// resolved, but not to usable audio.
func (d *Downloader) Download(ctx context.Context, url string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= d.retries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * 2 * time.Second
			d.logger.Warn("retrying download",
				logging.String("url", url),
				logging.Int("attempt", attempt+1),
				logging.Error(lastErr),
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		data, err := d.fetch(ctx, url)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !services.Retryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (d *Downloader) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, services.Wrap(services.ErrPermanent, stageName, "build_request", url, err)
	}
	for key, value := range browserHeaders {
		req.Header.Set(key, value)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, stageName, "download", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		marker := services.ErrPermanent
		if retryableStatus(resp.StatusCode) {
			marker = services.ErrTransient
		}
		return nil, services.Wrap(marker, stageName, "download",
			fmt.Sprintf("unexpected status %d for %s", resp.StatusCode, url), errStatus)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, services.Wrap(services.ErrTransient, stageName, "read_body", url, err)
	}
	if int64(len(data)) < d.minBytes {
		return nil, services.Wrap(services.ErrPermanent, stageName, "validate",
			fmt.Sprintf("response is %d bytes, below the %d byte minimum for %s", len(data), d.minBytes, url), errTooSmall)
	}
	return data, nil
}

var (
	errStatus   = errors.New("unexpected http status")
	errTooSmall = errors.New("audio below minimum size")
)

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
