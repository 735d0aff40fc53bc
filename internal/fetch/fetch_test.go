package fetch

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"castpipe/internal/logging"
	"castpipe/internal/services"
)

func TestDownloadSuccess(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 2048)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("expected a User-Agent header on the request")
		}
		w.Write(payload)
	}))
	defer server.Close()

	d := NewDownloader(0, 1024, logging.NewNop())
	data, err := d.Download(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("downloaded %d bytes, want %d", len(data), len(payload))
	}
}

func TestDownloadRetriesTransientFailures(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write(bytes.Repeat([]byte{0x01}, 2048))
	}))
	defer server.Close()

	d := NewDownloader(3, 1024, logging.NewNop())
	if _, err := d.Download(context.Background(), server.URL); err != nil {
		t.Fatalf("Download after retries: %v", err)
	}
	if calls != 3 {
		t.Errorf("server saw %d calls, want 3", calls)
	}
}

func TestDownloadDoesNotRetryPermanentFailures(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	d := NewDownloader(3, 1024, logging.NewNop())
	_, err := d.Download(context.Background(), server.URL)
	if err == nil {
		t.Fatal("expected an error for 404")
	}
	if !errors.Is(err, services.ErrPermanent) {
		t.Errorf("expected permanent failure, got %v", err)
	}
	if calls != 1 {
		t.Errorf("server saw %d calls, want 1", calls)
	}
}

func TestDownloadRejectsUndersizedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not audio"))
	}))
	defer server.Close()

	d := NewDownloader(0, 100*1024, logging.NewNop())
	_, err := d.Download(context.Background(), server.URL)
	if err == nil {
		t.Fatal("expected an error for an undersized response")
	}
	if !errors.Is(err, services.ErrPermanent) {
		t.Errorf("expected permanent failure, got %v", err)
	}
}
