package transcribe

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"castpipe/internal/config"
)

func speakerServer(t *testing.T, captured *string, reply string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read request: %v", err)
		}
		*captured = string(body)
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]string{"content": reply}},
			},
		}
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
}

func TestMapSpeakersSendsDescriptionHint(t *testing.T) {
	var captured string
	srv := speakerServer(t, &captured, `{"A": "Jane Doe"}`)
	defer srv.Close()

	mapper := NewLLMMapper(config.SpeakerLLM{BaseURL: srv.URL, APIKey: "key", Model: "gpt-test"})
	result := &Result{Utterances: []Utterance{
		{Speaker: "A", Text: "Welcome back to the show."},
		{Speaker: "B", Text: "Glad to be here."},
	}}

	mapping, err := mapper.MapSpeakers(context.Background(), result, "Jane Doe joins us to talk databases.")
	if err != nil {
		t.Fatalf("MapSpeakers: %v", err)
	}
	if !mapping.Produced {
		t.Error("mapping not marked produced")
	}
	if got := mapping.Resolve("A"); got != "Jane Doe" {
		t.Errorf("Resolve(A) = %q, want Jane Doe", got)
	}
	if got := mapping.Resolve("B"); got != "Speaker B" {
		t.Errorf("Resolve(B) = %q, want fallback", got)
	}

	if !strings.Contains(captured, "Episode description:") {
		t.Error("request does not carry the description header")
	}
	if !strings.Contains(captured, "Jane Doe joins us to talk databases.") {
		t.Error("request does not carry the description text")
	}
	if !strings.Contains(captured, "Welcome back to the show.") {
		t.Error("request does not carry the transcript excerpt")
	}
}

func TestMapSpeakersOmitsEmptyDescription(t *testing.T) {
	var captured string
	srv := speakerServer(t, &captured, "{}")
	defer srv.Close()

	mapper := NewLLMMapper(config.SpeakerLLM{BaseURL: srv.URL, APIKey: "key", Model: "gpt-test"})
	result := &Result{Utterances: []Utterance{{Speaker: "A", Text: "Hello."}}}

	mapping, err := mapper.MapSpeakers(context.Background(), result, "")
	if err != nil {
		t.Fatalf("MapSpeakers: %v", err)
	}
	if !mapping.Produced || len(mapping.Names) != 0 {
		t.Errorf("want produced empty mapping, got %+v", mapping)
	}
	if strings.Contains(captured, "Episode description:") {
		t.Error("empty description still produced a description section")
	}
}
