package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"castpipe/internal/services"
)

func TestContextFieldsExtractsAnnotations(t *testing.T) {
	ctx := services.WithRequestID(context.Background(), "req-42")
	ctx = services.WithItemID(ctx, "ep-1")
	ctx = services.WithPodcast(ctx, "testcast")
	ctx = services.WithStage(ctx, "acquired")

	fields := ContextFields(ctx)
	got := make(map[string]string, len(fields))
	for _, f := range fields {
		got[f.Key] = f.Value.String()
	}
	want := map[string]string{
		FieldItemID:        "ep-1",
		FieldStage:         "acquired",
		FieldPodcast:       "testcast",
		FieldCorrelationID: "req-42",
	}
	for key, value := range want {
		if got[key] != value {
			t.Errorf("field %s = %q, want %q", key, got[key], value)
		}
	}
}

func TestContextFieldsEmptyContext(t *testing.T) {
	if fields := ContextFields(context.Background()); len(fields) != 0 {
		t.Errorf("bare context yields fields %v", fields)
	}
}

func TestWithContextAugmentsLogger(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	ctx := services.WithRequestID(context.Background(), "req-7")
	ctx = services.WithItemID(ctx, "ep-9")
	WithContext(ctx, base).Info("stage complete")

	line := buf.String()
	for _, want := range []string{`"correlation_id":"req-7"`, `"item_id":"ep-9"`} {
		if !strings.Contains(line, want) {
			t.Errorf("log line missing %s: %s", want, line)
		}
	}
}

func TestWithContextNilLogger(t *testing.T) {
	if logger := WithContext(context.Background(), nil); logger == nil {
		t.Fatal("WithContext(nil) returned nil logger")
	}
}
