package chunker

import (
	"fmt"
	"strings"
	"testing"
)

func words(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(parts, " ")
}

func TestSplitSingleWindow(t *testing.T) {
	s, err := New(Params{MaxTokens: 30000, OverlapPercent: 0.1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	chunks := s.Split(words(22171))
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if chunks[0].TokenCount != 22171 {
		t.Errorf("token count = %d, want 22171", chunks[0].TokenCount)
	}
	if chunks[0].Total != 1 || chunks[0].Index != 0 {
		t.Errorf("chunk index/total = %d/%d, want 0/1", chunks[0].Index, chunks[0].Total)
	}
}

func TestSplitOverlap(t *testing.T) {
	s, err := New(Params{MaxTokens: 10, OverlapPercent: 0.2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	text := words(25)
	chunks := s.Split(text)
	// stride 8: windows [0,10) [8,18) [16,25)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	first := strings.Fields(chunks[0].Text)
	second := strings.Fields(chunks[1].Text)
	if first[8] != second[0] || first[9] != second[1] {
		t.Errorf("adjacent windows do not share the overlap: %v / %v", first[8:], second[:2])
	}
	if chunks[2].TokenCount != 9 {
		t.Errorf("final window token count = %d, want 9", chunks[2].TokenCount)
	}
}

func TestSplitDeterministic(t *testing.T) {
	s, err := New(Params{MaxTokens: 50, OverlapPercent: 0.1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	text := words(431)
	a := s.Split(text)
	b := s.Split(text)
	if len(a) != len(b) {
		t.Fatalf("chunk counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("chunk %d differs between runs", i)
		}
	}
}

func TestCountMatchesSplit(t *testing.T) {
	s, err := New(Params{MaxTokens: 10, OverlapPercent: 0.3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, n := range []int{0, 1, 9, 10, 11, 17, 18, 50, 99} {
		text := words(n)
		if got, want := s.Count(text), len(s.Split(text)); got != want {
			t.Errorf("Count(%d tokens) = %d, Split produced %d", n, got, want)
		}
	}
}

func TestSplitEmpty(t *testing.T) {
	s, err := New(Params{MaxTokens: 10, OverlapPercent: 0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if chunks := s.Split("   "); chunks != nil {
		t.Errorf("expected no chunks for blank text, got %d", len(chunks))
	}
}

func TestNewRejectsBadParams(t *testing.T) {
	if _, err := New(Params{MaxTokens: 0}); err == nil {
		t.Error("expected error for zero max tokens")
	}
	if _, err := New(Params{MaxTokens: 10, OverlapPercent: 1.0}); err == nil {
		t.Error("expected error for full overlap")
	}
	if _, err := New(Params{MaxTokens: 10, OverlapPercent: -0.1}); err == nil {
		t.Error("expected error for negative overlap")
	}
}
