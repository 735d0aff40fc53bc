package catalog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"castpipe/internal/artifacts"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenPath(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("OpenPath: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newEpisode(podcast string, seq int64) *Episode {
	return &Episode{
		Podcast:        podcast,
		SequenceNumber: seq,
		Title:          "Episode",
		PublishedAt:    time.Date(2024, 1, int(seq), 0, 0, 0, 0, time.UTC),
		AudioURL:       fmt.Sprintf("https://example.com/%s/%d.mp3", podcast, seq),
	}
}

func TestRegisterAssignsIDAndDefaults(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ep := newEpisode("testcast", 1)
	if err := store.Register(ctx, ep); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if ep.ID == "" {
		t.Fatal("Register did not assign an ID")
	}

	loaded, err := store.GetByID(ctx, ep.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if loaded == nil {
		t.Fatal("episode not found after Register")
	}
	if loaded.Stage != StageRegistered {
		t.Errorf("stage = %s, want %s", loaded.Stage, StageRegistered)
	}
	if loaded.DurationSeconds != nil || loaded.Confidence != nil {
		t.Error("metrics should be unset on a new episode")
	}
}

func TestRegisterIfAbsentIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := newEpisode("testcast", 1)
	created, err := store.RegisterIfAbsent(ctx, first)
	if err != nil {
		t.Fatalf("RegisterIfAbsent: %v", err)
	}
	if !created {
		t.Fatal("first registration should create")
	}

	dup := newEpisode("testcast", 1)
	created, err = store.RegisterIfAbsent(ctx, dup)
	if err != nil {
		t.Fatalf("RegisterIfAbsent (dup): %v", err)
	}
	if created {
		t.Error("duplicate source should not create")
	}
	if dup.ID != first.ID {
		t.Errorf("duplicate resolved to %s, want %s", dup.ID, first.ID)
	}
}

func TestAdvanceStageRecordsArtifactsAndAudit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ep := newEpisode("testcast", 1)
	if err := store.Register(ctx, ep); err != nil {
		t.Fatalf("Register: %v", err)
	}

	err := store.AdvanceStage(ctx, ep.ID, StageRegistered, Advance{
		Artifacts: map[artifacts.Kind]string{artifacts.KindRawSource: "/data/audio/episode_001/audio.mp3"},
	})
	if err != nil {
		t.Fatalf("AdvanceStage: %v", err)
	}

	loaded, err := store.GetByID(ctx, ep.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if loaded.Stage != StageAcquired {
		t.Errorf("stage = %s, want %s", loaded.Stage, StageAcquired)
	}
	if loaded.AudioPath == "" {
		t.Error("audio path not recorded with the transition")
	}

	events, err := store.StageEvents(ctx, ep.ID)
	if err != nil {
		t.Fatalf("StageEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 stage event, got %d", len(events))
	}
	if events[0].Direction != DirectionAdvance || events[0].FromStage != StageRegistered || events[0].ToStage != StageAcquired {
		t.Errorf("unexpected event %+v", events[0])
	}
}

func TestAdvanceStageConflictsOnStaleStage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ep := newEpisode("testcast", 1)
	if err := store.Register(ctx, ep); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := store.AdvanceStage(ctx, ep.ID, StageRegistered, Advance{}); err != nil {
		t.Fatalf("AdvanceStage: %v", err)
	}

	// A second caller holding the stale stage loses the race.
	err := store.AdvanceStage(ctx, ep.ID, StageRegistered, Advance{})
	if !errors.Is(err, ErrStageConflict) {
		t.Errorf("expected ErrStageConflict, got %v", err)
	}

	events, _ := store.StageEvents(ctx, ep.ID)
	if len(events) != 1 {
		t.Errorf("losing transition must not add audit events, got %d", len(events))
	}
}

func TestAdvanceStageClearsFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ep := newEpisode("testcast", 1)
	if err := store.Register(ctx, ep); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := store.RecordFailure(ctx, ep.ID, "network flake"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}
	if err := store.AdvanceStage(ctx, ep.ID, StageRegistered, Advance{}); err != nil {
		t.Fatalf("AdvanceStage: %v", err)
	}

	loaded, _ := store.GetByID(ctx, ep.ID)
	if loaded.ErrorMessage != "" {
		t.Errorf("error message should clear on success, got %q", loaded.ErrorMessage)
	}
}

func TestReconcileStageDowngradesWithEvidence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ep := newEpisode("testcast", 1)
	if err := store.Register(ctx, ep); err != nil {
		t.Fatalf("Register: %v", err)
	}
	for _, from := range []Stage{StageRegistered, StageAcquired, StageTranscribed} {
		if err := store.AdvanceStage(ctx, ep.ID, from, Advance{}); err != nil {
			t.Fatalf("AdvanceStage from %s: %v", from, err)
		}
	}

	err := store.ReconcileStage(ctx, ep.ID, StageFormatted, StageAcquired, "raw transcript missing from store", Advance{})
	if err != nil {
		t.Fatalf("ReconcileStage: %v", err)
	}

	loaded, _ := store.GetByID(ctx, ep.ID)
	if loaded.Stage != StageAcquired {
		t.Errorf("stage = %s, want %s", loaded.Stage, StageAcquired)
	}

	events, _ := store.StageEvents(ctx, ep.ID)
	last := events[len(events)-1]
	if last.Direction != DirectionDowngrade {
		t.Errorf("direction = %s, want %s", last.Direction, DirectionDowngrade)
	}
	if last.Evidence == "" {
		t.Error("downgrade must record evidence")
	}
}

func TestReconcileStageDowngradeClearsStaleArtifactRefs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	ep := newEpisode("testcast", 1)
	if err := store.Register(ctx, ep); err != nil {
		t.Fatalf("Register: %v", err)
	}
	err := store.AdvanceStage(ctx, ep.ID, StageRegistered, Advance{
		Artifacts: map[artifacts.Kind]string{artifacts.KindRawSource: "/data/testcast/episode_001/audio.mp3"},
	})
	if err != nil {
		t.Fatalf("AdvanceStage to acquired: %v", err)
	}
	err = store.AdvanceStage(ctx, ep.ID, StageAcquired, Advance{
		Artifacts: map[artifacts.Kind]string{artifacts.KindRawTranscript: "/data/testcast/episode_001/raw_transcript.json"},
	})
	if err != nil {
		t.Fatalf("AdvanceStage to transcribed: %v", err)
	}

	// The transcript vanished from the store; only the audio survives.
	err = store.ReconcileStage(ctx, ep.ID, StageTranscribed, StageAcquired, "raw transcript missing from store", Advance{
		Artifacts: map[artifacts.Kind]string{artifacts.KindRawSource: "/data/testcast/episode_001/audio.mp3"},
	})
	if err != nil {
		t.Fatalf("ReconcileStage: %v", err)
	}

	loaded, _ := store.GetByID(ctx, ep.ID)
	if loaded.RawTranscriptPath != "" {
		t.Errorf("downgraded row still claims transcript %q", loaded.RawTranscriptPath)
	}
	if loaded.AudioPath == "" {
		t.Error("downgrade cleared the surviving audio locator")
	}
}

func TestSelectCandidatesOrderAndFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for seq := int64(3); seq >= 1; seq-- {
		if err := store.Register(ctx, newEpisode("testcast", seq)); err != nil {
			t.Fatalf("Register %d: %v", seq, err)
		}
	}
	other := newEpisode("othercast", 1)
	if err := store.Register(ctx, other); err != nil {
		t.Fatalf("Register other: %v", err)
	}
	if err := store.AdvanceStage(ctx, other.ID, StageRegistered, Advance{}); err != nil {
		t.Fatalf("AdvanceStage: %v", err)
	}

	got, err := store.SelectCandidates(ctx, Filter{Podcast: "testcast", BelowStage: StageIndexed})
	if err != nil {
		t.Fatalf("SelectCandidates: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(got))
	}
	for i, ep := range got {
		if ep.SequenceNumber != int64(i+1) {
			t.Errorf("candidate %d has sequence %d, want %d", i, ep.SequenceNumber, i+1)
		}
	}

	// BelowStage excludes episodes at or past the bound.
	got, err = store.SelectCandidates(ctx, Filter{BelowStage: StageAcquired})
	if err != nil {
		t.Fatalf("SelectCandidates below acquired: %v", err)
	}
	for _, ep := range got {
		if ep.Stage != StageRegistered {
			t.Errorf("episode %s at %s should be excluded", ep.ID, ep.Stage)
		}
	}
}

func TestMaxSequenceScopedPerPodcast(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for seq := int64(1); seq <= 4; seq++ {
		if err := store.Register(ctx, newEpisode("testcast", seq)); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	if err := store.Register(ctx, newEpisode("othercast", 9)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	max, err := store.MaxSequence(ctx, "testcast")
	if err != nil {
		t.Fatalf("MaxSequence: %v", err)
	}
	if max != 4 {
		t.Errorf("max sequence = %d, want 4", max)
	}
	max, err = store.MaxSequence(ctx, "emptycast")
	if err != nil {
		t.Fatalf("MaxSequence empty: %v", err)
	}
	if max != 0 {
		t.Errorf("max sequence for unknown podcast = %d, want 0", max)
	}
}

func TestStatsCountsStagesAndReview(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a := newEpisode("testcast", 1)
	b := newEpisode("testcast", 2)
	for _, ep := range []*Episode{a, b} {
		if err := store.Register(ctx, ep); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	if err := store.AdvanceStage(ctx, a.ID, StageRegistered, Advance{}); err != nil {
		t.Fatalf("AdvanceStage: %v", err)
	}
	if err := store.MarkReview(ctx, b.ID, "contradictory evidence"); err != nil {
		t.Fatalf("MarkReview: %v", err)
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("total = %d, want 2", stats.Total)
	}
	if stats.PerStage[StageAcquired] != 1 || stats.PerStage[StageRegistered] != 1 {
		t.Errorf("per-stage counts = %v", stats.PerStage)
	}
	if stats.Review != 1 {
		t.Errorf("review = %d, want 1", stats.Review)
	}
}
