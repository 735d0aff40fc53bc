package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"castpipe/internal/artifacts"
	"castpipe/internal/catalog"
	"castpipe/internal/config"
	"castpipe/internal/embedder"
	"castpipe/internal/fetch"
	"castpipe/internal/logging"
	"castpipe/internal/testsupport"
	"castpipe/internal/transcribe"
)

type stubTranscriber struct {
	mu    sync.Mutex
	calls int
}

func (s *stubTranscriber) Transcribe(context.Context, []byte) (*transcribe.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return &transcribe.Result{
		Utterances: []transcribe.Utterance{
			{Speaker: "A", Text: "Hello and welcome."},
			{Speaker: "B", Text: "Thanks for having me."},
		},
		Text:            "Hello and welcome. Thanks for having me.",
		DurationSeconds: 1800,
		Confidence:      0.93,
	}, nil
}

func (s *stubTranscriber) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubMapper struct {
	mu    sync.Mutex
	calls int
}

func (s *stubMapper) MapSpeakers(context.Context, *transcribe.Result, string) (transcribe.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return transcribe.Mapping{Produced: true, Names: map[string]string{"A": "Alice"}}, nil
}

func (s *stubMapper) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type testPipeline struct {
	orchestrator *Orchestrator
	catalog      *catalog.Store
	store        artifacts.Store
	index        *testsupport.MemoryIndex
	embedClient  *testsupport.FakeEmbedder
	transcriber  *stubTranscriber
	mapper       *stubMapper
	audioURL     string
	downloads    *int32
}

func newTestPipeline(t *testing.T) *testPipeline {
	t.Helper()

	store, err := catalog.OpenPath(filepath.Join(t.TempDir(), "catalog.db"))
	if err != nil {
		t.Fatalf("OpenPath: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	artifactStore, err := artifacts.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}

	downloads := new(int32)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(downloads, 1)
		w.Write(bytes.Repeat([]byte{0x5A}, 2048))
	}))
	t.Cleanup(server.Close)

	logger := logging.NewNop()
	downloader := fetch.NewDownloader(0, 1024, logger)
	transcriber := &stubTranscriber{}
	mapper := &stubMapper{}
	index := testsupport.NewMemoryIndex()
	embedClient := testsupport.NewFakeEmbedder(4)
	embedCfg := config.Embedding{Model: "test", Dimension: 4, MaxTokens: 10, OverlapPercent: 0.2}
	resolver, err := embedder.NewResolver(embedCfg, embedClient, index, artifactStore, logger)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}

	executors := []Executor{
		NewAcquireExecutor(downloader, artifactStore, logger),
		NewTranscribeExecutor(transcriber, artifactStore, logger),
		NewFormatExecutor(mapper, artifactStore, logger),
		NewEmbedExecutor(resolver, artifactStore),
	}

	return &testPipeline{
		orchestrator: NewOrchestrator(store, artifactStore, executors, 2, 0, logger),
		catalog:      store,
		store:        artifactStore,
		index:        index,
		embedClient:  embedClient,
		transcriber:  transcriber,
		mapper:       mapper,
		audioURL:     server.URL,
		downloads:    downloads,
	}
}

func (p *testPipeline) register(t *testing.T, seq int64) *catalog.Episode {
	t.Helper()
	ep := &catalog.Episode{
		Podcast:        "testcast",
		SequenceNumber: seq,
		Title:          fmt.Sprintf("Episode %d", seq),
		PublishedAt:    time.Date(2024, 1, int(seq), 0, 0, 0, 0, time.UTC),
		AudioURL:       fmt.Sprintf("%s/%d.mp3", p.audioURL, seq),
	}
	if err := p.catalog.Register(context.Background(), ep); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return ep
}

func TestRunDrivesEpisodesToIndexed(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	a := p.register(t, 1)
	b := p.register(t, 2)

	summary, err := p.orchestrator.Run(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Failed() {
		t.Fatalf("run reported failures: %+v", summary.PerStage)
	}

	for _, ep := range []*catalog.Episode{a, b} {
		loaded, err := p.catalog.GetByID(ctx, ep.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if loaded.Stage != catalog.StageIndexed {
			t.Errorf("episode %d at %s, want %s", ep.SequenceNumber, loaded.Stage, catalog.StageIndexed)
		}
		if loaded.DurationSeconds == nil || *loaded.DurationSeconds != 1800 {
			t.Errorf("episode %d duration not recorded", ep.SequenceNumber)
		}
		if !loaded.HasArtifacts(catalog.StageOutputs(catalog.StageFormatted)) {
			t.Errorf("episode %d missing formatted stage artifact refs", ep.SequenceNumber)
		}
		count, _ := p.index.Count(ctx, ep.ID)
		if count == 0 {
			t.Errorf("episode %d has no chunks in the index", ep.SequenceNumber)
		}
	}
	if got := summary.PerStage[catalog.StageIndexed].Advanced; got != 2 {
		t.Errorf("indexed advances = %d, want 2", got)
	}
}

func TestRunSecondTimeDoesNothing(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	p.register(t, 1)

	if _, err := p.orchestrator.Run(ctx, RunOptions{}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	downloadsAfterFirst := atomic.LoadInt32(p.downloads)
	transcribesAfterFirst := p.transcriber.callCount()
	embedsAfterFirst := p.embedClient.Calls

	summary, err := p.orchestrator.Run(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if summary.Episodes != 0 {
		t.Errorf("second run selected %d episodes, want 0", summary.Episodes)
	}
	if atomic.LoadInt32(p.downloads) != downloadsAfterFirst {
		t.Error("second run re-downloaded audio")
	}
	if p.transcriber.callCount() != transcribesAfterFirst {
		t.Error("second run re-transcribed")
	}
	if p.embedClient.Calls != embedsAfterFirst {
		t.Error("second run re-embedded")
	}
}

func TestRunIsolatesFailures(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()

	badServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(badServer.Close)

	good := p.register(t, 1)
	broken := &catalog.Episode{
		Podcast:        "testcast",
		SequenceNumber: 2,
		Title:          "Broken",
		PublishedAt:    time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		AudioURL:       badServer.URL + "/missing.mp3",
	}
	if err := p.catalog.Register(ctx, broken); err != nil {
		t.Fatalf("Register: %v", err)
	}

	summary, err := p.orchestrator.Run(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	loadedGood, _ := p.catalog.GetByID(ctx, good.ID)
	if loadedGood.Stage != catalog.StageIndexed {
		t.Errorf("healthy episode at %s, want %s", loadedGood.Stage, catalog.StageIndexed)
	}
	loadedBroken, _ := p.catalog.GetByID(ctx, broken.ID)
	if loadedBroken.Stage != catalog.StageRegistered {
		t.Errorf("broken episode at %s, want %s", loadedBroken.Stage, catalog.StageRegistered)
	}
	if loadedBroken.ErrorMessage == "" {
		t.Error("broken episode has no recorded failure")
	}
	if summary.PerStage[catalog.StageAcquired].Failed != 1 {
		t.Errorf("acquire failures = %d, want 1", summary.PerStage[catalog.StageAcquired].Failed)
	}
}

func TestRunAdoptsArtifactsLeftByCrash(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	ep := p.register(t, 1)

	// Simulate a crash after the transcript was written but before the
	// catalog committed: episode is ACQUIRED, transcript artifact exists.
	workspace := artifacts.WorkspaceFor(ep.Podcast, ep.SequenceNumber)
	if _, err := p.store.Write(ctx, workspace, artifacts.NameAudio, bytes.Repeat([]byte{0x01}, 2048)); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	if err := p.catalog.AdvanceStage(ctx, ep.ID, catalog.StageRegistered, catalog.Advance{}); err != nil {
		t.Fatalf("AdvanceStage: %v", err)
	}
	orphan := &transcribe.Result{
		Utterances:      []transcribe.Utterance{{Speaker: "A", Text: "Recovered."}},
		Text:            "Recovered.",
		DurationSeconds: 777,
		Confidence:      0.5,
	}
	data, _ := json.Marshal(orphan)
	if _, err := p.store.Write(ctx, workspace, artifacts.NameRawTranscript, data); err != nil {
		t.Fatalf("write transcript: %v", err)
	}

	if _, err := p.orchestrator.Run(ctx, RunOptions{}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if p.transcriber.callCount() != 0 {
		t.Errorf("transcriber called %d times, want 0 (artifact should be adopted)", p.transcriber.callCount())
	}
	loaded, _ := p.catalog.GetByID(ctx, ep.ID)
	if loaded.Stage != catalog.StageIndexed {
		t.Errorf("stage = %s, want %s", loaded.Stage, catalog.StageIndexed)
	}
	if loaded.DurationSeconds == nil || *loaded.DurationSeconds != 777 {
		t.Error("duration was not re-extracted from the adopted transcript")
	}
}

func TestRunDryRunWritesNothing(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	ep := p.register(t, 1)

	summary, err := p.orchestrator.Run(ctx, RunOptions{DryRun: true})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.PerStage[catalog.StageAcquired].Advanced != 1 {
		t.Errorf("dry run should report the acquire stage as runnable")
	}
	if atomic.LoadInt32(p.downloads) != 0 {
		t.Error("dry run downloaded audio")
	}
	loaded, _ := p.catalog.GetByID(ctx, ep.ID)
	if loaded.Stage != catalog.StageRegistered {
		t.Errorf("dry run changed the stage to %s", loaded.Stage)
	}
	events, _ := p.catalog.StageEvents(ctx, ep.ID)
	if len(events) != 0 {
		t.Errorf("dry run recorded %d stage events", len(events))
	}
}

func TestRunForceReprocessesCompletedEpisode(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	ep := p.register(t, 1)

	if _, err := p.orchestrator.Run(ctx, RunOptions{}); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	replacesAfterFirst := p.index.Replaces

	summary, err := p.orchestrator.Run(ctx, RunOptions{Force: true})
	if err != nil {
		t.Fatalf("forced Run: %v", err)
	}
	if summary.Episodes != 1 {
		t.Fatalf("forced run selected %d episodes, want 1", summary.Episodes)
	}
	if summary.Failed() {
		t.Fatalf("forced run reported failures: %+v", summary.PerStage)
	}
	if got := atomic.LoadInt32(p.downloads); got != 2 {
		t.Errorf("downloads = %d, want 2 (force must re-download)", got)
	}
	if p.transcriber.callCount() != 2 {
		t.Errorf("transcriber calls = %d, want 2 (force must re-transcribe)", p.transcriber.callCount())
	}
	if p.mapper.callCount() != 2 {
		t.Errorf("mapper calls = %d, want 2 (force must re-map speakers)", p.mapper.callCount())
	}
	if p.embedClient.Calls != 2 {
		t.Errorf("embed calls = %d, want 2 (force must re-embed)", p.embedClient.Calls)
	}
	if p.index.Replaces <= replacesAfterFirst {
		t.Error("forced run did not replace the indexed chunks")
	}
	loaded, _ := p.catalog.GetByID(ctx, ep.ID)
	if loaded.Stage != catalog.StageIndexed {
		t.Errorf("stage = %s, want %s (force must not regress the stage)", loaded.Stage, catalog.StageIndexed)
	}
}

func TestRunKeepsPodcastWorkspacesApart(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	p.register(t, 1)
	if _, err := p.orchestrator.Run(ctx, RunOptions{}); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	// Same sequence number, different podcast, dead audio URL. If workspaces
	// collided this episode would silently adopt the first podcast's audio.
	badServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(badServer.Close)
	other := &catalog.Episode{
		Podcast:        "othercast",
		SequenceNumber: 1,
		Title:          "Other Episode 1",
		PublishedAt:    time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
		AudioURL:       badServer.URL + "/1.mp3",
	}
	if err := p.catalog.Register(ctx, other); err != nil {
		t.Fatalf("Register: %v", err)
	}

	summary, err := p.orchestrator.Run(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if summary.PerStage[catalog.StageAcquired].Failed != 1 {
		t.Errorf("acquire failures = %d, want 1 (the dead URL must actually be fetched)",
			summary.PerStage[catalog.StageAcquired].Failed)
	}
	loaded, _ := p.catalog.GetByID(ctx, other.ID)
	if loaded.Stage != catalog.StageRegistered {
		t.Errorf("other podcast's episode at %s, want %s", loaded.Stage, catalog.StageRegistered)
	}
	exists, err := p.store.Exists(ctx, artifacts.WorkspaceFor(other.Podcast, other.SequenceNumber), artifacts.NameAudio)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if exists {
		t.Error("other podcast's workspace holds audio it never downloaded")
	}
}

type stallExecutor struct{}

func (stallExecutor) Target() catalog.Stage { return catalog.StageAcquired }

func (stallExecutor) Execute(ctx context.Context, _ *catalog.Episode, _ bool) (catalog.Advance, error) {
	<-ctx.Done()
	return catalog.Advance{}, ctx.Err()
}

func TestRunStageTimeoutBoundsExecution(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	ep := p.register(t, 1)

	orchestrator := NewOrchestrator(p.catalog, p.store, []Executor{stallExecutor{}}, 1, 20*time.Millisecond, logging.NewNop())
	summary, err := orchestrator.Run(ctx, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.PerStage[catalog.StageAcquired].Failed != 1 {
		t.Errorf("acquire failures = %d, want 1 (stalled stage must time out)",
			summary.PerStage[catalog.StageAcquired].Failed)
	}
	loaded, _ := p.catalog.GetByID(ctx, ep.ID)
	if loaded.ErrorMessage == "" {
		t.Error("timed-out stage left no recorded failure")
	}
}

func TestRunHonorsStageFilter(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	ep := p.register(t, 1)

	summary, err := p.orchestrator.Run(ctx, RunOptions{Stages: []catalog.Stage{catalog.StageAcquired}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	loaded, _ := p.catalog.GetByID(ctx, ep.ID)
	if loaded.Stage != catalog.StageAcquired {
		t.Errorf("stage = %s, want %s", loaded.Stage, catalog.StageAcquired)
	}
	if p.transcriber.callCount() != 0 {
		t.Error("stage filter did not stop transcription")
	}
	if summary.PerStage[catalog.StageAcquired].Advanced != 1 {
		t.Errorf("acquire advances = %d, want 1", summary.PerStage[catalog.StageAcquired].Advanced)
	}
}
