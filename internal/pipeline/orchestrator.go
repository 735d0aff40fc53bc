package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"castpipe/internal/artifacts"
	"castpipe/internal/catalog"
	"castpipe/internal/logging"
	"castpipe/internal/services"
)

// RunOptions narrows a pipeline run. Zero values mean "everything".
type RunOptions struct {
	IDs     []string
	Podcast string
	Limit   int
	// Stages restricts which target stages execute. An episode stops at the
	// first stage the filter excludes, since later stages depend on it.
	Stages []catalog.Stage
	DryRun bool
	// Force reprocesses stages an episode has already completed: artifacts
	// are regenerated and indexed chunks replaced instead of being adopted.
	Force bool
}

// StageSummary counts outcomes for one target stage.
type StageSummary struct {
	Advanced int
	Skipped  int
	Failed   int
}

// Summary aggregates a run's outcomes per stage.
type Summary struct {
	Episodes int
	PerStage map[catalog.Stage]*StageSummary
}

func newSummary() *Summary {
	return &Summary{PerStage: make(map[catalog.Stage]*StageSummary)}
}

func (s *Summary) stage(target catalog.Stage) *StageSummary {
	if s.PerStage[target] == nil {
		s.PerStage[target] = &StageSummary{}
	}
	return s.PerStage[target]
}

// Failed reports whether any stage recorded a failure.
func (s *Summary) Failed() bool {
	for _, st := range s.PerStage {
		if st.Failed > 0 {
			return true
		}
	}
	return false
}

// Orchestrator selects eligible episodes and drives each through the
// executors in stage order. One worker owns an episode end to end, so an
// episode's stages always run sequentially; parallelism is across episodes.
type Orchestrator struct {
	catalog      *catalog.Store
	store        artifacts.Store
	executors    []Executor
	workers      int
	stageTimeout time.Duration
	logger       *slog.Logger
}

// NewOrchestrator builds an Orchestrator. Executors must be supplied in
// stage order. A positive stageTimeout bounds each stage execution; zero
// means no deadline beyond the run context's own.
func NewOrchestrator(store *catalog.Store, artifactStore artifacts.Store, executors []Executor, workers int, stageTimeout time.Duration, logger *slog.Logger) *Orchestrator {
	if workers < 1 {
		workers = 1
	}
	return &Orchestrator{
		catalog:      store,
		store:        artifactStore,
		executors:    executors,
		workers:      workers,
		stageTimeout: stageTimeout,
		logger:       logger,
	}
}

// Run processes every eligible episode. Selection order is stable
// (publication time, then sequence number) so interrupted runs resume
// where they left off. A cancelled context stops the pickup of new
// episodes; episodes already in flight finish their current stage.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) (*Summary, error) {
	ctx = services.WithRequestID(ctx, uuid.NewString())

	filter := catalog.Filter{
		IDs:     opts.IDs,
		Podcast: opts.Podcast,
		Limit:   opts.Limit,
	}
	// A normal run has no business with finished episodes; a forced one
	// revisits them too.
	if !opts.Force {
		filter.BelowStage = catalog.StageIndexed
	}
	episodes, err := o.catalog.SelectCandidates(ctx, filter)
	if err != nil {
		return nil, err
	}

	summary := newSummary()
	summary.Episodes = len(episodes)
	if len(episodes) == 0 {
		return summary, nil
	}

	var mu sync.Mutex
	queue := make(chan *catalog.Episode)
	var wg sync.WaitGroup
	for i := 0; i < o.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ep := range queue {
				o.processEpisode(ctx, ep, opts, summary, &mu)
			}
		}()
	}

feed:
	for _, ep := range episodes {
		select {
		case <-ctx.Done():
			break feed
		case queue <- ep:
		}
	}
	close(queue)
	wg.Wait()

	return summary, nil
}

func (o *Orchestrator) processEpisode(ctx context.Context, ep *catalog.Episode, opts RunOptions, summary *Summary, mu *sync.Mutex) {
	epCtx := services.WithItemID(ctx, ep.ID)
	epCtx = services.WithPodcast(epCtx, ep.Podcast)
	logger := logging.WithContext(epCtx, o.logger).With(
		logging.Int64(logging.FieldSequence, ep.SequenceNumber),
	)

	for _, executor := range o.executors {
		target := executor.Target()

		mu.Lock()
		stageSummary := summary.stage(target)
		mu.Unlock()

		alreadyDone := !ep.Stage.Before(target)
		if alreadyDone && !opts.Force {
			mu.Lock()
			stageSummary.Skipped++
			mu.Unlock()
			continue
		}
		if !stageSelected(opts.Stages, target) {
			// Later stages depend on this one; stop here.
			return
		}
		// Executors advance exactly one stage. A gap means an earlier stage
		// was filtered out or failed.
		if !alreadyDone {
			if next, ok := ep.Stage.Next(); !ok || next != target {
				return
			}
		}
		if err := o.checkPrerequisites(ctx, ep, target); err != nil {
			o.recordFailure(ctx, ep, target, err, stageSummary, mu, logger)
			return
		}

		if opts.DryRun {
			logger.Info("would execute stage", logging.String(logging.FieldStage, string(target)))
			mu.Lock()
			stageSummary.Advanced++
			mu.Unlock()
			if !alreadyDone {
				ep.Stage = target
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		default:
		}

		stageCtx := services.WithStage(epCtx, string(target))
		execCtx := stageCtx
		cancel := context.CancelFunc(func() {})
		if o.stageTimeout > 0 {
			execCtx, cancel = context.WithTimeout(stageCtx, o.stageTimeout)
		}
		advance, err := executor.Execute(execCtx, ep, opts.Force)
		cancel()
		if err != nil {
			o.recordFailure(ctx, ep, target, err, stageSummary, mu, logger)
			return
		}

		if alreadyDone {
			// A forced rerun of a completed stage rewrites its artifacts in
			// place; the recorded stage is already at or past the target, so
			// only re-extracted metrics need committing.
			if advance.DurationSeconds != nil || advance.Confidence != nil {
				if err := o.catalog.SetMetrics(ctx, ep.ID, advance.DurationSeconds, advance.Confidence); err != nil {
					o.recordFailure(ctx, ep, target, err, stageSummary, mu, logger)
					return
				}
			}
		} else {
			if err := o.catalog.AdvanceStage(ctx, ep.ID, ep.Stage, advance); err != nil {
				if errors.Is(err, catalog.ErrStageConflict) {
					logger.Warn("episode advanced elsewhere, skipping",
						logging.String(logging.FieldStage, string(target)))
					mu.Lock()
					stageSummary.Skipped++
					mu.Unlock()
					return
				}
				o.recordFailure(ctx, ep, target, err, stageSummary, mu, logger)
				return
			}
			ep.Stage = target
		}

		for kind, locator := range advance.Artifacts {
			ep.SetArtifactRef(kind, locator)
		}
		mu.Lock()
		stageSummary.Advanced++
		mu.Unlock()
		logger.Info("stage complete",
			logging.String(logging.FieldStage, string(target)),
			logging.String(logging.FieldEventType, "stage_complete"),
		)
	}
}

// checkPrerequisites verifies the artifacts a stage consumes actually exist
// before its executor runs, turning a would-be confusing downstream failure
// into a precise one.
func (o *Orchestrator) checkPrerequisites(ctx context.Context, ep *catalog.Episode, target catalog.Stage) error {
	workspace := artifacts.WorkspaceFor(ep.Podcast, ep.SequenceNumber)
	for _, kind := range Requires(target) {
		name, ok := artifactName(kind)
		if !ok {
			continue
		}
		exists, err := o.store.Exists(ctx, workspace, name)
		if err != nil {
			return services.Wrap(services.ErrTransient, string(target), "check_prerequisites", string(kind), err)
		}
		if !exists {
			return services.Wrap(services.ErrPrerequisiteMissing, string(target), "check_prerequisites",
				"missing "+string(kind), nil)
		}
	}
	return nil
}

func (o *Orchestrator) recordFailure(ctx context.Context, ep *catalog.Episode, target catalog.Stage, err error, stageSummary *StageSummary, mu *sync.Mutex, logger *slog.Logger) {
	mu.Lock()
	stageSummary.Failed++
	mu.Unlock()
	logger.Error("stage failed",
		logging.String(logging.FieldStage, string(target)),
		logging.String(logging.FieldEventType, "stage_failure"),
		logging.String("class", services.Classify(err)),
		logging.Error(err),
	)
	if recordErr := o.catalog.RecordFailure(ctx, ep.ID, err.Error()); recordErr != nil {
		logger.Error("recording failure in catalog", logging.Error(recordErr))
	}
}

func stageSelected(stages []catalog.Stage, target catalog.Stage) bool {
	if len(stages) == 0 {
		return true
	}
	for _, stage := range stages {
		if stage == target {
			return true
		}
	}
	return false
}

func artifactName(kind artifacts.Kind) (string, bool) {
	switch kind {
	case artifacts.KindRawSource:
		return artifacts.NameAudio, true
	case artifacts.KindRawTranscript:
		return artifacts.NameRawTranscript, true
	case artifacts.KindSpeakerMapping:
		return artifacts.NameSpeakerMapping, true
	case artifacts.KindFormattedText:
		return artifacts.NameFormattedText, true
	default:
		return "", false
	}
}
