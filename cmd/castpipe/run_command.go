package main

import (
	"fmt"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"castpipe/internal/catalog"
	"castpipe/internal/pipeline"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var (
		idFlags     []string
		podcastFlag string
		limitFlag   int
		stageFlags  []string
		dryRunFlag  bool
		fullFlag    bool
		forceFlag   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process registered episodes through the pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			stages, err := parseStages(stageFlags)
			if err != nil {
				return err
			}

			logger, err := ctx.logger()
			if err != nil {
				return err
			}
			release, err := ctx.acquireLock()
			if err != nil {
				return err
			}
			defer release()

			store, err := ctx.openCatalog()
			if err != nil {
				return err
			}
			defer store.Close()

			artifactStore, err := ctx.artifactStore()
			if err != nil {
				return err
			}
			index, err := ctx.vectorIndex()
			if err != nil {
				return err
			}
			defer index.Close()

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if fullFlag && !dryRunFlag {
				if err := syncFeeds(runCtx, ctx, store, logger, podcastFlag, cmd); err != nil {
					return err
				}
			}

			if err := index.EnsureCollection(runCtx); err != nil {
				return err
			}

			orchestrator, err := ctx.buildOrchestrator(store, artifactStore, index, logger)
			if err != nil {
				return err
			}

			summary, err := orchestrator.Run(runCtx, pipeline.RunOptions{
				IDs:     idFlags,
				Podcast: podcastFlag,
				Limit:   limitFlag,
				Stages:  stages,
				DryRun:  dryRunFlag,
				Force:   forceFlag,
			})
			if err != nil {
				return err
			}

			printRunSummary(cmd, summary, dryRunFlag)
			// Per-item failures are recorded in the catalog and retried on
			// the next run; only a failure to start the batch exits non-zero.
			if note := failureNote(summary); note != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), note)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&idFlags, "id", nil, "Process only these episode IDs")
	cmd.Flags().StringVar(&podcastFlag, "podcast", "", "Process only this podcast")
	cmd.Flags().IntVar(&limitFlag, "limit", 0, "Process at most this many episodes")
	cmd.Flags().StringSliceVar(&stageFlags, "stages", nil, "Run only these target stages (acquired,transcribed,formatted,indexed)")
	cmd.Flags().BoolVar(&dryRunFlag, "dry-run", false, "Report what would run without executing")
	cmd.Flags().BoolVar(&fullFlag, "full", false, "Sync feeds before processing")
	cmd.Flags().BoolVar(&forceFlag, "force", false, "Reprocess completed stages, regenerating artifacts and indexed chunks")
	return cmd
}

// failureNote summarizes per-item failures for the operator, or returns ""
// when every attempted stage succeeded.
func failureNote(summary *pipeline.Summary) string {
	failed := 0
	for _, st := range summary.PerStage {
		failed += st.Failed
	}
	if failed == 0 {
		return ""
	}
	return fmt.Sprintf("%d stage attempt(s) failed; details are recorded per episode and retried on the next run", failed)
}

func parseStages(values []string) ([]catalog.Stage, error) {
	stages := make([]catalog.Stage, 0, len(values))
	for _, value := range values {
		stage, ok := catalog.ParseStage(value)
		if !ok {
			return nil, fmt.Errorf("unknown stage %q", value)
		}
		stages = append(stages, stage)
	}
	return stages, nil
}

func printRunSummary(cmd *cobra.Command, summary *pipeline.Summary, dryRun bool) {
	out := cmd.OutOrStdout()
	title := "Run summary"
	if dryRun {
		title = "Run summary (dry run)"
	}
	fmt.Fprintf(out, "%s: %d episode(s) selected\n", title, summary.Episodes)
	if summary.Episodes == 0 {
		return
	}

	rows := make([][]string, 0, len(summary.PerStage))
	for _, stage := range catalog.Stages() {
		st := summary.PerStage[stage]
		if st == nil {
			continue
		}
		rows = append(rows, []string{
			string(stage),
			strconv.Itoa(st.Advanced),
			strconv.Itoa(st.Skipped),
			strconv.Itoa(st.Failed),
		})
	}
	fmt.Fprintln(out, renderTable(
		[]string{"Stage", "Advanced", "Skipped", "Failed"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignRight},
	))
}
