package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"castpipe/internal/reconcile"
)

func newReconcileCommand(ctx *commandContext) *cobra.Command {
	var (
		podcastFlag string
		applyFlag   bool
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Compare the catalog against artifact and index evidence",
		Long: "Reconcile inspects every episode's artifacts and index chunks, " +
			"derives the stage the evidence supports, and reports mismatches. " +
			"Without --apply the plan is printed and nothing is written.",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := ctx.logger()
			if err != nil {
				return err
			}
			cfg, err := ctx.ensureConfig()
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

			reconciler, err := reconcile.New(store, artifactStore, index, cfg.Embedding, logger)
			if err != nil {
				return err
			}

			plan, err := reconciler.BuildPlan(cmd.Context(), podcastFlag)
			if err != nil {
				return err
			}
			printPlan(cmd, plan)

			if !applyFlag {
				if len(plan.Changes) > 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Re-run with --apply to make these changes.")
				}
				return nil
			}

			result, err := reconciler.Apply(cmd.Context(), plan)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Applied: %d upgraded, %d downgraded, %d aligned, %d flagged\n",
				result.Upgraded, result.Downgraded, result.Aligned, result.Flagged)
			if result.Errors > 0 {
				return fmt.Errorf("%d change(s) failed to apply", result.Errors)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&podcastFlag, "podcast", "", "Reconcile only this podcast")
	cmd.Flags().BoolVar(&applyFlag, "apply", false, "Apply the plan instead of only printing it")
	return cmd
}

func printPlan(cmd *cobra.Command, plan *reconcile.Plan) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Consistent: %d episode(s)\n", plan.Consistent)
	if len(plan.Changes) == 0 && len(plan.OrphanedItems) == 0 {
		fmt.Fprintln(out, "Catalog, artifacts, and index agree.")
		return
	}

	if len(plan.Changes) > 0 {
		rows := make([][]string, 0, len(plan.Changes))
		for _, change := range plan.Changes {
			to := string(change.To)
			if change.Action == reconcile.ActionAlign || change.Action == reconcile.ActionFlag {
				to = "-"
			}
			rows = append(rows, []string{
				change.Podcast,
				strconv.FormatInt(change.SequenceNumber, 10),
				string(change.Action),
				string(change.From),
				to,
				change.Evidence,
			})
		}
		fmt.Fprintln(out, renderTable(
			[]string{"Podcast", "Seq", "Action", "From", "To", "Evidence"},
			rows,
			[]columnAlignment{alignLeft, alignRight, alignLeft, alignLeft, alignLeft, alignLeft},
		))
	}

	for _, id := range plan.OrphanedItems {
		fmt.Fprintf(out, "Orphaned index chunks for unknown item %s (left in place)\n", id)
	}
}
