package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"castpipe/internal/catalog"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show episode counts per stage",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := ctx.openCatalog()
			if err != nil {
				return err
			}
			defer store.Close()

			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}

			rows := make([][]string, 0, len(catalog.Stages()))
			for _, stage := range catalog.Stages() {
				rows = append(rows, []string{string(stage), strconv.Itoa(stats.PerStage[stage])})
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, renderTable(
				[]string{"Stage", "Episodes"},
				rows,
				[]columnAlignment{alignLeft, alignRight},
			))
			fmt.Fprintf(out, "Total: %d\n", stats.Total)
			if stats.Review > 0 {
				fmt.Fprintf(out, "Needs review: %d (see \"castpipe reconcile\")\n", stats.Review)
			}
			return nil
		},
	}
}
