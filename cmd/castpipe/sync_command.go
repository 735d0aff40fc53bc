package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"castpipe/internal/catalog"
	"castpipe/internal/feed"
)

func newSyncCommand(ctx *commandContext) *cobra.Command {
	var podcastFlag string

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Register new episodes from configured feeds",
		RunE: func(cmd *cobra.Command, args []string) error {
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

			return syncFeeds(cmd.Context(), ctx, store, logger, podcastFlag, cmd)
		},
	}

	cmd.Flags().StringVar(&podcastFlag, "podcast", "", "Sync only this podcast's feed")
	return cmd
}

func syncFeeds(runCtx context.Context, ctx *commandContext, store *catalog.Store, logger *slog.Logger, podcast string, cmd *cobra.Command) error {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return err
	}
	if len(cfg.Feeds) == 0 {
		return fmt.Errorf("no feeds configured; add a [[feeds]] entry to the config file")
	}

	syncer := feed.NewSyncer(store, logger)
	rows := make([][]string, 0, len(cfg.Feeds))
	var failures int
	for _, f := range cfg.Feeds {
		if podcast != "" && !strings.EqualFold(f.Name, podcast) {
			continue
		}
		summary, err := syncer.Sync(runCtx, f.Name, f.URL)
		if err != nil {
			failures++
			logger.Error("feed sync failed", "podcast", f.Name, "error", err)
			rows = append(rows, []string{f.Name, "-", "-", err.Error()})
			continue
		}
		rows = append(rows, []string{
			f.Name,
			strconv.Itoa(summary.Seen),
			strconv.Itoa(summary.Registered),
			"",
		})
	}
	if len(rows) == 0 {
		return fmt.Errorf("no configured feed matches podcast %q", podcast)
	}

	fmt.Fprintln(cmd.OutOrStdout(), renderTable(
		[]string{"Podcast", "Seen", "Registered", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignRight, alignRight, alignLeft},
	))
	if failures > 0 {
		return fmt.Errorf("%d feed(s) failed to sync", failures)
	}
	return nil
}
