package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bdobrica/kioku/internal/kioku/app"
)

func ingestCMD(g *globals) *cobra.Command {
	var (
		sourceKind  string
		file        string
		dryRun      bool
		batchSize   int
		maxAttempts int
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Read a source, pair exchanges and ingest them as memories",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, cfg, logger, cleanup, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			src, err := app.OpenSource(ctx, cfg, sourceKind, file, logger)
			if err != nil {
				return err
			}
			defer src.Close()

			sum, err := a.RunIngestion(ctx, src, app.Options{
				DryRun:      dryRun,
				BatchSize:   batchSize,
				MaxAttempts: maxAttempts,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"run %s: seen=%d paired=%d malformed=%d orphaned=%d deduplicated=%d succeeded=%d failed=%d queued=%d retried=%d exhausted=%d\n",
				sum.RunID, sum.Seen, sum.Paired, sum.Malformed, sum.Orphaned, sum.Deduplicated,
				sum.Succeeded, sum.Failed, sum.Queued, sum.Retried, sum.Exhausted)
			return nil
		},
	}

	cmd.Flags().StringVar(&sourceKind, "source", app.SourceLive, "source to read: live or legacy")
	cmd.Flags().StringVar(&file, "file", "", "legacy export file (overrides source.legacy.path)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "embed but do not write memories or retry entries")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "records per batch (0 = config)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "retry bound for the backlog pass (0 = config)")
	return cmd
}
