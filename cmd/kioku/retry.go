package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bdobrica/kioku/internal/kioku/retryqueue"
	"github.com/bdobrica/kioku/internal/kioku/store"
)

func retryCMD(g *globals) *cobra.Command {
	var maxAttempts int

	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Re-drive failed ingestions from the retry queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, _, logger, cleanup, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			sum, err := a.RunRetryPass(ctx, maxAttempts)
			if errors.Is(err, retryqueue.ErrPassInProgress) {
				logger.Warn("retry pass skipped, another pass is running")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "pass %s: retried=%d recovered=%d exhausted=%d\n",
				sum.RunID, sum.Retried, sum.Recovered, sum.Exhausted)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempts after which an entry is exhausted (0 = config)")

	cmd.AddCommand(retryListCMD(g), retryRequeueCMD(g))
	return cmd
}

func retryListCMD(g *globals) *cobra.Command {
	var (
		state string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List retry queue entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch store.RetryState(state) {
			case "", store.RetryPending, store.RetryExhausted:
			default:
				return fmt.Errorf("unknown state %q (want pending or exhausted)", state)
			}

			ctx := cmd.Context()
			a, _, _, cleanup, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := a.RetryQueue().List(ctx, store.RetryState(state), limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "MEMORY ID\tSTATE\tATTEMPTS\tLAST ATTEMPT\tLAST ERROR")
			for _, e := range entries {
				last := "-"
				if !e.LastAttemptAt.IsZero() {
					last = e.LastAttemptAt.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", e.MemoryID, e.State, e.Attempts, last, e.LastError)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state: pending or exhausted")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries to show (0 = all)")
	return cmd
}

func retryRequeueCMD(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <memory-id>",
		Short: "Reset an entry to pending with zero attempts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, _, _, cleanup, err := g.open(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if err := a.RetryQueue().Requeue(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %s\n", args[0])
			return nil
		},
	}
}
