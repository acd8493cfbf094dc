package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jaranetwork/fepy-backend/internal/bootstrap"
)

var (
	pollAfter    time.Duration
	pollBatch    int
	requeueAfter time.Duration
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run one reconciliation pass",
	Long: `Query the authority for invoices still awaiting a result, then requeue
invoices whose process job never started.

The worker runs the same pass on a timer; this command runs it once.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
			loader, err := app.Credentials()
			if err != nil {
				return err
			}
			reconciler, err := app.Reconciler(app.Authority(loader))
			if err != nil {
				return err
			}
			polled, err := reconciler.PollPending(ctx, pollAfter, pollBatch)
			if err != nil {
				return fmt.Errorf("poll pending: %w", err)
			}
			requeued, err := reconciler.RequeueStale(ctx, requeueAfter, pollBatch)
			if err != nil {
				return fmt.Errorf("requeue stale: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resolved %d pending invoices, requeued %d stale invoices\n", polled, requeued)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(pollCmd)

	pollCmd.Flags().DurationVar(&pollAfter, "older-than", 2*time.Minute, "Only poll invoices not updated for this long")
	pollCmd.Flags().DurationVar(&requeueAfter, "requeue-after", 5*time.Minute, "Requeue queued invoices older than this")
	pollCmd.Flags().IntVar(&pollBatch, "batch", 50, "Maximum invoices per step")
}
