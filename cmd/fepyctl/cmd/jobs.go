package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jaranetwork/fepy-backend/internal/bootstrap"
)

var failedLimit int

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect the job ledger",
}

var jobsFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List jobs that exhausted their attempts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
			jobs, err := app.QueryUC.ListFailed(ctx, failedLimit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), jobs)
		})
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)
	jobsCmd.AddCommand(jobsFailedCmd)

	jobsFailedCmd.Flags().IntVar(&failedLimit, "limit", 100, "Maximum number of jobs to list (max 500)")
}
