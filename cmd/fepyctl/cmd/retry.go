package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jaranetwork/fepy-backend/internal/bootstrap"
)

var retryCmd = &cobra.Command{
	Use:   "retry <invoice-id>",
	Short: "Resubmit an invoice that ended in error",
	Long: `Queue a resubmit job for an invoice whose status is error.

The stored signed document is reused when it exists, so the control id
does not change.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
			job, err := app.RetryUC.Retry(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), job)
		})
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <invoice-id>",
	Short: "Print the operation log of an invoice",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
			entries, err := app.QueryUC.History(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		})
	},
}

func init() {
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(historyCmd)
}
