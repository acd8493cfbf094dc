package cmd

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/jaranetwork/fepy-backend/internal/bootstrap"
	"github.com/jaranetwork/fepy-backend/internal/config"
	"github.com/jaranetwork/fepy-backend/internal/observability/logging"
)

var (
	version = "0.1.0"

	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "fepyctl",
	Short: "Operate the electronic invoicing backend",
	Long: `fepyctl runs maintenance tasks against the invoice store and job ledger.

It reads the same environment (and .env file) as the api and worker.

Examples:
  # Resubmit an invoice that ended in error
  fepyctl retry 7d2b4c1e-...

  # Show dead-lettered jobs
  fepyctl jobs failed --limit 20

  # Drop audit entries older than 90 days
  fepyctl oplog purge --older-than 2160h`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level to stderr")
}

// withApp bootstraps the shared components for one command run.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *bootstrap.App) error) error {
	cfg := config.Load()
	level := "warn"
	if verbose {
		level = "debug"
	}
	logger := logging.NewLoggerTo(cmd.ErrOrStderr(), "fepyctl", level, "text")

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()
	return fn(ctx, app)
}

func printJSON(w io.Writer, v any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
