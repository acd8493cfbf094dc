package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jaranetwork/fepy-backend/internal/bootstrap"
)

var (
	purgeBefore    string
	purgeOlderThan time.Duration
)

var oplogCmd = &cobra.Command{
	Use:   "oplog",
	Short: "Maintain the operation log",
}

var oplogPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete operation log entries older than a cutoff",
	Long: `Delete operation log entries created before the cutoff.

Examples:
  fepyctl oplog purge --before 2026-01-01
  fepyctl oplog purge --older-than 2160h`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cutoff, err := purgeCutoff(purgeBefore, purgeOlderThan, time.Now())
		if err != nil {
			return err
		}
		return withApp(cmd, func(ctx context.Context, app *bootstrap.App) error {
			deleted, err := app.QueryUC.PurgeBefore(ctx, cutoff)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d entries created before %s\n", deleted, cutoff.Format(time.RFC3339))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(oplogCmd)
	oplogCmd.AddCommand(oplogPurgeCmd)

	oplogPurgeCmd.Flags().StringVar(&purgeBefore, "before", "", "Cutoff as a date (2006-01-02) or RFC 3339 timestamp")
	oplogPurgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 0, "Cutoff relative to now, e.g. 2160h")
}

func purgeCutoff(before string, olderThan time.Duration, now time.Time) (time.Time, error) {
	switch {
	case before != "" && olderThan > 0:
		return time.Time{}, errors.New("use either --before or --older-than, not both")
	case before != "":
		if t, err := time.Parse(time.RFC3339, before); err == nil {
			return t, nil
		}
		t, err := time.ParseInLocation("2006-01-02", before, time.Local)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --before %q: %w", before, err)
		}
		return t, nil
	case olderThan > 0:
		return now.Add(-olderThan), nil
	default:
		return time.Time{}, errors.New("one of --before or --older-than is required")
	}
}
