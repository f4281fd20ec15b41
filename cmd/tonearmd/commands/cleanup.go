package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonearm/tonearm/queue"
)

// CleanupCmd removes old terminal jobs and reaps stale ones.
var CleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove old terminal jobs and reap stale ones",
	Long: `Remove completed, failed and dead-lettered jobs older than the
configured retention, purge expired records, and return jobs abandoned by
a crashed worker to the queue.

The running daemon does this on its own schedule; the command exists for
one-off maintenance.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		service := queue.NewService(database, serviceConfig(cfg))
		ctx := context.Background()

		removed, err := service.CleanupJobs(ctx, olderThan)
		if err != nil {
			return err
		}
		requeued, err := service.RequeueStale(ctx)
		if err != nil {
			return err
		}

		fmt.Printf("Removed %d old job(s), requeued %d stale job(s)\n", removed, requeued)
		return nil
	},
}

func init() {
	CleanupCmd.Flags().Duration("older-than", 0, "Terminal-job retention cutoff (default: from config)")
}
