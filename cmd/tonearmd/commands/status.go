package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonearm/tonearm/queue"
)

// StatusCmd shows queue statistics or one job's detail.
var StatusCmd = &cobra.Command{
	Use:   "status [job-id]",
	Short: "Show queue statistics or a single job",
	Long: `Show queue statistics, or the full record of one job.

Without arguments prints job counts by status and per-type queue depth.
With a job ID prints that job's state, retry history and progress.

Examples:
  tonearmd status
  tonearmd status 4f1c9a0e-...`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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

		if len(args) == 1 {
			return printJob(ctx, service, args[0])
		}
		return printStats(ctx, service)
	},
}

func printJob(ctx context.Context, service *queue.Service, jobID string) error {
	job, err := service.GetJobStatus(ctx, jobID)
	if err != nil {
		return err
	}

	fmt.Printf("Job %s\n", job.ID)
	fmt.Printf("  Type:      %s\n", job.Type)
	fmt.Printf("  Status:    %s\n", job.Status)
	fmt.Printf("  Priority:  %s\n", job.Priority.String())
	if job.UserRef != "" {
		fmt.Printf("  User:      %s\n", job.UserRef)
	}
	if job.Provider != "" {
		fmt.Printf("  Provider:  %s\n", job.Provider)
	}
	fmt.Printf("  Retries:   %d/%d\n", job.RetryCount, job.MaxRetries)
	fmt.Printf("  Created:   %s\n", job.CreatedAt.Format(time.RFC3339))
	fmt.Printf("  Scheduled: %s\n", job.ScheduledAt.Format(time.RFC3339))
	if job.StartedAt != nil {
		fmt.Printf("  Started:   %s\n", job.StartedAt.Format(time.RFC3339))
	}
	if job.CompletedAt != nil {
		fmt.Printf("  Completed: %s\n", job.CompletedAt.Format(time.RFC3339))
	}
	if job.Error != "" {
		fmt.Printf("  Error:     %s\n", job.Error)
	}
	if job.Progress != nil {
		fmt.Printf("  Progress:  %.0f%% (%s)\n", job.Progress.Percentage, job.Progress.CurrentStep)
	}
	return nil
}

func printStats(ctx context.Context, service *queue.Service) error {
	stats, err := service.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Println("Jobs by status:")
	for _, status := range []queue.Status{
		queue.StatusPending,
		queue.StatusProcessing,
		queue.StatusRetrying,
		queue.StatusCompleted,
		queue.StatusFailed,
		queue.StatusDeadLetter,
	} {
		if count := stats.ByStatus[status]; count > 0 {
			fmt.Printf("  %-12s %d\n", status, count)
		}
	}

	fmt.Println("\nQueue depth by type:")
	for _, jobType := range queue.JobTypes() {
		fmt.Printf("  %-24s %d\n", jobType, stats.Depths[jobType])
	}

	if len(stats.Workers) > 0 {
		fmt.Println("\nWorkers:")
		for _, w := range stats.Workers {
			fmt.Printf("  %s  %s (%d in flight)\n", w.ID, w.Status, w.InFlight)
		}
	}
	return nil
}
