package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tonearm/tonearm/queue"
)

// RetryCmd requeues a dead-lettered job.
var RetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Requeue a dead-lettered job",
	Long: `Return a terminally failed job to the queue for another attempt.

Only failed and dead-lettered jobs can be retried; the job keeps its
payload and runs again at its original priority.`,
	Args: cobra.ExactArgs(1),
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

		job, err := service.RetryJob(context.Background(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Requeued %s job %s (attempt %d)\n", job.Type, job.ID, job.RetryCount+1)
		return nil
	},
}
