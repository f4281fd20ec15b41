package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonearm/tonearm/queue"
)

// EnqueueCmd submits a job from the command line.
var EnqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Submit a job to the queue",
	Long: `Submit a job to the queue.

The job is persisted immediately; a running daemon picks it up on its next
poll. The payload must be a JSON object understood by the handler for the
job type.

Examples:
  tonearmd enqueue --type library_scan --payload '{"full":true}'
  tonearmd enqueue --type enforcement_execution --priority critical \
      --user user-42 --provider spotify --payload '{"run_id":"r-1"}'
  tonearmd enqueue --type health_check --delay 5m`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jobType, _ := cmd.Flags().GetString("type")
		priorityName, _ := cmd.Flags().GetString("priority")
		payload, _ := cmd.Flags().GetString("payload")
		userRef, _ := cmd.Flags().GetString("user")
		provider, _ := cmd.Flags().GetString("provider")
		maxRetries, _ := cmd.Flags().GetInt("max-retries")
		delay, _ := cmd.Flags().GetDuration("delay")

		priority, err := queue.ParsePriority(priorityName)
		if err != nil {
			return err
		}
		if payload != "" && !json.Valid([]byte(payload)) {
			return fmt.Errorf("payload is not valid JSON")
		}

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

		req := queue.EnqueueRequest{
			Type:     queue.JobType(jobType),
			Priority: priority,
			UserRef:  userRef,
			Provider: provider,
		}
		if payload != "" {
			req.Payload = json.RawMessage(payload)
		}
		if cmd.Flags().Changed("max-retries") {
			req.MaxRetries = &maxRetries
		}
		if delay > 0 {
			at := time.Now().Add(delay)
			req.ScheduledAt = &at
		}

		job, err := service.Enqueue(context.Background(), req)
		if err != nil {
			return err
		}

		fmt.Printf("Enqueued %s job %s\n", job.Type, job.ID)
		fmt.Printf("  Priority: %s\n", job.Priority.String())
		if delay > 0 {
			fmt.Printf("  Scheduled: %s\n", job.ScheduledAt.Format(time.RFC3339))
		}
		return nil
	},
}

func init() {
	EnqueueCmd.Flags().String("type", "", "Job type (required)")
	EnqueueCmd.Flags().String("priority", "normal", "Priority: low, normal, high, critical")
	EnqueueCmd.Flags().String("payload", "", "JSON payload passed to the handler")
	EnqueueCmd.Flags().String("user", "", "User reference for per-user job listings")
	EnqueueCmd.Flags().String("provider", "", "Streaming provider this job targets")
	EnqueueCmd.Flags().Int("max-retries", 0, "Retry budget (default: from config)")
	EnqueueCmd.Flags().Duration("delay", 0, "Delay before the job becomes due")
	EnqueueCmd.MarkFlagRequired("type")
}
