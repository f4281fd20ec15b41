package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tonearm/tonearm/cmd/tonearmd/commands"
	"github.com/tonearm/tonearm/logger"
)

var rootCmd = &cobra.Command{
	Use:   "tonearmd",
	Short: "Tonearm job execution daemon",
	Long: `Tonearm job execution daemon.

Runs the persistent job queue and worker pool behind library enforcement:
provider sync, enforcement runs, rollbacks and token refreshes execute
here as prioritized, retryable background jobs, with per-provider circuit
breaking for flaky upstream APIs.

Available commands:
  serve    - Run the daemon (workers + periodic maintenance)
  enqueue  - Submit a job to the queue
  status   - Show queue statistics or a single job
  retry    - Requeue a dead-lettered job
  cleanup  - Remove old terminal jobs and reap stale ones

Examples:
  tonearmd serve                          # Run in foreground
  tonearmd enqueue --type library_scan    # Queue a scan
  tonearmd status                         # Queue overview
  tonearmd status <job-id>                # One job's detail`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonLogs); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON instead of console output")
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default: tonearm.toml in search paths)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.EnqueueCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.RetryCmd)
	rootCmd.AddCommand(commands.CleanupCmd)
}

func main() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
