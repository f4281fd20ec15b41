package commands

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonearm/tonearm/breaker"
	"github.com/tonearm/tonearm/logger"
	"github.com/tonearm/tonearm/queue"
)

// ServeCmd runs the daemon in the foreground.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the job execution daemon",
	Long: `Run the job execution daemon in foreground mode.

The daemon will:
- Start the worker pool polling for due jobs
- Run periodic cleanup of old terminal jobs
- Reap jobs abandoned by a crashed worker
- Run until interrupted (Ctrl+C), draining in-flight jobs first`,
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, _ := cmd.Flags().GetInt("workers")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if workers <= 0 {
			workers = cfg.Queue.Workers
		}

		database, err := openDatabase(cfg)
		if err != nil {
			return err
		}
		defer database.Close()

		circuits := breaker.NewManager(breakerConfig(cfg))
		service := queue.NewService(database, serviceConfig(cfg))
		service.RegisterHandler(&healthCheckHandler{db: database, circuits: circuits})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if _, err := service.StartWorker(ctx, queue.WorkerConfig{
			JobTypes:    queue.JobTypes(),
			Concurrency: workers,
		}); err != nil {
			return err
		}

		stopMaintenance := startMaintenance(ctx, service)

		fmt.Println("Tonearm daemon started")
		fmt.Printf("  Database: %s\n", cfg.Database.Path)
		fmt.Printf("  Workers: %d\n", workers)
		fmt.Printf("  Poll interval: %ds\n", cfg.Queue.PollIntervalSeconds)
		fmt.Printf("\nPress Ctrl+C for graceful shutdown\n\n")

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan

		fmt.Println("\nShutting down, draining in-flight jobs...")
		stopMaintenance()
		service.StopAll()
		cancel()

		fmt.Println("Tonearm daemon stopped")
		return nil
	},
}

// startMaintenance runs cleanup and stale-job reaping on an hourly cadence.
func startMaintenance(ctx context.Context, service *queue.Service) func() {
	log := logger.Named("maintenance")
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				if _, err := service.CleanupJobs(ctx, 0); err != nil {
					log.Errorw("Cleanup failed", "error", err)
				}
				if _, err := service.RequeueStale(ctx); err != nil {
					log.Errorw("Stale job reaping failed", "error", err)
				}
			}
		}
	}()

	return func() {
		close(stopCh)
		<-doneCh
	}
}

// healthCheckHandler is the built-in handler for health_check jobs: it
// verifies the database connection and logs circuit state. Handlers for the
// provider-facing job types are registered by the embedding application.
type healthCheckHandler struct {
	db       *sql.DB
	circuits *breaker.Manager
}

func (h *healthCheckHandler) Handle(ctx context.Context, job *queue.Job) error {
	if err := h.db.PingContext(ctx); err != nil {
		return err
	}

	log := logger.Named("healthcheck")
	for resource, m := range h.circuits.MetricsSnapshot() {
		if m.State != breaker.StateClosed {
			log.Warnw("Circuit not closed",
				"resource", resource,
				"state", m.State.String(),
				"trips", m.Trips)
		}
	}
	return nil
}

func (h *healthCheckHandler) JobType() queue.JobType { return queue.JobTypeHealthCheck }

func (h *healthCheckHandler) MaxExecutionTime() time.Duration { return 30 * time.Second }

func init() {
	ServeCmd.Flags().Int("workers", 0, "Worker concurrency (default: from config)")
}
