package commands

import (
	"database/sql"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonearm/tonearm/breaker"
	"github.com/tonearm/tonearm/config"
	"github.com/tonearm/tonearm/db"
	"github.com/tonearm/tonearm/logger"
	"github.com/tonearm/tonearm/queue"
)

// loadConfig honors the global --config flag, falling back to the standard
// search paths.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return config.LoadFromFile(path)
	}
	return config.Load()
}

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	return db.OpenWithMigrations(cfg.Database.Path, logger.Logger)
}

func serviceConfig(cfg *config.Config) queue.ServiceConfig {
	return queue.ServiceConfig{
		DefaultMaxRetries: cfg.Queue.DefaultMaxRetries,
		RecordExpiry:      time.Duration(cfg.Queue.RecordExpiryHours) * time.Hour,
		MaxExecution:      time.Duration(cfg.Queue.MaxExecutionSeconds) * time.Second,
		PollInterval:      time.Duration(cfg.Queue.PollIntervalSeconds) * time.Second,
		HeartbeatInterval: time.Duration(cfg.Queue.HeartbeatSeconds) * time.Second,
		StaleAfter:        time.Duration(cfg.Queue.StaleProcessingMinutes) * time.Minute,
		CleanupAge:        time.Duration(cfg.Queue.CleanupOlderThanHours) * time.Hour,
	}
}

func breakerConfig(cfg *config.Config) breaker.Config {
	return breaker.Config{
		FailureThreshold:         cfg.Breaker.FailureThreshold,
		FailureWindow:            time.Duration(cfg.Breaker.FailureWindowSeconds) * time.Second,
		OpenTimeout:              time.Duration(cfg.Breaker.OpenTimeoutSeconds) * time.Second,
		HalfOpenSuccessThreshold: cfg.Breaker.HalfOpenSuccessThreshold,
		HalfOpenTestInterval:     time.Duration(cfg.Breaker.HalfOpenTestIntervalSeconds) * time.Second,
	}
}
