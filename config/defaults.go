package config

import "github.com/spf13/viper"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "tonearm.db")

	// Queue defaults
	v.SetDefault("queue.workers", 3)                  // Concurrent jobs per worker
	v.SetDefault("queue.poll_interval_seconds", 5)    // Worker poll cadence
	v.SetDefault("queue.heartbeat_seconds", 30)       // Worker liveness cadence
	v.SetDefault("queue.max_execution_seconds", 600)  // 10 minute hard ceiling per job
	v.SetDefault("queue.cleanup_older_than_hours", 24)
	v.SetDefault("queue.record_expiry_hours", 24)     // Store TTL after last write
	v.SetDefault("queue.default_max_retries", 3)
	v.SetDefault("queue.stale_processing_minutes", 60)

	// Breaker defaults
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.failure_window_seconds", 60)
	v.SetDefault("breaker.open_timeout_seconds", 30)
	v.SetDefault("breaker.half_open_success_threshold", 3)
	v.SetDefault("breaker.half_open_test_interval_seconds", 30)
}
