// Package config loads the tonearm core configuration.
package config

// Config represents the core tonearm configuration
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// QueueConfig configures the job queue service and its workers
type QueueConfig struct {
	Workers                 int `mapstructure:"workers"`                   // Concurrent jobs per worker (default: 3)
	PollIntervalSeconds     int `mapstructure:"poll_interval_seconds"`     // How often a worker polls for due jobs (default: 5)
	HeartbeatSeconds        int `mapstructure:"heartbeat_seconds"`         // Worker liveness update interval (default: 30)
	MaxExecutionSeconds     int `mapstructure:"max_execution_seconds"`     // Hard ceiling on a single job execution (default: 600)
	CleanupOlderThanHours   int `mapstructure:"cleanup_older_than_hours"`  // Terminal-job retention for CleanupJobs (default: 24)
	RecordExpiryHours       int `mapstructure:"record_expiry_hours"`       // Store-level TTL after last write (default: 24)
	DefaultMaxRetries       int `mapstructure:"default_max_retries"`       // Retry budget for new jobs (default: 3)
	StaleProcessingMinutes  int `mapstructure:"stale_processing_minutes"`  // RequeueStale cutoff for operators (default: 60)
}

// BreakerConfig configures circuit breaker tuning applied to every resource
type BreakerConfig struct {
	FailureThreshold             int `mapstructure:"failure_threshold"`                // Failures in window before opening (default: 5)
	FailureWindowSeconds         int `mapstructure:"failure_window_seconds"`           // Trailing window width (default: 60)
	OpenTimeoutSeconds           int `mapstructure:"open_timeout_seconds"`             // Open duration before half-open probing (default: 30)
	HalfOpenSuccessThreshold     int `mapstructure:"half_open_success_threshold"`      // Consecutive probe successes to close (default: 3)
	HalfOpenTestIntervalSeconds  int `mapstructure:"half_open_test_interval_seconds"`  // Spacing between half-open probes (default: 30)
}
