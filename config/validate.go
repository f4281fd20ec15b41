package config

import "github.com/tonearm/tonearm/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Database path is optional - empty defaults to "tonearm.db" per defaults.go

	// Queue workers: concurrency per worker, must be at least 1
	if c.Queue.Workers <= 0 {
		return errors.Newf("queue.workers must be > 0, got %d", c.Queue.Workers)
	}
	if c.Queue.PollIntervalSeconds <= 0 {
		return errors.Newf("queue.poll_interval_seconds must be > 0, got %d", c.Queue.PollIntervalSeconds)
	}
	if c.Queue.HeartbeatSeconds <= 0 {
		return errors.Newf("queue.heartbeat_seconds must be > 0, got %d", c.Queue.HeartbeatSeconds)
	}
	if c.Queue.MaxExecutionSeconds <= 0 {
		return errors.Newf("queue.max_execution_seconds must be > 0, got %d", c.Queue.MaxExecutionSeconds)
	}
	if c.Queue.DefaultMaxRetries < 0 {
		return errors.Newf("queue.default_max_retries must be >= 0, got %d", c.Queue.DefaultMaxRetries)
	}
	if c.Queue.RecordExpiryHours <= 0 {
		return errors.Newf("queue.record_expiry_hours must be > 0, got %d", c.Queue.RecordExpiryHours)
	}

	// Breaker tuning: every knob must be positive, otherwise the state
	// machine can never leave Open or never open at all
	if c.Breaker.FailureThreshold <= 0 {
		return errors.Newf("breaker.failure_threshold must be > 0, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.FailureWindowSeconds <= 0 {
		return errors.Newf("breaker.failure_window_seconds must be > 0, got %d", c.Breaker.FailureWindowSeconds)
	}
	if c.Breaker.OpenTimeoutSeconds <= 0 {
		return errors.Newf("breaker.open_timeout_seconds must be > 0, got %d", c.Breaker.OpenTimeoutSeconds)
	}
	if c.Breaker.HalfOpenSuccessThreshold <= 0 {
		return errors.Newf("breaker.half_open_success_threshold must be > 0, got %d", c.Breaker.HalfOpenSuccessThreshold)
	}
	if c.Breaker.HalfOpenTestIntervalSeconds <= 0 {
		return errors.Newf("breaker.half_open_test_interval_seconds must be > 0, got %d", c.Breaker.HalfOpenTestIntervalSeconds)
	}

	return nil
}
