// Package breaker implements per-resource circuit breaking for upstream
// provider APIs. Each resource (typically "provider:operation") gets its own
// circuit, so one failing endpoint never blocks calls to a healthy one.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tonearm/tonearm/logger"
)

// State is the circuit state.
type State int

const (
	// StateClosed passes calls through and counts failures.
	StateClosed State = iota
	// StateOpen rejects calls until the open timeout elapses.
	StateOpen
	// StateHalfOpen lets spaced probe calls through to test recovery.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Config holds the circuit tunables. Zero values fall back to the defaults.
type Config struct {
	// FailureThreshold is how many failures inside FailureWindow trip the
	// circuit.
	FailureThreshold int
	// FailureWindow is the sliding window failures are counted over.
	FailureWindow time.Duration
	// OpenTimeout is how long an open circuit rejects calls before probing.
	OpenTimeout time.Duration
	// HalfOpenSuccessThreshold is how many consecutive probe successes
	// close the circuit again.
	HalfOpenSuccessThreshold int
	// HalfOpenTestInterval is the minimum spacing between probes.
	HalfOpenTestInterval time.Duration
}

// DefaultConfig returns the standard production tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:         5,
		FailureWindow:            60 * time.Second,
		OpenTimeout:              30 * time.Second,
		HalfOpenSuccessThreshold: 3,
		HalfOpenTestInterval:     30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = d.FailureWindow
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = d.OpenTimeout
	}
	if c.HalfOpenSuccessThreshold <= 0 {
		c.HalfOpenSuccessThreshold = d.HalfOpenSuccessThreshold
	}
	if c.HalfOpenTestInterval <= 0 {
		c.HalfOpenTestInterval = d.HalfOpenTestInterval
	}
	return c
}

// OpenError is returned when a call is rejected by an open circuit.
type OpenError struct {
	// Resource is the circuit that rejected the call.
	Resource string
	// RetryAfter is how long until the circuit will probe again.
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit for %s is open, retry after %s", e.Resource, e.RetryAfter)
}

// IsOpen reports whether err is a circuit rejection.
func IsOpen(err error) bool {
	_, ok := err.(*OpenError)
	return ok
}

// circuit is the per-resource state. All access goes through the Manager's
// lock.
type circuit struct {
	state             State
	failures          []time.Time
	openedAt          time.Time
	halfOpenSuccesses int
	lastProbe         time.Time

	trips   int64
	allowed int64
	blocked int64
}

// Metrics is a point-in-time snapshot of one circuit.
type Metrics struct {
	State          State `json:"state"`
	RecentFailures int   `json:"recent_failures"`
	Trips          int64 `json:"trips"`
	Allowed        int64 `json:"allowed"`
	Blocked        int64 `json:"blocked"`
}

// Manager owns the circuits, created lazily per resource. Safe for
// concurrent use.
type Manager struct {
	mu        sync.Mutex
	circuits  map[string]*circuit
	cfg       Config
	overrides map[string]Config
	log       *zap.SugaredLogger

	timeNow func() time.Time
}

// NewManager creates a circuit manager.
func NewManager(cfg Config) *Manager {
	return &Manager{
		circuits:  make(map[string]*circuit),
		cfg:       cfg.withDefaults(),
		overrides: make(map[string]Config),
		log:       logger.Named("breaker"),
		timeNow:   time.Now,
	}
}

// Configure overrides the tuning for one resource. Useful for providers
// with much stricter rate limits than the default assumes.
func (m *Manager) Configure(resource string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides[resource] = cfg.withDefaults()
}

// configFor returns the resource's effective config. Caller must hold m.mu.
func (m *Manager) configFor(resource string) Config {
	if cfg, ok := m.overrides[resource]; ok {
		return cfg
	}
	return m.cfg
}

// get returns the circuit for resource, creating a closed one on first use.
// Caller must hold m.mu.
func (m *Manager) get(resource string) *circuit {
	c, ok := m.circuits[resource]
	if !ok {
		c = &circuit{state: StateClosed}
		m.circuits[resource] = c
	}
	return c
}

// CanProceed reports whether a call to resource may go ahead. It returns
// nil when allowed and an *OpenError carrying the retry hint when blocked.
// An open circuit whose timeout elapsed moves to half-open here.
func (m *Manager) CanProceed(resource string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.timeNow()
	c := m.get(resource)
	cfg := m.configFor(resource)

	switch c.state {
	case StateClosed:
		c.allowed++
		return nil

	case StateOpen:
		if elapsed := now.Sub(c.openedAt); elapsed < cfg.OpenTimeout {
			c.blocked++
			return &OpenError{Resource: resource, RetryAfter: cfg.OpenTimeout - elapsed}
		}
		c.state = StateHalfOpen
		c.halfOpenSuccesses = 0
		c.lastProbe = now
		c.allowed++
		m.log.Infow("Circuit half-open, probing", "resource", resource)
		return nil

	case StateHalfOpen:
		if since := now.Sub(c.lastProbe); since < cfg.HalfOpenTestInterval {
			c.blocked++
			return &OpenError{Resource: resource, RetryAfter: cfg.HalfOpenTestInterval - since}
		}
		c.lastProbe = now
		c.allowed++
		return nil

	default:
		c.blocked++
		return &OpenError{Resource: resource, RetryAfter: cfg.OpenTimeout}
	}
}

// RecordSuccess reports a successful call. In the closed state it clears
// the failure window; in half-open it counts toward closing the circuit.
func (m *Manager) RecordSuccess(resource string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.get(resource)
	switch c.state {
	case StateClosed:
		c.failures = c.failures[:0]

	case StateHalfOpen:
		c.halfOpenSuccesses++
		if c.halfOpenSuccesses >= m.configFor(resource).HalfOpenSuccessThreshold {
			c.state = StateClosed
			c.failures = c.failures[:0]
			c.halfOpenSuccesses = 0
			m.log.Infow("Circuit closed after recovery", "resource", resource)
		}
	}
}

// RecordFailure reports a failed call. In the closed state it counts the
// failure against the sliding window and trips the circuit at the
// threshold; in half-open any failure reopens immediately.
func (m *Manager) RecordFailure(resource string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.timeNow()
	c := m.get(resource)
	cfg := m.configFor(resource)

	switch c.state {
	case StateClosed:
		cutoff := now.Add(-cfg.FailureWindow)
		kept := c.failures[:0]
		for _, ts := range c.failures {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		c.failures = append(kept, now)

		if len(c.failures) >= cfg.FailureThreshold {
			m.trip(c, resource, now)
		}

	case StateHalfOpen:
		m.trip(c, resource, now)
	}
}

// trip moves the circuit to open. Caller must hold m.mu.
func (m *Manager) trip(c *circuit, resource string, now time.Time) {
	c.state = StateOpen
	c.openedAt = now
	c.failures = c.failures[:0]
	c.halfOpenSuccesses = 0
	c.trips++
	m.log.Warnw("Circuit opened",
		"resource", resource,
		"retry_after", m.configFor(resource).OpenTimeout.String())
}

// Reset returns the circuit to closed with a clean window. Operator action.
func (m *Manager) Reset(resource string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.get(resource)
	c.state = StateClosed
	c.failures = c.failures[:0]
	c.halfOpenSuccesses = 0
	m.log.Infow("Circuit manually reset", "resource", resource)
}

// State returns the resource's current circuit state. Unknown resources
// read as closed.
func (m *Manager) State(resource string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.circuits[resource]
	if !ok {
		return StateClosed
	}
	return c.state
}

// MetricsSnapshot returns per-resource circuit metrics.
func (m *Manager) MetricsSnapshot() map[string]Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Metrics, len(m.circuits))
	for resource, c := range m.circuits {
		out[resource] = Metrics{
			State:          c.state,
			RecentFailures: len(c.failures),
			Trips:          c.trips,
			Allowed:        c.allowed,
			Blocked:        c.blocked,
		}
	}
	return out
}
