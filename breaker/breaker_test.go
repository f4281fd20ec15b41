package breaker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tonearm/tonearm/errors"
)

type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock() *mockClock {
	return &mockClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *mockClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *mockClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager() (*Manager, *mockClock) {
	clock := newMockClock()
	m := NewManager(DefaultConfig())
	m.timeNow = clock.Now
	return m, clock
}

func recordFailures(m *Manager, resource string, n int) {
	for i := 0; i < n; i++ {
		m.RecordFailure(resource)
	}
}

func TestCircuitOpensExactlyAtThreshold(t *testing.T) {
	m, _ := newTestManager()

	recordFailures(m, "spotify:search", 4)
	if got := m.State("spotify:search"); got != StateClosed {
		t.Fatalf("expected closed below threshold, got %s", got)
	}
	if err := m.CanProceed("spotify:search"); err != nil {
		t.Fatalf("closed circuit should allow calls: %v", err)
	}

	m.RecordFailure("spotify:search")
	if got := m.State("spotify:search"); got != StateOpen {
		t.Fatalf("expected open at threshold, got %s", got)
	}

	err := m.CanProceed("spotify:search")
	if !IsOpen(err) {
		t.Fatalf("expected OpenError, got %v", err)
	}
	openErr := err.(*OpenError)
	if openErr.RetryAfter <= 0 || openErr.RetryAfter > 30*time.Second {
		t.Errorf("unexpected retry hint: %v", openErr.RetryAfter)
	}
}

func TestFailuresOutsideWindowDoNotCount(t *testing.T) {
	m, clock := newTestManager()

	recordFailures(m, "tidal:playlist", 4)
	clock.Advance(61 * time.Second)

	// The old failures aged out; these start a fresh window.
	recordFailures(m, "tidal:playlist", 4)
	if got := m.State("tidal:playlist"); got != StateClosed {
		t.Fatalf("expected closed after window rollover, got %s", got)
	}

	m.RecordFailure("tidal:playlist")
	if got := m.State("tidal:playlist"); got != StateOpen {
		t.Fatalf("expected open, got %s", got)
	}
}

func TestSuccessClearsFailureWindow(t *testing.T) {
	m, _ := newTestManager()

	recordFailures(m, "spotify:library", 4)
	m.RecordSuccess("spotify:library")
	recordFailures(m, "spotify:library", 4)

	if got := m.State("spotify:library"); got != StateClosed {
		t.Fatalf("success should reset the window, got %s", got)
	}
}

func TestOpenCircuitProbesAfterTimeout(t *testing.T) {
	m, clock := newTestManager()
	recordFailures(m, "deezer:tracks", 5)

	if err := m.CanProceed("deezer:tracks"); !IsOpen(err) {
		t.Fatalf("expected rejection while open, got %v", err)
	}

	clock.Advance(29 * time.Second)
	if err := m.CanProceed("deezer:tracks"); !IsOpen(err) {
		t.Fatalf("expected rejection before timeout, got %v", err)
	}

	clock.Advance(2 * time.Second)
	if err := m.CanProceed("deezer:tracks"); err != nil {
		t.Fatalf("expected probe after timeout: %v", err)
	}
	if got := m.State("deezer:tracks"); got != StateHalfOpen {
		t.Fatalf("expected half_open, got %s", got)
	}
}

func TestHalfOpenProbesAreSpaced(t *testing.T) {
	m, clock := newTestManager()
	recordFailures(m, "spotify:search", 5)
	clock.Advance(31 * time.Second)

	if err := m.CanProceed("spotify:search"); err != nil {
		t.Fatalf("first probe should pass: %v", err)
	}
	if err := m.CanProceed("spotify:search"); !IsOpen(err) {
		t.Fatalf("second probe should wait for the interval, got %v", err)
	}

	clock.Advance(31 * time.Second)
	if err := m.CanProceed("spotify:search"); err != nil {
		t.Fatalf("probe after interval should pass: %v", err)
	}
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	m, clock := newTestManager()
	recordFailures(m, "tidal:albums", 5)
	clock.Advance(31 * time.Second)

	for i := 0; i < 3; i++ {
		clock.Advance(31 * time.Second)
		if err := m.CanProceed("tidal:albums"); err != nil {
			t.Fatalf("probe %d rejected: %v", i+1, err)
		}
		m.RecordSuccess("tidal:albums")
	}

	if got := m.State("tidal:albums"); got != StateClosed {
		t.Fatalf("expected closed after recovery, got %s", got)
	}
	if err := m.CanProceed("tidal:albums"); err != nil {
		t.Fatalf("recovered circuit should allow calls: %v", err)
	}
}

func TestHalfOpenFailureReopensImmediately(t *testing.T) {
	m, clock := newTestManager()
	recordFailures(m, "deezer:user", 5)
	clock.Advance(31 * time.Second)

	if err := m.CanProceed("deezer:user"); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	m.RecordSuccess("deezer:user")
	m.RecordFailure("deezer:user")

	if got := m.State("deezer:user"); got != StateOpen {
		t.Fatalf("expected reopen on half-open failure, got %s", got)
	}

	// Success progress does not survive the reopen.
	clock.Advance(31 * time.Second)
	if err := m.CanProceed("deezer:user"); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	m.RecordSuccess("deezer:user")
	m.RecordSuccess("deezer:user")
	if got := m.State("deezer:user"); got != StateHalfOpen {
		t.Fatalf("expected half_open until threshold, got %s", got)
	}
}

func TestCircuitsAreIndependent(t *testing.T) {
	m, _ := newTestManager()

	recordFailures(m, "spotify:search", 5)
	if got := m.State("spotify:search"); got != StateOpen {
		t.Fatalf("expected open, got %s", got)
	}
	if got := m.State("spotify:library"); got != StateClosed {
		t.Fatalf("sibling circuit should stay closed, got %s", got)
	}
	if err := m.CanProceed("tidal:search"); err != nil {
		t.Fatalf("unrelated provider should be unaffected: %v", err)
	}
}

func TestPerResourceConfigOverride(t *testing.T) {
	m, _ := newTestManager()
	m.Configure("spotify:search", Config{FailureThreshold: 2})

	recordFailures(m, "spotify:search", 2)
	if got := m.State("spotify:search"); got != StateOpen {
		t.Fatalf("expected open at the overridden threshold, got %s", got)
	}

	// Other resources keep the default tuning.
	recordFailures(m, "spotify:library", 2)
	if got := m.State("spotify:library"); got != StateClosed {
		t.Fatalf("expected closed under default threshold, got %s", got)
	}
}

func TestResetClosesCircuit(t *testing.T) {
	m, _ := newTestManager()
	recordFailures(m, "spotify:search", 5)

	m.Reset("spotify:search")
	if got := m.State("spotify:search"); got != StateClosed {
		t.Fatalf("expected closed after reset, got %s", got)
	}
	if err := m.CanProceed("spotify:search"); err != nil {
		t.Fatalf("reset circuit should allow calls: %v", err)
	}
}

type statusErr struct {
	code int
}

func (e *statusErr) Error() string   { return "provider error" }
func (e *statusErr) StatusCode() int { return e.code }

func TestIsTransientClassification(t *testing.T) {
	transient := []error{
		context.DeadlineExceeded,
		errors.Wrap(errors.ErrUnavailable, "spotify down"),
		errors.Wrap(errors.ErrRateLimited, "slow down"),
		errors.Wrap(errors.ErrTimeout, "took too long"),
		&statusErr{code: 429},
		&statusErr{code: 502},
		&statusErr{code: 503},
	}
	for _, err := range transient {
		if !IsTransient(err) {
			t.Errorf("expected transient: %v", err)
		}
	}

	permanent := []error{
		nil,
		errors.New("malformed playlist payload"),
		errors.NewInvalidRequestError("bad track id"),
		errors.NewNotFoundError("no such album"),
		&statusErr{code: 404},
		&statusErr{code: 401},
	}
	for _, err := range permanent {
		if IsTransient(err) {
			t.Errorf("expected permanent: %v", err)
		}
	}
}

func TestExecuteCountsOnlyTransientFailures(t *testing.T) {
	m, _ := newTestManager()
	ctx := context.Background()

	// Permanent failures never trip the circuit.
	for i := 0; i < 10; i++ {
		err := m.Execute(ctx, "spotify:tracks", func(ctx context.Context) error {
			return errors.NewInvalidRequestError("bad track id")
		})
		if err == nil {
			t.Fatal("expected the handler error back")
		}
	}
	if got := m.State("spotify:tracks"); got != StateClosed {
		t.Fatalf("permanent errors should not trip, got %s", got)
	}

	for i := 0; i < 5; i++ {
		m.Execute(ctx, "spotify:tracks", func(ctx context.Context) error {
			return &statusErr{code: 503}
		})
	}
	if got := m.State("spotify:tracks"); got != StateOpen {
		t.Fatalf("expected open after transient failures, got %s", got)
	}

	// Rejected without invoking fn.
	called := false
	err := m.Execute(ctx, "spotify:tracks", func(ctx context.Context) error {
		called = true
		return nil
	})
	if !IsOpen(err) {
		t.Fatalf("expected OpenError, got %v", err)
	}
	if called {
		t.Error("fn must not run while the circuit is open")
	}
}

func TestMetricsSnapshot(t *testing.T) {
	m, _ := newTestManager()

	m.CanProceed("spotify:search")
	recordFailures(m, "spotify:search", 5)
	m.CanProceed("spotify:search")

	metrics := m.MetricsSnapshot()
	got, ok := metrics["spotify:search"]
	if !ok {
		t.Fatal("expected metrics for the resource")
	}
	if got.State != StateOpen {
		t.Errorf("expected open, got %s", got.State)
	}
	if got.Trips != 1 {
		t.Errorf("expected 1 trip, got %d", got.Trips)
	}
	if got.Allowed != 1 || got.Blocked != 1 {
		t.Errorf("unexpected counters: %+v", got)
	}
}
