package queue

import (
	"context"
	"sync"
	"time"
)

// mockClock is a controllable time source for deterministic scheduling
// tests.
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

// testHandler is a configurable handler stub.
type testHandler struct {
	jobType JobType
	maxExec time.Duration
	fn      func(ctx context.Context, job *Job) error
}

func (h *testHandler) Handle(ctx context.Context, job *Job) error {
	if h.fn == nil {
		return nil
	}
	return h.fn(ctx, job)
}

func (h *testHandler) JobType() JobType { return h.jobType }

func (h *testHandler) MaxExecutionTime() time.Duration {
	if h.maxExec == 0 {
		return time.Minute
	}
	return h.maxExec
}
