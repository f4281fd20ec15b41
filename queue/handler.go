package queue

import (
	"context"
	"sync"
	"time"
)

// Handler defines the execution contract for one job type.
// Domain packages (enforcement, scanners, provider clients) implement this
// interface; the queue stays decoupled from their payload structures.
//
// Handlers decode job.Payload themselves and MUST be safely abandon-able:
// a handler invocation that outlives its context deadline is discarded by
// the scheduler even though the underlying goroutine may run on briefly.
type Handler interface {
	// Handle runs the job and returns any error encountered. Handlers
	// should check ctx.Done() periodically and exit cleanly when cancelled.
	Handle(ctx context.Context, job *Job) error

	// JobType returns the job type this handler executes.
	JobType() JobType

	// MaxExecutionTime declares the handler's own execution ceiling.
	// The effective timeout is the smaller of this and the worker's ceiling.
	MaxExecutionTime() time.Duration
}

// Registry maps job types to handlers.
// Thread-safe for concurrent registration and lookup.
type Registry struct {
	handlers map[JobType]Handler
	mu       sync.RWMutex
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[JobType]Handler),
	}
}

// Register adds a handler keyed by its job type.
// Registering a second handler for the same type replaces the first.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.JobType()] = h
}

// Get retrieves the handler for a job type.
// Returns nil if no handler is registered.
func (r *Registry) Get(jobType JobType) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[jobType]
}

// Has checks if a handler is registered for a job type.
func (r *Registry) Has(jobType JobType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[jobType]
	return exists
}

// Types returns all job types with a registered handler.
func (r *Registry) Types() []JobType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]JobType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
