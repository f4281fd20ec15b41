package breaker

import (
	"context"
	"net"

	"github.com/tonearm/tonearm/errors"
)

// StatusCoder is implemented by provider client errors that carry an HTTP
// status code.
type StatusCoder interface {
	StatusCode() int
}

// IsTransient reports whether err looks like a provider availability
// problem worth counting against the circuit. Permanent errors (bad
// requests, auth failures, not found) pass through without moving the
// failure window.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.IsAny(err, errors.ErrUnavailable, errors.ErrTimeout, errors.ErrRateLimited) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		switch sc.StatusCode() {
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	return false
}

// Execute runs fn under the resource's circuit. Rejected calls return an
// *OpenError without invoking fn. Transient failures count against the
// circuit; permanent errors are returned untouched and leave the window
// alone.
func (m *Manager) Execute(ctx context.Context, resource string, fn func(ctx context.Context) error) error {
	if err := m.CanProceed(resource); err != nil {
		return err
	}

	err := fn(ctx)
	if err == nil {
		m.RecordSuccess(resource)
		return nil
	}
	if IsTransient(err) {
		m.RecordFailure(resource)
	}
	return err
}
