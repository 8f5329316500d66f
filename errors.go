package fablecast

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the gateway's error taxonomy. Callers should test
// with errors.Is; the gateway wraps these in a *CallError with endpoint
// and retry context.
var (
	// ErrQuotaExceeded means the caller's daily or monthly quota is
	// exhausted. Never retried internally; back off until the period reset.
	ErrQuotaExceeded = errors.New("fablecast: quota exceeded")

	// ErrNoEligibleEndpoint means every endpoint supporting the service is
	// unhealthy, circuit-open, or at capacity. Retrying within the same
	// call cannot change eligibility, so it is surfaced immediately.
	ErrNoEligibleEndpoint = errors.New("fablecast: no eligible endpoint")

	// ErrCircuitOpen means the chosen endpoint's breaker rejected the call.
	ErrCircuitOpen = errors.New("fablecast: circuit open")

	// ErrTimeout means the request deadline elapsed. Retryable.
	ErrTimeout = errors.New("fablecast: request timed out")

	// ErrTransient covers connection failures and transient upstream
	// statuses (5xx, 429). Retryable with backoff.
	ErrTransient = errors.New("fablecast: transient provider error")

	// ErrPermanentProvider covers 4xx-style upstream rejections that no
	// retry can fix.
	ErrPermanentProvider = errors.New("fablecast: permanent provider error")

	// ErrCacheUnavailable means the cache backend failed. Treated as a
	// miss; never fails the primary call.
	ErrCacheUnavailable = errors.New("fablecast: cache unavailable")

	// ErrPersistenceUnavailable means the usage store failed. Usage
	// logging degrades to best effort; never fails the primary call.
	ErrPersistenceUnavailable = errors.New("fablecast: persistence unavailable")

	// ErrNotStarted is returned by Call before Start has completed.
	ErrNotStarted = errors.New("fablecast: gateway not started")

)

// CallError wraps a call failure with enough structure for programmatic
// handling: the error class, the endpoint that served (or rejected) the
// call, and how many retries were spent.
type CallError struct {
	Err        error
	EndpointID string
	Retries    int
}

func (e *CallError) Error() string {
	if e.EndpointID == "" {
		return fmt.Sprintf("fablecast: call failed after %d retries: %v", e.Retries, e.Err)
	}
	return fmt.Sprintf("fablecast: call failed on endpoint %s after %d retries: %v", e.EndpointID, e.Retries, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// ErrorClass returns the taxonomy label for err, or "unknown" when the
// error does not map onto a sentinel.
func ErrorClass(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrQuotaExceeded):
		return "quota_exceeded"
	case errors.Is(err, ErrNoEligibleEndpoint):
		return "no_eligible_endpoint"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrPermanentProvider):
		return "permanent"
	case errors.Is(err, ErrCacheUnavailable):
		return "cache_unavailable"
	case errors.Is(err, ErrPersistenceUnavailable):
		return "persistence_unavailable"
	case errors.Is(err, ErrNotStarted):
		return "not_started"
	default:
		return "unknown"
	}
}

// IsRetryable reports whether the optimizer may retry after err.
// Quota and eligibility failures are deliberately excluded: retrying
// them inside the same call cannot succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrTransient) ||
		errors.Is(err, context.DeadlineExceeded)
}
