package offline

import (
	"fmt"
	"net/http"
	"time"
)

// StatusError is a non-2xx response from the API
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       []byte
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
}

// IsRetryable reports whether the status may succeed on a later attempt
func (e *StatusError) IsRetryable() bool {
	return RetryableStatus(e.StatusCode)
}

// TransportError wraps a failure to get any response at all
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRetryable implements the retryable contract used by reliability
func (e *TransportError) IsRetryable() bool { return true }

// MutationError reports a mutation that was not confirmed by the API
type MutationError struct {
	MutationID  string
	Attempts    int
	RolledBack  bool
	RollbackErr error
	Err         error
}

func (e *MutationError) Error() string {
	if e.RollbackErr != nil {
		return fmt.Sprintf("mutation %s failed after %d attempts (rollback failed: %v): %v", e.MutationID, e.Attempts, e.RollbackErr, e.Err)
	}
	return fmt.Sprintf("mutation %s failed after %d attempts: %v", e.MutationID, e.Attempts, e.Err)
}

func (e *MutationError) Unwrap() error {
	return e.Err
}

// RetryableStatus lists the HTTP statuses worth retrying: request timeout,
// too early, rate limited and the transient 5xx family.
func RetryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooEarly,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}
