package contracts

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPoisonMessage marks a delivery that can never be processed and must be
	// dead-lettered without further retries
	ErrPoisonMessage = errors.New("contracts: poison message")

	// ErrAuthenticationRequired is returned when no token was supplied
	ErrAuthenticationRequired = errors.New("contracts: authentication token required")
)

// InvalidEventError is returned for malformed envelopes. It is never retried.
type InvalidEventError struct {
	Field  string
	Reason string
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("invalid event: %s %s", e.Field, e.Reason)
}

// SerializationError is returned when an envelope or its payload cannot cross
// the broker boundary. It is never retried.
type SerializationError struct {
	EventType string
	Err       error
}

func (e *SerializationError) Error() string {
	if e.EventType != "" {
		return fmt.Sprintf("serialization error for %s: %v", e.EventType, e.Err)
	}
	return fmt.Sprintf("serialization error: %v", e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// TransientBrokerError wraps connection and publish I/O failures that are
// retried with backoff
type TransientBrokerError struct {
	Op        string
	Exchange  string
	Err       error
	Timestamp time.Time
}

func (e *TransientBrokerError) Error() string {
	if e.Exchange != "" {
		return fmt.Sprintf("transient broker error: %s on %s: %v", e.Op, e.Exchange, e.Err)
	}
	return fmt.Sprintf("transient broker error: %s: %v", e.Op, e.Err)
}

func (e *TransientBrokerError) Unwrap() error {
	return e.Err
}

// IsRetryable implements the retryable contract used by reliability
func (e *TransientBrokerError) IsRetryable() bool { return true }

// BrokerUnavailableError is surfaced once the connection attempt ceiling has
// been crossed
type BrokerUnavailableError struct {
	Attempts  int
	Err       error
	Timestamp time.Time
}

func (e *BrokerUnavailableError) Error() string {
	return fmt.Sprintf("broker unavailable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *BrokerUnavailableError) Unwrap() error {
	return e.Err
}

// HandlerError records a subscriber failure, including recovered panics
type HandlerError struct {
	HandlerID string
	EventID   string
	EventType string
	Panicked  bool
	Err       error
}

func (e *HandlerError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("handler %s panicked on %s (%s): %v", e.HandlerID, e.EventType, e.EventID, e.Err)
	}
	return fmt.Sprintf("handler %s failed on %s (%s): %v", e.HandlerID, e.EventType, e.EventID, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// MaxRetriesExceededError is attached to a dead-lettered delivery
type MaxRetriesExceededError struct {
	HandlerID string
	EventID   string
	Attempts  int
	LastError error
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("delivery of %s to %s abandoned after %d attempts: %v", e.EventID, e.HandlerID, e.Attempts, e.LastError)
}

func (e *MaxRetriesExceededError) Unwrap() error {
	return e.LastError
}

// AuthenticationError is returned when a gateway handshake fails
type AuthenticationError struct {
	Reason string
	Err    error
}

func (e *AuthenticationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err may succeed if attempted again. Malformed
// events, serialization failures and poison messages are terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var invalid *InvalidEventError
	var serr *SerializationError
	var maxErr *MaxRetriesExceededError
	var authErr *AuthenticationError
	switch {
	case errors.As(err, &invalid):
		return false
	case errors.As(err, &serr):
		return false
	case errors.As(err, &maxErr):
		return false
	case errors.As(err, &authErr):
		return false
	case errors.Is(err, ErrPoisonMessage):
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}
	return true
}
