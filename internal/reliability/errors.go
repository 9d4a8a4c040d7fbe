package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDeadLetterNotFound is returned when a dead letter lookup misses
	ErrDeadLetterNotFound = errors.New("dlq: dead letter not found")
	// ErrInvalidDeadLetter is returned when a stored dead letter cannot be decoded
	ErrInvalidDeadLetter = errors.New("dlq: invalid dead letter")
)

// RetryError is returned by Retry when every attempt failed
type RetryError struct {
	Attempts    int
	MaxAttempts int
	LastError   error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed after %d/%d attempts: %v", e.Attempts, e.MaxAttempts, e.LastError)
}

func (e *RetryError) Unwrap() error {
	return e.LastError
}

// IsRetryable reports false: the retry budget is spent
func (e *RetryError) IsRetryable() bool { return false }

// DLQError represents a dead letter sink failure
type DLQError struct {
	Stream    string
	EventID   string
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *DLQError) Error() string {
	return fmt.Sprintf("dlq error: %s failed for event %s in %s: %v", e.Op, e.EventID, e.Stream, e.Err)
}

func (e *DLQError) Unwrap() error {
	return e.Err
}

// StoreError represents an idempotency store failure
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("idempotency store: %s failed for %s: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}
