package reliability

import (
	"sync"
	"time"
)

// AttemptKey identifies a delivery attempt: one event for one handler
type AttemptKey struct {
	EventID   string
	HandlerID string
}

// AttemptRecord is one failed attempt in a delivery's history
type AttemptRecord struct {
	Attempt int       `json:"attempt"`
	At      time.Time `json:"at"`
	Error   string    `json:"error"`
}

// DeliveryAttempt tracks the failures of one (event, handler) pair
type DeliveryAttempt struct {
	Key           AttemptKey
	AttemptCount  int
	MaxAttempts   int
	NextAttemptAt time.Time
	LastError     error
	History       []AttemptRecord
}

// Exhausted reports whether no attempts remain
func (a *DeliveryAttempt) Exhausted() bool {
	return a.AttemptCount >= a.MaxAttempts
}

func (a *DeliveryAttempt) clone() *DeliveryAttempt {
	c := *a
	c.History = append([]AttemptRecord(nil), a.History...)
	return &c
}

// AttemptTracker holds the live delivery attempts. A record exists from the
// first failure until success or dead-lettering.
type AttemptTracker struct {
	mu       sync.Mutex
	attempts map[AttemptKey]*DeliveryAttempt
}

// NewAttemptTracker creates an empty tracker
func NewAttemptTracker() *AttemptTracker {
	return &AttemptTracker{
		attempts: make(map[AttemptKey]*DeliveryAttempt),
	}
}

// RecordFailure appends a failure and returns a snapshot of the updated
// attempt. next is the time the following attempt is due.
func (t *AttemptTracker) RecordFailure(key AttemptKey, maxAttempts int, err error, at, next time.Time) *DeliveryAttempt {
	t.mu.Lock()
	defer t.mu.Unlock()

	a, ok := t.attempts[key]
	if !ok {
		a = &DeliveryAttempt{Key: key, MaxAttempts: maxAttempts}
		t.attempts[key] = a
	}
	a.AttemptCount++
	a.LastError = err
	a.NextAttemptAt = next
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	a.History = append(a.History, AttemptRecord{Attempt: a.AttemptCount, At: at, Error: msg})
	return a.clone()
}

// Get returns a snapshot of the attempt for key
func (t *AttemptTracker) Get(key AttemptKey) (*DeliveryAttempt, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.attempts[key]
	if !ok {
		return nil, false
	}
	return a.clone(), true
}

// Remove discards the attempt for key. It reports whether a record existed,
// which lets callers make terminal transitions exactly once.
func (t *AttemptTracker) Remove(key AttemptKey) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.attempts[key]; !ok {
		return false
	}
	delete(t.attempts, key)
	return true
}

// Len returns the number of live attempts
func (t *AttemptTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.attempts)
}
