// Package clock provides an injectable time source.
//
// Components that schedule work (batch flushes, retry timers, reconnect
// backoff) take a Clock instead of calling the time package directly. Real()
// is used in production and Fake() in tests, where time only moves when
// Advance is called.
package clock

import "time"

// Clock abstracts the time operations used by eventcore
type Clock interface {
	// Now returns the current time
	Now() time.Time

	// After returns a channel that receives once d has elapsed. If d <= 0
	// the channel receives immediately.
	After(d time.Duration) <-chan time.Time

	// AfterFunc calls f once d has elapsed. The returned Timer cancels the
	// pending call.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call
type Timer interface {
	// Stop prevents the timer from firing. It reports whether the call
	// stopped the timer.
	Stop() bool
}

// Real returns a Clock backed by the time package
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }
