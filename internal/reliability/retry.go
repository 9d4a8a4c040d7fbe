package reliability

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/stockline/eventcore/contracts"
	"github.com/stockline/eventcore/internal/clock"
)

// RetryPolicy defines the interface for retry policies. Attempts are
// numbered from 1.
type RetryPolicy interface {
	// ShouldRetry determines if another attempt should follow the given
	// failed attempt, and after which delay
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxRetries returns the maximum number of attempts
	MaxRetries() int
	// NextDelay calculates the delay after the given failed attempt
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff computes min(base*2^(attempt-1) + jitter, cap), where
// jitter is drawn uniformly from [0, Jitter*base*2^(attempt-1)).
type ExponentialBackoff struct {
	Base        time.Duration
	Cap         time.Duration
	Jitter      float64
	MaxAttempts int

	mu   sync.Mutex
	rand *rand.Rand
}

// NewExponentialBackoff creates a new exponential backoff policy
func NewExponentialBackoff(base, cap time.Duration, jitter float64, maxAttempts int) *ExponentialBackoff {
	if cap < base {
		cap = base
	}
	return &ExponentialBackoff{
		Base:        base,
		Cap:         cap,
		Jitter:      jitter,
		MaxAttempts: maxAttempts,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if attempt >= e.MaxAttempts {
		return false, 0
	}
	if !contracts.IsRetryable(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// MaxRetries implements RetryPolicy
func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// BaseDelay is the delay for attempt without jitter, capped
func (e *ExponentialBackoff) BaseDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(e.Base) * math.Pow(2, float64(attempt-1))
	if delay > float64(e.Cap) {
		return e.Cap
	}
	return time.Duration(delay)
}

// NextDelay implements RetryPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	base := e.BaseDelay(attempt)
	if base >= e.Cap || e.Jitter <= 0 {
		return base
	}

	delay := float64(base) + e.float64()*e.Jitter*float64(base)
	if delay > float64(e.Cap) {
		return e.Cap
	}
	return time.Duration(delay)
}

func (e *ExponentialBackoff) float64() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rand == nil {
		e.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return e.rand.Float64()
}

// Retry executes fn until it succeeds, the policy gives up or ctx is done.
// Waiting goes through clk so tests can drive it with a fake clock.
func Retry(ctx context.Context, clk clock.Clock, policy RetryPolicy, fn func(attempt int) error) error {
	if clk == nil {
		clk = clock.Real()
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}

		retry, delay := policy.ShouldRetry(attempt, err)
		if !retry {
			if attempt >= policy.MaxRetries() && contracts.IsRetryable(err) {
				return &RetryError{Attempts: attempt, MaxAttempts: policy.MaxRetries(), LastError: err}
			}
			return err
		}

		select {
		case <-clk.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
