package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockline/eventcore/contracts"
	"github.com/stockline/eventcore/internal/clock"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("base delay doubles until the cap", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 0, 10)

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{1, 100 * time.Millisecond},
			{2, 200 * time.Millisecond},
			{3, 400 * time.Millisecond},
			{4, 800 * time.Millisecond},
			{5, time.Second},
			{60, time.Second},
		}
		for _, tt := range tests {
			assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt), "attempt %d", tt.attempt)
		}
	})

	t.Run("delays are monotonic and never exceed the cap", func(t *testing.T) {
		eb := NewExponentialBackoff(50*time.Millisecond, 2*time.Second, 0.5, 12)

		for k := 1; k < eb.MaxAttempts; k++ {
			assert.LessOrEqual(t, eb.BaseDelay(k), eb.BaseDelay(k+1))
			for i := 0; i < 50; i++ {
				d := eb.NextDelay(k)
				assert.LessOrEqual(t, d, eb.Cap)
				assert.GreaterOrEqual(t, d, eb.BaseDelay(k))
			}
		}
	})

	t.Run("jitter stays within its fraction", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, time.Hour, 0.2, 5)

		seen := map[time.Duration]bool{}
		for i := 0; i < 50; i++ {
			d := eb.NextDelay(2)
			assert.GreaterOrEqual(t, d, 2*time.Second)
			assert.Less(t, d, 2400*time.Millisecond)
			seen[d] = true
		}
		assert.Greater(t, len(seen), 1)
	})

	t.Run("ShouldRetry respects max attempts and terminal errors", func(t *testing.T) {
		eb := NewExponentialBackoff(10*time.Millisecond, time.Second, 0, 3)

		retry, delay := eb.ShouldRetry(1, errors.New("boom"))
		assert.True(t, retry)
		assert.Equal(t, 10*time.Millisecond, delay)

		retry, _ = eb.ShouldRetry(3, errors.New("boom"))
		assert.False(t, retry)

		retry, _ = eb.ShouldRetry(1, &contracts.SerializationError{Err: errors.New("bad json")})
		assert.False(t, retry)

		retry, _ = eb.ShouldRetry(1, contracts.ErrPoisonMessage)
		assert.False(t, retry)
	})
}

func TestRetry(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
		policy := NewExponentialBackoff(time.Second, 10*time.Second, 0, 5)

		attempts := 0
		done := make(chan error, 1)
		go func() {
			done <- Retry(context.Background(), clk, policy, func(attempt int) error {
				attempts = attempt
				if attempt < 3 {
					return errors.New("transient")
				}
				return nil
			})
		}()

		clk.WaitForTimers(1)
		clk.Advance(time.Second)
		clk.WaitForTimers(1)
		clk.Advance(2 * time.Second)

		require.NoError(t, <-done)
		assert.Equal(t, 3, attempts)
	})

	t.Run("stops on a terminal error", func(t *testing.T) {
		policy := NewExponentialBackoff(time.Millisecond, time.Millisecond, 0, 5)
		calls := 0
		err := Retry(context.Background(), clock.Real(), policy, func(int) error {
			calls++
			return &contracts.InvalidEventError{Field: "type", Reason: "must not be empty"}
		})

		var invalid *contracts.InvalidEventError
		assert.ErrorAs(t, err, &invalid)
		assert.Equal(t, 1, calls)
	})

	t.Run("reports exhaustion", func(t *testing.T) {
		policy := NewExponentialBackoff(time.Microsecond, time.Microsecond, 0, 2)
		err := Retry(context.Background(), nil, policy, func(int) error {
			return errors.New("still down")
		})

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.Equal(t, 2, retryErr.Attempts)
		assert.False(t, contracts.IsRetryable(err))
	})

	t.Run("honors cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := Retry(ctx, nil, NewExponentialBackoff(time.Second, time.Second, 0, 3), func(int) error {
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
