package reliability

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockline/eventcore/internal/clock"
)

func TestAttemptTracker(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	key := AttemptKey{EventID: "evt-1", HandlerID: "h-1"}

	t.Run("accumulates history until exhausted", func(t *testing.T) {
		tracker := NewAttemptTracker()

		a := tracker.RecordFailure(key, 3, errors.New("first"), now, now.Add(time.Second))
		assert.Equal(t, 1, a.AttemptCount)
		assert.False(t, a.Exhausted())

		tracker.RecordFailure(key, 3, errors.New("second"), now, now.Add(2*time.Second))
		a = tracker.RecordFailure(key, 3, errors.New("third"), now, time.Time{})
		assert.True(t, a.Exhausted())
		require.Len(t, a.History, 3)
		assert.Equal(t, "third", a.History[2].Error)
		assert.Equal(t, 3, a.History[2].Attempt)
	})

	t.Run("snapshots are independent", func(t *testing.T) {
		tracker := NewAttemptTracker()
		a := tracker.RecordFailure(key, 5, errors.New("x"), now, now)
		a.History[0].Error = "mutated"

		b, ok := tracker.Get(key)
		require.True(t, ok)
		assert.Equal(t, "x", b.History[0].Error)
	})

	t.Run("remove reports the terminal transition once", func(t *testing.T) {
		tracker := NewAttemptTracker()
		tracker.RecordFailure(key, 1, errors.New("x"), now, now)

		assert.True(t, tracker.Remove(key))
		assert.False(t, tracker.Remove(key))
		assert.Equal(t, 0, tracker.Len())
	})
}

func TestScheduler(t *testing.T) {
	epoch := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	key := AttemptKey{EventID: "evt-1", HandlerID: "h-1"}

	t.Run("fires after the delay", func(t *testing.T) {
		clk := clock.Fake(epoch)
		s := NewScheduler(clk)
		fired := 0

		require.True(t, s.Schedule(key, time.Second, func() { fired++ }))
		assert.Equal(t, 1, s.Pending())

		clk.Advance(999 * time.Millisecond)
		assert.Equal(t, 0, fired)
		clk.Advance(time.Millisecond)
		assert.Equal(t, 1, fired)
		assert.Equal(t, 0, s.Pending())
	})

	t.Run("rescheduling replaces the pending callback", func(t *testing.T) {
		clk := clock.Fake(epoch)
		s := NewScheduler(clk)
		var got []string

		s.Schedule(key, time.Second, func() { got = append(got, "old") })
		s.Schedule(key, 2*time.Second, func() { got = append(got, "new") })
		clk.Advance(5 * time.Second)

		assert.Equal(t, []string{"new"}, got)
	})

	t.Run("stop cancels everything", func(t *testing.T) {
		clk := clock.Fake(epoch)
		s := NewScheduler(clk)
		fired := false

		s.Schedule(key, time.Second, func() { fired = true })
		s.Stop()
		clk.Advance(time.Minute)

		assert.False(t, fired)
		assert.False(t, s.Schedule(key, time.Second, func() {}))
	})

	t.Run("cancel removes one key", func(t *testing.T) {
		clk := clock.Fake(epoch)
		s := NewScheduler(clk)
		other := AttemptKey{EventID: "evt-2", HandlerID: "h-1"}
		var got []string

		s.Schedule(key, time.Second, func() { got = append(got, key.EventID) })
		s.Schedule(other, time.Second, func() { got = append(got, other.EventID) })
		s.Cancel(key)
		clk.Advance(time.Second)

		assert.Equal(t, []string{"evt-2"}, got)
	})
}
