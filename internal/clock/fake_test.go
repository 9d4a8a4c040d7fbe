package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClock(t *testing.T) {
	t.Run("Now only moves on Advance", func(t *testing.T) {
		c := Fake(epoch)
		assert.Equal(t, epoch, c.Now())

		c.Advance(5 * time.Second)
		assert.Equal(t, epoch.Add(5*time.Second), c.Now())
	})

	t.Run("After fires at its deadline", func(t *testing.T) {
		c := Fake(epoch)
		ch := c.After(3 * time.Second)

		c.Advance(2 * time.Second)
		select {
		case <-ch:
			t.Fatal("fired early")
		default:
		}

		c.Advance(time.Second)
		select {
		case got := <-ch:
			assert.Equal(t, epoch.Add(3*time.Second), got)
		default:
			t.Fatal("did not fire")
		}
	})

	t.Run("AfterFunc fires in deadline order", func(t *testing.T) {
		c := Fake(epoch)
		var order []int
		c.AfterFunc(3*time.Second, func() { order = append(order, 3) })
		c.AfterFunc(1*time.Second, func() { order = append(order, 1) })
		c.AfterFunc(2*time.Second, func() { order = append(order, 2) })
		require.Equal(t, 3, c.Pending())

		c.Advance(10 * time.Second)
		assert.Equal(t, []int{1, 2, 3}, order)
		assert.Equal(t, 0, c.Pending())
	})

	t.Run("stopped timer never fires", func(t *testing.T) {
		c := Fake(epoch)
		fired := false
		timer := c.AfterFunc(time.Second, func() { fired = true })

		assert.True(t, timer.Stop())
		assert.False(t, timer.Stop())
		c.Advance(time.Minute)
		assert.False(t, fired)
	})

	t.Run("callbacks may schedule follow-up timers", func(t *testing.T) {
		c := Fake(epoch)
		count := 0
		var tick func()
		tick = func() {
			count++
			if count < 3 {
				c.AfterFunc(time.Second, tick)
			}
		}
		c.AfterFunc(time.Second, tick)

		c.Advance(time.Second)
		assert.Equal(t, 1, count)
		c.Advance(2 * time.Second)
		assert.Equal(t, 2, count)
	})

	t.Run("non-positive AfterFunc runs immediately", func(t *testing.T) {
		c := Fake(epoch)
		fired := false
		timer := c.AfterFunc(0, func() { fired = true })
		assert.True(t, fired)
		assert.False(t, timer.Stop())
	})
}
