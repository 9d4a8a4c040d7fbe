package messaging

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stockline/eventcore/internal/clock"
)

type flushRecorder struct {
	mu      sync.Mutex
	batches [][]OutboundEnvelope
	err     error
}

func (r *flushRecorder) flush(ctx context.Context, exchange string, msgs []OutboundEnvelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, msgs)
	return r.err
}

func (r *flushRecorder) sizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []int
	for _, b := range r.batches {
		out = append(out, len(b))
	}
	return out
}

func TestBatcher(t *testing.T) {
	ctx := context.Background()

	t.Run("flushes when the size threshold is reached", func(t *testing.T) {
		rec := &flushRecorder{}
		b := NewBatcher("inventory.events", BatchPolicy{Size: 3, Interval: time.Minute}, clock.Fake(epoch), rec.flush, quietLogger())

		for i := 0; i < 7; i++ {
			require.NoError(t, b.Add(ctx, OutboundEnvelope{RoutingKey: "inventory.stock.changed", Envelope: stockChanged(t, "sku-1")}))
		}

		assert.Equal(t, []int{3, 3}, rec.sizes())
		assert.Equal(t, 1, b.Len())
	})

	t.Run("flushes after the interval", func(t *testing.T) {
		clk := clock.Fake(epoch)
		rec := &flushRecorder{}
		b := NewBatcher("inventory.events", BatchPolicy{Size: 100, Interval: 5 * time.Second}, clk, rec.flush, quietLogger())

		require.NoError(t, b.Add(ctx, OutboundEnvelope{Envelope: stockChanged(t, "sku-1")}))
		clk.Advance(2 * time.Second)
		require.NoError(t, b.Add(ctx, OutboundEnvelope{Envelope: stockChanged(t, "sku-2")}))
		clk.Advance(3 * time.Second)

		assert.Equal(t, []int{2}, rec.sizes())
		assert.Equal(t, 0, clk.Pending())
	})

	t.Run("a timer armed before a size flush does not cut the next batch short", func(t *testing.T) {
		clk := clock.Fake(epoch)
		rec := &flushRecorder{}
		b := NewBatcher("inventory.events", BatchPolicy{Size: 2, Interval: 5 * time.Second}, clk, rec.flush, quietLogger())

		require.NoError(t, b.Add(ctx, OutboundEnvelope{Envelope: stockChanged(t, "sku-1")}))
		require.NoError(t, b.Add(ctx, OutboundEnvelope{Envelope: stockChanged(t, "sku-2")}))
		clk.Advance(4 * time.Second)
		require.NoError(t, b.Add(ctx, OutboundEnvelope{Envelope: stockChanged(t, "sku-3")}))
		clk.Advance(time.Second)

		assert.Equal(t, []int{2}, rec.sizes())
		clk.Advance(4 * time.Second)
		assert.Equal(t, []int{2, 1}, rec.sizes())
	})

	t.Run("flush errors are returned to the adding caller", func(t *testing.T) {
		rec := &flushRecorder{err: errors.New("serialization failed")}
		b := NewBatcher("inventory.events", BatchPolicy{Size: 1}, clock.Fake(epoch), rec.flush, quietLogger())

		assert.Error(t, b.Add(ctx, OutboundEnvelope{Envelope: stockChanged(t, "sku-1")}))
	})

	t.Run("close flushes and later additions are published directly", func(t *testing.T) {
		rec := &flushRecorder{}
		b := NewBatcher("inventory.events", BatchPolicy{Size: 10, Interval: time.Minute}, clock.Fake(epoch), rec.flush, quietLogger())

		require.NoError(t, b.Add(ctx, OutboundEnvelope{Envelope: stockChanged(t, "sku-1")}))
		require.NoError(t, b.Close(ctx))
		require.NoError(t, b.Add(ctx, OutboundEnvelope{Envelope: stockChanged(t, "sku-2")}))

		assert.Equal(t, []int{1, 1}, rec.sizes())
		assert.Equal(t, 0, b.Len())
	})

	t.Run("flushing an empty buffer is a no-op", func(t *testing.T) {
		rec := &flushRecorder{}
		b := NewBatcher("inventory.events", BatchPolicy{Size: 10}, clock.Fake(epoch), rec.flush, quietLogger())

		require.NoError(t, b.Flush(ctx))
		assert.Empty(t, rec.sizes())
	})
}
