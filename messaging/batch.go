package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stockline/eventcore/internal/clock"
)

// BatchPolicy buffers publishes to one exchange
type BatchPolicy struct {
	Size     int
	Interval time.Duration
}

// FlushFunc publishes a buffered batch in order
type FlushFunc func(ctx context.Context, exchange string, msgs []OutboundEnvelope) error

// Batcher buffers envelopes for one exchange. It flushes when the buffer
// reaches Size or Interval has elapsed since the first buffered envelope,
// whichever comes first.
type Batcher struct {
	exchange string
	policy   BatchPolicy
	clock    clock.Clock
	flush    FlushFunc
	logger   *slog.Logger

	mu      sync.Mutex
	buffer  []OutboundEnvelope
	timer   clock.Timer
	gen     uint64
	stopped bool

	// flushMu keeps flushes in buffer order
	flushMu sync.Mutex
}

// NewBatcher creates a batcher for exchange
func NewBatcher(exchange string, policy BatchPolicy, clk clock.Clock, flush FlushFunc, logger *slog.Logger) *Batcher {
	if policy.Size <= 0 {
		policy.Size = 1
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Batcher{
		exchange: exchange,
		policy:   policy,
		clock:    clk,
		flush:    flush,
		logger:   logger,
	}
}

// Add appends msg. Reaching the size threshold flushes synchronously in the
// caller's goroutine.
func (b *Batcher) Add(ctx context.Context, msg OutboundEnvelope) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return b.publish(ctx, []OutboundEnvelope{msg})
	}

	b.buffer = append(b.buffer, msg)
	if len(b.buffer) >= b.policy.Size {
		b.mu.Unlock()
		return b.Flush(ctx)
	}
	if len(b.buffer) == 1 && b.policy.Interval > 0 {
		gen := b.gen
		b.timer = b.clock.AfterFunc(b.policy.Interval, func() { b.onTimer(gen) })
	}
	b.mu.Unlock()
	return nil
}

func (b *Batcher) onTimer(gen uint64) {
	b.mu.Lock()
	stale := gen != b.gen
	b.mu.Unlock()
	if stale {
		return
	}
	if err := b.Flush(context.Background()); err != nil {
		b.logger.Error("timed batch flush failed", "exchange", b.exchange, "error", err)
	}
}

// Flush publishes whatever is buffered
func (b *Batcher) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	batch := b.buffer
	b.buffer = nil
	b.gen++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	return b.publish(ctx, batch)
}

func (b *Batcher) publish(ctx context.Context, batch []OutboundEnvelope) error {
	b.logger.Debug("flushing batch", "exchange", b.exchange, "messageCount", len(batch))
	return b.flush(ctx, b.exchange, batch)
}

// Len returns the number of buffered envelopes
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}

// Close flushes the buffer and publishes later additions immediately
func (b *Batcher) Close(ctx context.Context) error {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	return b.Flush(ctx)
}
