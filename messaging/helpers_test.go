package messaging

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/stockline/eventcore/contracts"
	"github.com/stockline/eventcore/internal/clock"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type published struct {
	exchange   string
	routingKey string
	env        *contracts.Envelope
	opts       PublishOptions
}

// recordingTransport records publishes and lets tests feed them back as
// broker deliveries. Binding calls go through testify's mock.
type recordingTransport struct {
	mock.Mock

	mu         sync.Mutex
	published  []published
	handler    DeliveryHandler
	queue      string
	publishErr error
}

func newRecordingTransport() *recordingTransport {
	tr := &recordingTransport{}
	tr.On("BindQueue", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	tr.On("UnbindQueue", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	return tr
}

func (t *recordingTransport) Publish(ctx context.Context, exchange, routingKey string, env *contracts.Envelope, opts PublishOptions) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.publishErr != nil {
		return t.publishErr
	}
	t.published = append(t.published, published{exchange: exchange, routingKey: routingKey, env: env, opts: opts})
	return nil
}

func (t *recordingTransport) Consume(ctx context.Context, queue string, handler DeliveryHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = queue
	t.handler = handler
	return nil
}

func (t *recordingTransport) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	return t.Called(queue, exchange, routingKey).Error(0)
}

func (t *recordingTransport) UnbindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	return t.Called(queue, exchange, routingKey).Error(0)
}

func (t *recordingTransport) Published() []published {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]published(nil), t.published...)
}

// batchTransport additionally implements BatchPublisher
type batchTransport struct {
	*recordingTransport
	batches [][]OutboundEnvelope
}

func (t *batchTransport) PublishBatch(ctx context.Context, exchange string, msgs []OutboundEnvelope) error {
	t.mu.Lock()
	t.batches = append(t.batches, msgs)
	t.mu.Unlock()
	for _, m := range msgs {
		if err := t.Publish(ctx, exchange, m.RoutingKey, m.Envelope, m.Options); err != nil {
			return err
		}
	}
	return nil
}

// deliveryFor turns a recorded publish into the delivery the broker would
// hand back
func deliveryFor(p published, queue string) Delivery {
	return Delivery{
		Envelope:   p.env,
		Queue:      queue,
		Exchange:   p.exchange,
		RoutingKey: p.routingKey,
		Headers:    p.opts.Headers,
	}
}

func newEnvelope(t *testing.T, eventType, tenantID string, payload any) *contracts.Envelope {
	t.Helper()
	env, err := contracts.NewEnvelope(eventType, tenantID, payload, contracts.WithOccurredAt(epoch))
	require.NoError(t, err)
	return env
}

func stockChanged(t *testing.T, itemID string) *contracts.Envelope {
	return newEnvelope(t, "inventory.stock.changed", "tenant-a", map[string]any{"itemId": itemID, "quantity": 4})
}

// foreignDelivery builds a delivery published by another bus instance
func foreignDelivery(env *contracts.Envelope) Delivery {
	return Delivery{
		Envelope:   env,
		Queue:      "stock-service",
		Exchange:   DefaultExchange,
		RoutingKey: env.Type(),
		Headers:    map[string]any{HeaderOrigin: "another-instance"},
	}
}

func newTestBus(tr Transport, clk clock.Clock, opts ...BusOption) *Bus {
	base := []BusOption{
		WithLogger(quietLogger()),
		WithClock(clk),
		WithServiceQueue("stock-service"),
		WithRetryBackoff(time.Second, time.Minute, 0),
		WithRetryAttempts(3),
	}
	return NewBus(tr, append(base, opts...)...)
}

// callLog records handler invocations in order
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) handler(name string, err error) EventHandler {
	return func(ctx context.Context, env *contracts.Envelope) error {
		l.mu.Lock()
		l.calls = append(l.calls, name)
		l.mu.Unlock()
		return err
	}
}

func (l *callLog) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}
