package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/stockline/eventcore/internal/clock"
)

// confirmBuffer bounds the confirmations outstanding on the publish channel.
// Batches larger than this are confirmed in chunks.
const confirmBuffer = 256

// OutboundMessage is a message waiting to be published
type OutboundMessage struct {
	Exchange   string
	RoutingKey string
	Message    amqp.Publishing

	seq uint64
}

// Publisher publishes on a single confirm-mode channel. Publishes are
// serialized so that broker order matches call order.
type Publisher struct {
	confirmTimeout time.Duration
	clock          clock.Clock
	logger         *slog.Logger

	mu       sync.Mutex
	ch       Channel
	confirms chan amqp.Confirmation
	lastTag  uint64
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublisherClock sets the clock used for confirmation timeouts
func WithPublisherClock(clk clock.Clock) PublisherOption {
	return func(p *Publisher) {
		p.clock = clk
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a publisher with no channel attached
func NewPublisher(options ...PublisherOption) *Publisher {
	p := &Publisher{
		confirmTimeout: 5 * time.Second,
		clock:          clock.Real(),
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Attach puts ch in confirm mode and makes it the publish channel
func (p *Publisher) Attach(ch Channel) error {
	if err := ch.Confirm(false); err != nil {
		return fmt.Errorf("failed to enable confirms: %w", err)
	}
	confirms := ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))

	p.mu.Lock()
	defer p.mu.Unlock()
	p.ch = ch
	p.confirms = confirms
	p.lastTag = 0
	return nil
}

// Detach drops the publish channel and returns it
func (p *Publisher) Detach() Channel {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := p.ch
	p.ch = nil
	p.confirms = nil
	return ch
}

// Ready reports whether a publish channel is attached
func (p *Publisher) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch != nil
}

// Publish publishes msg and waits for the broker's confirmation
func (p *Publisher) Publish(ctx context.Context, msg OutboundMessage) error {
	return p.PublishBatch(ctx, []OutboundMessage{msg})
}

// PublishBatch publishes msgs in order and waits until all of them are
// confirmed
func (p *Publisher) PublishBatch(ctx context.Context, msgs []OutboundMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for start := 0; start < len(msgs); start += confirmBuffer {
		end := start + confirmBuffer
		if end > len(msgs) {
			end = len(msgs)
		}
		if err := p.publishChunk(ctx, msgs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Publisher) publishChunk(ctx context.Context, msgs []OutboundMessage) error {
	if p.ch == nil {
		return &PublishError{Exchange: msgs[0].Exchange, RoutingKey: msgs[0].RoutingKey, Err: ErrNotConnected, Timestamp: time.Now()}
	}

	first := p.lastTag + 1
	for _, m := range msgs {
		if err := p.ch.PublishWithContext(ctx, m.Exchange, m.RoutingKey, false, false, m.Message); err != nil {
			return &PublishError{Exchange: m.Exchange, RoutingKey: m.RoutingKey, Err: err, Timestamp: time.Now()}
		}
		p.lastTag++
	}

	timeout := p.clock.After(p.confirmTimeout)
	confirmed := 0
	for confirmed < len(msgs) {
		select {
		case c, ok := <-p.confirms:
			if !ok {
				return &PublishError{Exchange: msgs[0].Exchange, RoutingKey: msgs[0].RoutingKey, Err: ErrConnectionClosed, Timestamp: time.Now()}
			}
			if c.DeliveryTag < first {
				// Late confirmation of an earlier, timed-out publish.
				continue
			}
			if !c.Ack {
				m := msgs[int(c.DeliveryTag-first)%len(msgs)]
				return &PublishError{Exchange: m.Exchange, RoutingKey: m.RoutingKey, Err: ErrPublishNotConfirmed, Timestamp: time.Now()}
			}
			confirmed++

		case <-timeout:
			p.logger.Warn("timed out waiting for publish confirmations", "confirmed", confirmed, "expected", len(msgs))
			return &PublishError{Exchange: msgs[0].Exchange, RoutingKey: msgs[0].RoutingKey, Err: ErrPublishTimeout, Timestamp: time.Now()}

		case <-ctx.Done():
			return &PublishError{Exchange: msgs[0].Exchange, RoutingKey: msgs[0].RoutingKey, Err: ctx.Err(), Timestamp: time.Now()}
		}
	}
	return nil
}
