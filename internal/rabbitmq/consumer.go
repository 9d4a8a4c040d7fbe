package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/stockline/eventcore/contracts"
)

// DeliveryHandler processes one delivery. A nil result acks it; a retryable
// error requeues it up to the queue's retry ceiling; contracts.ErrPoisonMessage
// or any terminal error dead-letters it.
type DeliveryHandler func(ctx context.Context, delivery amqp.Delivery) error

// Outcome is what happened to a delivery after its handler ran
type Outcome int

const (
	OutcomeAcked Outcome = iota
	OutcomeRequeued
	OutcomeDeadLettered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAcked:
		return "acked"
	case OutcomeRequeued:
		return "requeued"
	case OutcomeDeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

// Republisher sends a copy of a delivery back to its queue
type Republisher func(ctx context.Context, msg OutboundMessage) error

// Consumer consumes one queue on its own channel. Deliveries are handled
// sequentially, so per-queue order is preserved.
type Consumer struct {
	queue          string
	handler        DeliveryHandler
	prefetchCount  int
	consumerTag    string
	maxRetries     int
	handlerTimeout time.Duration
	republish      Republisher
	onOutcome      func(queue string, outcome Outcome, err error)
	logger         *slog.Logger

	mu     sync.Mutex
	ch     Channel
	cancel context.CancelFunc
	done   chan struct{}
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithRetryCeiling sets how many times a delivery is requeued before it is
// dead-lettered
func WithRetryCeiling(n int) ConsumerOption {
	return func(c *Consumer) {
		c.maxRetries = n
	}
}

// WithHandlerTimeout bounds a single handler invocation
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithRepublisher sets how requeued deliveries are sent back. Without one,
// deliveries are nacked with requeue and the retry count is not tracked.
func WithRepublisher(republish Republisher) ConsumerOption {
	return func(c *Consumer) {
		c.republish = republish
	}
}

// WithOutcomeHook observes every delivery outcome
func WithOutcomeHook(hook func(queue string, outcome Outcome, err error)) ConsumerOption {
	return func(c *Consumer) {
		c.onOutcome = hook
	}
}

// NewConsumer creates a consumer for queue
func NewConsumer(queue string, handler DeliveryHandler, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		queue:          queue,
		handler:        handler,
		prefetchCount:  10,
		maxRetries:     3,
		handlerTimeout: 30 * time.Second,
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Queue returns the consumed queue
func (c *Consumer) Queue() string { return c.queue }

// Start begins consuming on ch. It may be called again with a new channel
// after a reconnect.
func (c *Consumer) Start(ctx context.Context, ch Channel) error {
	c.Stop()

	if err := ch.Qos(c.prefetchCount, 0, false); err != nil {
		return &ConsumerError{Queue: c.queue, ConsumerTag: c.consumerTag, Op: "qos", Err: err, Timestamp: time.Now()}
	}

	deliveries, err := ch.Consume(c.queue, c.consumerTag, false, false, false, false, nil)
	if err != nil {
		return &ConsumerError{Queue: c.queue, ConsumerTag: c.consumerTag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	consumerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	c.mu.Lock()
	c.ch = ch
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	go c.processMessages(consumerCtx, deliveries, done)

	c.logger.Info("subscribed to queue",
		"queue", c.queue,
		"prefetchCount", c.prefetchCount,
		"retryCeiling", c.maxRetries,
	)
	return nil
}

// Stop cancels consumption and closes the consumer's channel
func (c *Consumer) Stop() {
	c.mu.Lock()
	ch, cancel, done := c.ch, c.cancel, c.done
	c.ch, c.cancel, c.done = nil, nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	if ch != nil {
		_ = ch.Close()
	}
}

func (c *Consumer) processMessages(ctx context.Context, deliveries <-chan amqp.Delivery, done chan struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("delivery channel closed", "queue", c.queue)
				return
			}
			c.handleMessage(ctx, delivery)
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, delivery amqp.Delivery) {
	msgCtx, cancel := context.WithTimeout(ctx, c.handlerTimeout)
	defer cancel()

	err := c.handler(msgCtx, delivery)
	if err == nil {
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "queue", c.queue, "error", ackErr)
		}
		c.report(OutcomeAcked, nil)
		return
	}

	retries := RetryCount(delivery.Headers)
	if errors.Is(err, contracts.ErrPoisonMessage) || !contracts.IsRetryable(err) || retries >= c.maxRetries {
		c.deadLetter(delivery, retries, err)
		return
	}

	c.requeue(ctx, delivery, retries, err)
}

func (c *Consumer) deadLetter(delivery amqp.Delivery, retries int, cause error) {
	c.logger.Warn("dead-lettering message",
		"queue", c.queue,
		"messageId", delivery.MessageId,
		"retries", retries,
		"error", cause,
	)
	if err := delivery.Nack(false, false); err != nil {
		c.logger.Error("failed to nack message", "queue", c.queue, "error", err, "originalError", cause)
	}
	c.report(OutcomeDeadLettered, cause)
}

func (c *Consumer) requeue(ctx context.Context, delivery amqp.Delivery, retries int, cause error) {
	defer c.report(OutcomeRequeued, cause)

	if c.republish == nil {
		if err := delivery.Nack(false, true); err != nil {
			c.logger.Error("failed to nack message", "queue", c.queue, "error", err, "originalError", cause)
		}
		return
	}

	headers := amqp.Table{}
	for k, v := range delivery.Headers {
		headers[k] = v
	}
	headers[HeaderRetryCount] = int32(retries + 1)

	msg := OutboundMessage{
		// The default exchange routes straight back to this queue only.
		Exchange:   "",
		RoutingKey: c.queue,
		Message: amqp.Publishing{
			Headers:         headers,
			ContentType:     delivery.ContentType,
			ContentEncoding: delivery.ContentEncoding,
			DeliveryMode:    delivery.DeliveryMode,
			Priority:        delivery.Priority,
			CorrelationId:   delivery.CorrelationId,
			MessageId:       delivery.MessageId,
			Timestamp:       delivery.Timestamp,
			Type:            delivery.Type,
			AppId:           delivery.AppId,
			Body:            delivery.Body,
		},
	}

	if err := c.republish(ctx, msg); err != nil {
		c.logger.Error("failed to republish message, requeueing", "queue", c.queue, "error", err)
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			c.logger.Error("failed to nack message", "queue", c.queue, "error", nackErr)
		}
		return
	}
	if err := delivery.Ack(false); err != nil {
		c.logger.Error("failed to ack republished message", "queue", c.queue, "error", err)
	}
}

func (c *Consumer) report(outcome Outcome, err error) {
	if c.onOutcome != nil {
		c.onOutcome(c.queue, outcome, err)
	}
}

// RetryCount reads the transport retry counter from delivery headers
func RetryCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	switch v := headers[HeaderRetryCount].(type) {
	case int:
		return v
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
