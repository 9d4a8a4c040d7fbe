package messaging

import (
	"context"
	"time"

	"github.com/stockline/eventcore/contracts"
)

// HeaderOrigin carries the id of the bus instance that published an event
const HeaderOrigin = "x-origin"

// PublishOptions carries per-message broker properties
type PublishOptions struct {
	Priority   int
	Persistent bool
	// TTL expires the message in the broker; zero keeps it until consumed
	TTL     time.Duration
	Headers map[string]any
}

// OutboundEnvelope is one entry of a batch publish
type OutboundEnvelope struct {
	RoutingKey string
	Envelope   *contracts.Envelope
	Options    PublishOptions
}

// Delivery is an envelope received from the transport
type Delivery struct {
	Envelope    *contracts.Envelope
	Queue       string
	Exchange    string
	RoutingKey  string
	Headers     map[string]any
	Redelivered bool
	RetryCount  int
}

// DeliveryHandler processes a delivery. Its result decides whether the
// transport acks, requeues or dead-letters the message.
type DeliveryHandler func(ctx context.Context, delivery Delivery) error

// Transport moves envelopes across the broker boundary
type Transport interface {
	// Publish sends env to exchange. Retryable failures are absorbed by the
	// transport and reported as success.
	Publish(ctx context.Context, exchange, routingKey string, env *contracts.Envelope, opts PublishOptions) error

	// Consume starts delivering messages from queue to handler
	Consume(ctx context.Context, queue string, handler DeliveryHandler) error

	// BindQueue binds queue to exchange with routingKey
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error

	// UnbindQueue removes a binding created by BindQueue
	UnbindQueue(ctx context.Context, queue, exchange, routingKey string) error
}

// BatchPublisher is implemented by transports that can publish an ordered
// list of envelopes in one round trip
type BatchPublisher interface {
	PublishBatch(ctx context.Context, exchange string, msgs []OutboundEnvelope) error
}

// BufferReporter is implemented by transports that buffer publishes while
// the broker is unavailable
type BufferReporter interface {
	Buffered() int
	Overflowed() uint64
}
