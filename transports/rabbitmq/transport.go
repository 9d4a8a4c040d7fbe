package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/stockline/eventcore/contracts"
	"github.com/stockline/eventcore/internal/rabbitmq"
	"github.com/stockline/eventcore/messaging"
)

const (
	tracerName = "github.com/stockline/eventcore/transports/rabbitmq"

	// HeaderTenantID mirrors the envelope tenant for broker-side inspection
	HeaderTenantID = "x-tenant-id"

	drainBatchSize = 64
)

// ErrTransportClosed is returned by operations on a closed transport
var ErrTransportClosed = errors.New("rabbitmq transport: closed")

// Transport implements messaging.Transport for RabbitMQ. Publishes made
// while the broker is unavailable are kept in a bounded outbox and drained
// in order once the connection is back.
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	topology  *rabbitmq.TopologyManager
	publisher *rabbitmq.Publisher
	outbox    *rabbitmq.Outbox
	logger    *slog.Logger
	tracer    trace.Tracer

	retryCeiling    int
	consumerOptions []rabbitmq.ConsumerOption

	// mu serializes publishing with outbox draining so that buffered
	// messages always reach the broker before newer ones
	mu        sync.Mutex
	consumers map[string]*rabbitmq.Consumer
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
}

// TransportConfig holds configuration for the transport
type TransportConfig struct {
	Dialer            rabbitmq.Dialer
	ConnectionOptions []rabbitmq.ConnectionOption
	PublisherOptions  []rabbitmq.PublisherOption
	ConsumerOptions   []rabbitmq.ConsumerOption
	OutboxCapacity    int
	RetryCeiling      int
	Logger            *slog.Logger
	TracerProvider    trace.TracerProvider
}

// TransportOption configures the transport
type TransportOption func(*TransportConfig)

// WithDialer replaces the URL dialer
func WithDialer(dial rabbitmq.Dialer) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Dialer = dial
	}
}

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithConsumerOptions sets options applied to every consumer
func WithConsumerOptions(opts ...rabbitmq.ConsumerOption) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.ConsumerOptions = append(cfg.ConsumerOptions, opts...)
	}
}

// WithOutboxCapacity bounds the per-exchange outbox
func WithOutboxCapacity(capacity int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.OutboxCapacity = capacity
	}
}

// WithRetryCeiling sets the default number of transport-level redeliveries
// before a message is dead-lettered. Queues may override it in the topology.
func WithRetryCeiling(n int) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.RetryCeiling = n
	}
}

// WithLogger sets the logger used by the transport and its components
func WithLogger(logger *slog.Logger) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.Logger = logger
	}
}

// WithTracerProvider sets the tracer provider for publish and process spans
func WithTracerProvider(tp trace.TracerProvider) TransportOption {
	return func(cfg *TransportConfig) {
		cfg.TracerProvider = tp
	}
}

// NewTransport creates a RabbitMQ transport. It does not connect; call
// Connect once the topology has been declared.
func NewTransport(url string, options ...TransportOption) *Transport {
	cfg := &TransportConfig{
		OutboxCapacity: 1000,
		RetryCeiling:   3,
		Logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(cfg)
	}

	if cfg.Dialer == nil {
		cfg.Dialer = rabbitmq.URLDialer(url, amqp.Config{
			Heartbeat: 10 * time.Second,
			Locale:    "en_US",
		})
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}

	connectionOptions := append([]rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(cfg.Logger),
		rabbitmq.WithURL(url),
	}, cfg.ConnectionOptions...)
	publisherOptions := append([]rabbitmq.PublisherOption{
		rabbitmq.WithPublisherLogger(cfg.Logger),
	}, cfg.PublisherOptions...)

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		manager:         rabbitmq.NewConnectionManager(cfg.Dialer, connectionOptions...),
		topology:        rabbitmq.NewTopologyManager(),
		publisher:       rabbitmq.NewPublisher(publisherOptions...),
		outbox:          rabbitmq.NewOutbox(cfg.OutboxCapacity),
		logger:          cfg.Logger,
		tracer:          cfg.TracerProvider.Tracer(tracerName),
		retryCeiling:    cfg.RetryCeiling,
		consumerOptions: cfg.ConsumerOptions,
		consumers:       make(map[string]*rabbitmq.Consumer),
		ctx:             ctx,
		cancel:          cancel,
	}

	t.manager.AddStateListener(rabbitmq.StateListenerFunc(t.onStateChange))
	return t
}

// Connect establishes the broker connection. When the attempt ceiling is
// crossed it returns a *contracts.BrokerUnavailableError; publishes keep
// being buffered in the outbox.
func (t *Transport) Connect(ctx context.Context) error {
	return t.manager.Connect(ctx)
}

// DeclareTopology declares the broker layout. The first descriptor is fixed
// for the life of the transport and replayed after every reconnect.
func (t *Transport) DeclareTopology(ctx context.Context, topology rabbitmq.Topology) error {
	ch := t.controlChannel()
	if ch != nil {
		defer ch.Close()
	}
	return t.topology.Declare(ctx, ch, topology)
}

// Topology returns the declared, dead-letter expanded topology
func (t *Transport) Topology() (rabbitmq.Topology, bool) {
	return t.topology.Declared()
}

// State returns the connection state
func (t *Transport) State() rabbitmq.State {
	return t.manager.State()
}

// LastError returns the cause of the last Degraded or Disconnected state
func (t *Transport) LastError() error {
	return t.manager.LastError()
}

// AddStateListener registers a connection state listener
func (t *Transport) AddStateListener(listener rabbitmq.StateListener) {
	t.manager.AddStateListener(listener)
}

// Buffered returns the number of messages waiting in the outbox
func (t *Transport) Buffered() int {
	return t.outbox.Len()
}

// Overflowed returns the number of messages evicted from a full outbox
func (t *Transport) Overflowed() uint64 {
	return t.outbox.Overflowed()
}

// Publish implements messaging.Transport
func (t *Transport) Publish(ctx context.Context, exchange, routingKey string, env *contracts.Envelope, opts messaging.PublishOptions) error {
	ctx, span := t.tracer.Start(ctx, exchange+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", routingKey),
			attribute.String("messaging.message.id", env.ID()),
		),
	)
	defer span.End()

	msg, err := encode(ctx, env, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return err
	}

	err = t.publish(ctx, []rabbitmq.OutboundMessage{{Exchange: exchange, RoutingKey: routingKey, Message: msg}})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// PublishBatch implements messaging.BatchPublisher. The envelopes are
// published in order and confirmed together.
func (t *Transport) PublishBatch(ctx context.Context, exchange string, msgs []messaging.OutboundEnvelope) error {
	if len(msgs) == 0 {
		return nil
	}

	ctx, span := t.tracer.Start(ctx, exchange+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", exchange),
			attribute.Int("messaging.batch.message_count", len(msgs)),
		),
	)
	defer span.End()

	out := make([]rabbitmq.OutboundMessage, 0, len(msgs))
	for _, m := range msgs {
		msg, err := encode(ctx, m.Envelope, m.Options)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "encode failed")
			return err
		}
		out = append(out, rabbitmq.OutboundMessage{Exchange: exchange, RoutingKey: m.RoutingKey, Message: msg})
	}

	err := t.publish(ctx, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (t *Transport) publish(ctx context.Context, msgs []rabbitmq.OutboundMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}

	// Anything already buffered goes first.
	if !t.publisher.Ready() || t.outbox.Len() > 0 {
		t.bufferLocked(msgs)
		if t.publisher.Ready() {
			_ = t.drainLocked(ctx)
		}
		return nil
	}

	err := t.publisher.PublishBatch(ctx, msgs)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &contracts.TransientBrokerError{Op: "publish", Exchange: msgs[0].Exchange, Err: err, Timestamp: time.Now()}
	}

	t.bufferLocked(msgs)
	t.degradeLocked(&contracts.TransientBrokerError{Op: "publish", Exchange: msgs[0].Exchange, Err: err, Timestamp: time.Now()})
	return nil
}

func (t *Transport) bufferLocked(msgs []rabbitmq.OutboundMessage) {
	for _, m := range msgs {
		if t.outbox.Push(m) {
			t.logger.Warn("outbox full, evicted oldest message", "exchange", m.Exchange, "overflowed", t.outbox.Overflowed())
		}
	}
}

// drainLocked publishes buffered messages oldest first. On failure the
// remaining messages stay buffered and the connection is degraded.
func (t *Transport) drainLocked(ctx context.Context) error {
	drained := 0
	for {
		batch := t.outbox.PeekN(drainBatchSize)
		if len(batch) == 0 {
			break
		}
		if err := t.publisher.PublishBatch(ctx, batch); err != nil {
			t.degradeLocked(&contracts.TransientBrokerError{Op: "drain", Exchange: batch[0].Exchange, Err: err, Timestamp: time.Now()})
			return err
		}
		for _, m := range batch {
			t.outbox.Remove(m)
		}
		drained += len(batch)
	}
	if drained > 0 {
		t.logger.Info("drained outbox", "messages", drained)
	}
	return nil
}

func (t *Transport) degradeLocked(err error) {
	t.logger.Warn("publish failed, buffering until reconnected", "error", err, "buffered", t.outbox.Len())
	if ch := t.publisher.Detach(); ch != nil {
		_ = ch.Close()
	}
	t.manager.Degrade(err)
}

// Consume implements messaging.Transport. The consumer runs until the
// transport is closed and is re-established after every reconnect; ctx only
// bounds the initial setup.
func (t *Transport) Consume(ctx context.Context, queue string, handler messaging.DeliveryHandler) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	if _, exists := t.consumers[queue]; exists {
		t.mu.Unlock()
		return &rabbitmq.ConsumerError{Queue: queue, Op: "consume", Err: rabbitmq.ErrConsumerExists, Timestamp: time.Now()}
	}

	options := append([]rabbitmq.ConsumerOption{
		rabbitmq.WithConsumerLogger(t.logger),
		rabbitmq.WithRetryCeiling(t.topology.MaxRetries(queue, t.retryCeiling)),
		rabbitmq.WithRepublisher(t.republish),
	}, t.consumerOptions...)
	consumer := rabbitmq.NewConsumer(queue, t.deliveryHandler(queue, handler), options...)
	t.consumers[queue] = consumer
	t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := t.manager.Connection()
	if err != nil {
		// Started on the next Connected transition.
		return nil
	}
	return t.startConsumer(conn, consumer)
}

func (t *Transport) startConsumer(conn rabbitmq.Connection, consumer *rabbitmq.Consumer) error {
	ch, err := conn.Channel()
	if err != nil {
		return &rabbitmq.ConsumerError{Queue: consumer.Queue(), Op: "open channel", Err: err, Timestamp: time.Now()}
	}
	if err := consumer.Start(t.ctx, ch); err != nil {
		_ = ch.Close()
		return err
	}
	return nil
}

func (t *Transport) republish(ctx context.Context, msg rabbitmq.OutboundMessage) error {
	return t.publish(ctx, []rabbitmq.OutboundMessage{msg})
}

func (t *Transport) deliveryHandler(queue string, handler messaging.DeliveryHandler) rabbitmq.DeliveryHandler {
	return func(ctx context.Context, d amqp.Delivery) error {
		ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier(d.Headers))
		ctx, span := t.tracer.Start(ctx, queue+" process",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.system", "rabbitmq"),
				attribute.String("messaging.source.name", queue),
				attribute.String("messaging.rabbitmq.destination.routing_key", d.RoutingKey),
				attribute.String("messaging.message.id", d.MessageId),
			),
		)
		defer span.End()

		env, err := contracts.Decode(d.Body)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "undecodable envelope")
			return fmt.Errorf("%w: %v", contracts.ErrPoisonMessage, err)
		}

		headers := make(map[string]any, len(d.Headers))
		for k, v := range d.Headers {
			headers[k] = v
		}

		err = handler(ctx, messaging.Delivery{
			Envelope:    env,
			Queue:       queue,
			Exchange:    d.Exchange,
			RoutingKey:  d.RoutingKey,
			Headers:     headers,
			Redelivered: d.Redelivered,
			RetryCount:  rabbitmq.RetryCount(d.Headers),
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}

// BindQueue implements messaging.Transport. Bindings made while
// disconnected are applied on reconnect.
func (t *Transport) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	ch := t.controlChannel()
	if ch != nil {
		defer ch.Close()
	}
	return t.topology.Bind(ch, rabbitmq.Binding{Queue: queue, Exchange: exchange, RoutingKey: routingKey})
}

// UnbindQueue implements messaging.Transport
func (t *Transport) UnbindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	ch := t.controlChannel()
	if ch != nil {
		defer ch.Close()
	}
	return t.topology.Unbind(ch, rabbitmq.Binding{Queue: queue, Exchange: exchange, RoutingKey: routingKey})
}

// controlChannel opens a short-lived channel for topology operations, or
// returns nil while disconnected
func (t *Transport) controlChannel() rabbitmq.Channel {
	conn, err := t.manager.Connection()
	if err != nil {
		return nil
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil
	}
	return ch
}

func (t *Transport) onStateChange(from, to rabbitmq.State, err error) {
	t.logger.Info("broker connection state changed", "from", from.String(), "to", to.String(), "error", err)

	if to != rabbitmq.StateConnected {
		if ch := t.publisher.Detach(); ch != nil {
			_ = ch.Close()
		}
		return
	}
	t.onConnected()
}

// onConnected restores the topology, the publish channel, buffered
// messages and consumers, in that order
func (t *Transport) onConnected() {
	conn, err := t.manager.Connection()
	if err != nil {
		return
	}

	ch, err := conn.Channel()
	if err != nil {
		t.manager.Degrade(&contracts.TransientBrokerError{Op: "open channel", Err: err, Timestamp: time.Now()})
		return
	}
	if err := t.topology.Replay(t.ctx, ch); err != nil {
		_ = ch.Close()
		t.logger.Error("failed to replay topology", "error", err)
		t.manager.Degrade(&contracts.TransientBrokerError{Op: "declare topology", Err: err, Timestamp: time.Now()})
		return
	}
	if err := t.publisher.Attach(ch); err != nil {
		_ = ch.Close()
		t.manager.Degrade(&contracts.TransientBrokerError{Op: "confirm", Err: err, Timestamp: time.Now()})
		return
	}

	t.mu.Lock()
	drainErr := t.drainLocked(t.ctx)
	consumers := make([]*rabbitmq.Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		consumers = append(consumers, c)
	}
	t.mu.Unlock()
	if drainErr != nil {
		return
	}

	for _, c := range consumers {
		if err := t.startConsumer(conn, c); err != nil {
			t.logger.Error("failed to restart consumer", "queue", c.Queue(), "error", err)
		}
	}
}

// Close stops consumers, flushes the outbox if connected and closes the
// connection. Buffered messages that cannot be flushed are dropped.
func (t *Transport) Close(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	consumers := t.consumers
	t.consumers = map[string]*rabbitmq.Consumer{}

	var flushErr error
	if t.publisher.Ready() && t.outbox.Len() > 0 {
		flushErr = t.drainLocked(ctx)
	}
	if remaining := t.outbox.Len(); remaining > 0 {
		t.logger.Warn("closing with undelivered messages", "buffered", remaining)
	}
	t.mu.Unlock()

	for _, c := range consumers {
		c.Stop()
	}
	t.cancel()

	if ch := t.publisher.Detach(); ch != nil {
		_ = ch.Close()
	}
	return errors.Join(flushErr, t.manager.Close())
}

func encode(ctx context.Context, env *contracts.Envelope, opts messaging.PublishOptions) (amqp.Publishing, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return amqp.Publishing{}, &contracts.SerializationError{EventType: env.Type(), Err: err}
	}

	headers := amqp.Table{}
	for k, v := range opts.Headers {
		headers[k] = v
	}
	headers[HeaderTenantID] = env.TenantID()
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(headers))

	priority := opts.Priority
	if priority == 0 {
		priority = env.Priority()
	}

	msg := amqp.Publishing{
		Headers:       headers,
		ContentType:   "application/json",
		MessageId:     env.ID(),
		CorrelationId: env.CorrelationID(),
		Timestamp:     env.OccurredAt(),
		Type:          env.Type(),
		AppId:         "eventcore",
		Priority:      clampPriority(priority),
		Body:          body,
	}
	if opts.TTL > 0 {
		msg.Expiration = strconv.FormatInt(opts.TTL.Milliseconds(), 10)
	}
	if opts.Persistent {
		msg.DeliveryMode = amqp.Persistent
	} else {
		msg.DeliveryMode = amqp.Transient
	}
	return msg, nil
}

// clampPriority maps an event priority onto AMQP's 0-9 range
func clampPriority(p int) uint8 {
	switch {
	case p < 0:
		return 0
	case p > 9:
		return 9
	default:
		return uint8(p)
	}
}

// headerCarrier adapts AMQP headers to the OpenTelemetry propagator
type headerCarrier amqp.Table

func (c headerCarrier) Get(key string) string {
	if v, ok := c[key].(string); ok {
		return v
	}
	return ""
}

func (c headerCarrier) Set(key, value string) {
	c[key] = value
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
