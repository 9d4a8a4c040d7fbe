package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stockline/eventcore/contracts"
	"github.com/stockline/eventcore/internal/clock"
	"github.com/stockline/eventcore/internal/reliability"
)

// ErrBusClosed is returned by operations on a closed bus
var ErrBusClosed = errors.New("messaging: bus is closed")

// Bus dispatches events to in-process subscribers and through the broker
// transport to distributed ones.
//
// Local dispatch runs in the publisher's goroutine: handlers are invoked one
// after another in priority order, and a failing or panicking handler never
// stops the others. Distributed deliveries arrive on the bus's service queue
// and failed handlers are retried with exponential backoff until their
// attempts run out, after which the envelope is dead-lettered.
type Bus struct {
	transport       Transport
	registry        *Registry
	router          *Router
	serviceQueue    string
	instanceID      string
	defaultPriority int
	eventTTL        time.Duration

	batchPolicies map[string]BatchPolicy
	batchers      map[string]*Batcher

	retryBase   time.Duration
	retryCap    time.Duration
	retryJitter float64
	maxAttempts int
	backoff     *reliability.ExponentialBackoff
	attempts    *reliability.AttemptTracker
	scheduler   *reliability.Scheduler
	deadLetters reliability.DeadLetterSink
	idempotency reliability.IdempotencyStore

	routes          []Route
	defaultExchange string
	middleware      []Middleware

	clock   clock.Clock
	logger  *slog.Logger
	metrics Metrics
	stats   counters

	mu      sync.RWMutex
	closed  bool
	started bool
}

// BusOption configures the bus
type BusOption func(*Bus)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithClock sets the clock used by batching and retries
func WithClock(clk clock.Clock) BusOption {
	return func(b *Bus) {
		b.clock = clk
	}
}

// WithServiceQueue sets the queue distributed subscriptions are bound to
func WithServiceQueue(queue string) BusOption {
	return func(b *Bus) {
		b.serviceQueue = queue
	}
}

// WithRoutes adds exchange routes, tried in order
func WithRoutes(routes ...Route) BusOption {
	return func(b *Bus) {
		b.routes = append(b.routes, routes...)
	}
}

// WithDefaultExchange sets the exchange for events no route claims
func WithDefaultExchange(exchange string) BusOption {
	return func(b *Bus) {
		b.defaultExchange = exchange
	}
}

// WithBatching buffers publishes to exchange according to policy
func WithBatching(exchange string, policy BatchPolicy) BusOption {
	return func(b *Bus) {
		b.batchPolicies[exchange] = policy
	}
}

// WithRetryBackoff sets the delay between distributed delivery attempts
func WithRetryBackoff(base, cap time.Duration, jitter float64) BusOption {
	return func(b *Bus) {
		b.retryBase = base
		b.retryCap = cap
		b.retryJitter = jitter
	}
}

// WithRetryAttempts sets the default number of delivery attempts per
// (event, handler) pair
func WithRetryAttempts(n int) BusOption {
	return func(b *Bus) {
		b.maxAttempts = n
	}
}

// WithDeadLetterSink sets where abandoned deliveries go
func WithDeadLetterSink(sink reliability.DeadLetterSink) BusOption {
	return func(b *Bus) {
		b.deadLetters = sink
	}
}

// WithIdempotencyStore skips deliveries a handler has already processed
func WithIdempotencyStore(store reliability.IdempotencyStore) BusOption {
	return func(b *Bus) {
		b.idempotency = store
	}
}

// WithMetrics sets the metrics sink
func WithMetrics(metrics Metrics) BusOption {
	return func(b *Bus) {
		b.metrics = metrics
	}
}

// WithInstanceID sets the id stamped on outgoing events
func WithInstanceID(id string) BusOption {
	return func(b *Bus) {
		b.instanceID = id
	}
}

// WithDefaultPriority sets the priority of envelopes created without one
func WithDefaultPriority(priority int) BusOption {
	return func(b *Bus) {
		b.defaultPriority = priority
	}
}

// WithEventTTL sets the broker expiration of distributed events
func WithEventTTL(ttl time.Duration) BusOption {
	return func(b *Bus) {
		b.eventTTL = ttl
	}
}

// WithMiddleware wraps every handler invocation. The first middleware runs
// outermost.
func WithMiddleware(mw ...Middleware) BusOption {
	return func(b *Bus) {
		b.middleware = append(b.middleware, mw...)
	}
}

// NewBus creates a bus. transport may be nil for a purely in-process bus.
func NewBus(transport Transport, options ...BusOption) *Bus {
	b := &Bus{
		transport:     transport,
		registry:      NewRegistry(),
		instanceID:    uuid.New().String(),
		batchPolicies: make(map[string]BatchPolicy),
		batchers:      make(map[string]*Batcher),
		retryBase:     time.Second,
		retryCap:      time.Minute,
		retryJitter:   0.2,
		maxAttempts:   5,
		attempts:      reliability.NewAttemptTracker(),
		clock:         clock.Real(),
		logger:        slog.Default(),
		metrics:       noopMetrics{},
	}

	for _, opt := range options {
		opt(b)
	}

	b.router = NewRouter(b.defaultExchange, b.routes...)
	b.backoff = reliability.NewExponentialBackoff(b.retryBase, b.retryCap, b.retryJitter, b.maxAttempts)
	b.scheduler = reliability.NewScheduler(b.clock)
	if b.deadLetters == nil {
		b.deadLetters = reliability.NewInMemoryDeadLetterStore()
	}
	for exchange, policy := range b.batchPolicies {
		b.batchers[exchange] = NewBatcher(exchange, policy, b.clock, b.flushBatch, b.logger)
	}

	return b
}

// InstanceID returns the id stamped on events published by this bus
func (b *Bus) InstanceID() string { return b.instanceID }

// Router returns the exchange router
func (b *Bus) Router() *Router { return b.router }

// DeadLetters returns the dead-letter sink
func (b *Bus) DeadLetters() reliability.DeadLetterSink { return b.deadLetters }

// PublishOption configures a single publish
type PublishOption func(*publishConfig)

type publishConfig struct {
	local       bool
	distributed bool
	priority    int
}

// WithLocal enables or disables in-process dispatch (default true)
func WithLocal(enabled bool) PublishOption {
	return func(c *publishConfig) {
		c.local = enabled
	}
}

// WithDistributed enables or disables the broker publish (default true)
func WithDistributed(enabled bool) PublishOption {
	return func(c *publishConfig) {
		c.distributed = enabled
	}
}

// WithPriority overrides the envelope priority on the broker
func WithPriority(priority int) PublishOption {
	return func(c *publishConfig) {
		c.priority = priority
	}
}

// Publish dispatches env to matching local subscribers and hands it to the
// transport. Handler failures are logged and counted, never returned. Only
// non-retryable transport failures, such as serialization errors, are
// returned; retryable ones are absorbed by the transport outbox.
func (b *Bus) Publish(ctx context.Context, env *contracts.Envelope, options ...PublishOption) error {
	if env == nil {
		return &contracts.InvalidEventError{Field: "envelope", Reason: "must not be nil"}
	}
	if b.isClosed() {
		return ErrBusClosed
	}

	cfg := publishConfig{local: true, distributed: true, priority: env.Priority()}
	if cfg.priority == 0 {
		cfg.priority = b.defaultPriority
	}
	for _, opt := range options {
		opt(&cfg)
	}

	distributed := cfg.distributed && b.transport != nil
	b.stats.published.Add(1)
	b.metrics.EventPublished(env.Type(), distributed)

	if cfg.local {
		b.dispatchLocal(ctx, env)
	}
	if !distributed {
		return nil
	}
	return b.publishDistributed(ctx, env, cfg.priority)
}

func (b *Bus) dispatchLocal(ctx context.Context, env *contracts.Envelope) {
	for _, sub := range b.registry.Match(env.Type(), Mode.Local) {
		if !sub.accepts(env) {
			continue
		}
		if err := b.invoke(ctx, sub, env, ModeLocal); err != nil {
			b.logger.Error("local handler failed",
				"handlerId", sub.HandlerID,
				"eventId", env.ID(),
				"eventType", env.Type(),
				"tenantId", env.TenantID(),
				"error", err,
			)
		}
	}
}

func (b *Bus) publishDistributed(ctx context.Context, env *contracts.Envelope, priority int) error {
	exchange := b.router.Resolve(env.Type())
	msg := OutboundEnvelope{
		RoutingKey: env.Type(),
		Envelope:   env,
		Options: PublishOptions{
			Priority:   priority,
			Persistent: true,
			TTL:        b.eventTTL,
			Headers:    map[string]any{HeaderOrigin: b.instanceID},
		},
	}

	var err error
	if batcher, ok := b.batchers[exchange]; ok {
		err = batcher.Add(ctx, msg)
	} else {
		err = b.transport.Publish(ctx, exchange, msg.RoutingKey, env, msg.Options)
	}
	return b.publishResult(exchange, err)
}

func (b *Bus) publishResult(exchange string, err error) error {
	if err == nil {
		return nil
	}
	var transient *contracts.TransientBrokerError
	if errors.As(err, &transient) {
		b.logger.Warn("distributed publish deferred", "exchange", exchange, "error", err)
		return nil
	}
	return fmt.Errorf("messaging: publish to %s: %w", exchange, err)
}

func (b *Bus) flushBatch(ctx context.Context, exchange string, msgs []OutboundEnvelope) error {
	if bp, ok := b.transport.(BatchPublisher); ok {
		return b.publishResult(exchange, bp.PublishBatch(ctx, exchange, msgs))
	}
	for _, m := range msgs {
		if err := b.transport.Publish(ctx, exchange, m.RoutingKey, m.Envelope, m.Options); err != nil {
			if err := b.publishResult(exchange, err); err != nil {
				return err
			}
		}
	}
	return nil
}

// invoke runs one handler, converting a panic into a *contracts.HandlerError
func (b *Bus) invoke(ctx context.Context, sub *Subscription, env *contracts.Envelope, mode Mode) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &contracts.HandlerError{
				HandlerID: sub.HandlerID,
				EventID:   env.ID(),
				EventType: env.Type(),
				Panicked:  true,
				Err:       fmt.Errorf("%v", r),
			}
		}
		if err != nil {
			var handlerErr *contracts.HandlerError
			if !errors.As(err, &handlerErr) {
				err = &contracts.HandlerError{HandlerID: sub.HandlerID, EventID: env.ID(), EventType: env.Type(), Err: err}
			}
			b.stats.failed.Add(1)
		} else {
			b.stats.dispatched.Add(1)
		}
		b.metrics.HandlerInvoked(sub.HandlerID, mode, err)
	}()

	handler := sub.handler
	for i := len(b.middleware) - 1; i >= 0; i-- {
		handler = b.middleware[i](handler)
	}
	return handler(ctx, env)
}

// Subscribe registers handler for events matching pattern and returns its
// handler id. The first distributed subscription for a pattern binds the
// service queue to it.
func (b *Bus) Subscribe(ctx context.Context, pattern string, handler EventHandler, options ...SubscribeOption) (string, error) {
	if err := contracts.ValidatePattern(pattern); err != nil {
		return "", err
	}
	if handler == nil {
		return "", errors.New("messaging: handler must not be nil")
	}
	if b.isClosed() {
		return "", ErrBusClosed
	}

	sub := &Subscription{Pattern: pattern, Mode: ModeLocal, handler: handler}
	for _, opt := range options {
		opt(sub)
	}

	first, err := b.registry.Add(sub)
	if err != nil {
		return "", err
	}

	if first && b.canBind() {
		exchange := b.router.ExchangeForPattern(pattern)
		if err := b.transport.BindQueue(ctx, b.serviceQueue, exchange, pattern); err != nil {
			_, _, _ = b.registry.Remove(sub.HandlerID)
			return "", fmt.Errorf("messaging: bind %s to %s: %w", pattern, exchange, err)
		}
		b.logger.Info("bound service queue", "queue", b.serviceQueue, "exchange", exchange, "pattern", pattern)
	}

	b.logger.Info("subscribed",
		"handlerId", sub.HandlerID,
		"pattern", pattern,
		"mode", sub.Mode.String(),
		"priority", sub.Priority,
	)
	return sub.HandlerID, nil
}

// Unsubscribe removes a handler. Events dispatched after it returns no
// longer reach the handler; the last distributed subscription for a
// pattern unbinds the service queue.
func (b *Bus) Unsubscribe(ctx context.Context, handlerID string) error {
	sub, last, err := b.registry.Remove(handlerID)
	if err != nil {
		return err
	}

	if last && b.canBind() {
		exchange := b.router.ExchangeForPattern(sub.Pattern)
		if err := b.transport.UnbindQueue(ctx, b.serviceQueue, exchange, sub.Pattern); err != nil {
			return fmt.Errorf("messaging: unbind %s from %s: %w", sub.Pattern, exchange, err)
		}
		b.logger.Info("unbound service queue", "queue", b.serviceQueue, "exchange", exchange, "pattern", sub.Pattern)
	}

	b.logger.Info("unsubscribed", "handlerId", handlerID, "pattern", sub.Pattern)
	return nil
}

func (b *Bus) canBind() bool {
	return b.transport != nil && b.serviceQueue != ""
}

// Start consumes the service queue. It is a no-op for a bus without a
// transport or service queue.
func (b *Bus) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBusClosed
	}
	if b.started || !b.canBind() {
		b.mu.Unlock()
		return nil
	}
	b.started = true
	b.mu.Unlock()

	if err := b.transport.Consume(ctx, b.serviceQueue, b.HandleDelivery); err != nil {
		return fmt.Errorf("messaging: consume %s: %w", b.serviceQueue, err)
	}
	b.logger.Info("consuming service queue", "queue", b.serviceQueue, "instanceId", b.instanceID)
	return nil
}

// HandleDelivery dispatches a broker delivery to the matching distributed
// subscriptions. Handler failures are retried by the bus, so the delivery
// itself is always acknowledged.
func (b *Bus) HandleDelivery(ctx context.Context, d Delivery) error {
	if b.isClosed() {
		return ErrBusClosed
	}

	env := d.Envelope
	origin, _ := d.Headers[HeaderOrigin].(string)
	fromSelf := origin == b.instanceID

	for _, sub := range b.registry.Match(env.Type(), Mode.Distributed) {
		// ModeBoth handlers already ran when this bus published the event.
		if fromSelf && sub.Mode == ModeBoth {
			continue
		}
		if !sub.accepts(env) {
			continue
		}
		b.deliver(ctx, sub.HandlerID, env)
	}
	return nil
}

func (b *Bus) deliver(ctx context.Context, handlerID string, env *contracts.Envelope) {
	key := reliability.AttemptKey{EventID: env.ID(), HandlerID: handlerID}

	sub, ok := b.registry.Get(handlerID)
	if !ok {
		b.attempts.Remove(key)
		return
	}

	idempotencyKey := reliability.IdempotencyKey(handlerID, env.ID())
	if b.idempotency != nil {
		done, err := b.idempotency.Processed(ctx, idempotencyKey)
		if err != nil {
			b.logger.Warn("idempotency lookup failed", "handlerId", handlerID, "eventId", env.ID(), "error", err)
		} else if done {
			b.stats.duplicates.Add(1)
			b.attempts.Remove(key)
			return
		}
	}

	err := b.invoke(ctx, sub, env, ModeDistributed)
	if err == nil {
		b.attempts.Remove(key)
		if b.idempotency != nil {
			if err := b.idempotency.MarkProcessed(ctx, idempotencyKey); err != nil {
				b.logger.Warn("failed to record processed event", "handlerId", handlerID, "eventId", env.ID(), "error", err)
			}
		}
		return
	}

	b.onDeliveryFailure(sub, env, err)
}

func (b *Bus) onDeliveryFailure(sub *Subscription, env *contracts.Envelope, cause error) {
	key := reliability.AttemptKey{EventID: env.ID(), HandlerID: sub.HandlerID}
	maxAttempts := sub.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = b.maxAttempts
	}

	attempt := 1
	if prev, ok := b.attempts.Get(key); ok {
		attempt = prev.AttemptCount + 1
	}
	delay := b.backoff.NextDelay(attempt)
	now := b.clock.Now()
	record := b.attempts.RecordFailure(key, maxAttempts, cause, now, now.Add(delay))

	if record.Exhausted() || !contracts.IsRetryable(cause) {
		b.deadLetter(sub, env, record)
		return
	}

	b.logger.Warn("delivery failed, retrying",
		"handlerId", sub.HandlerID,
		"eventId", env.ID(),
		"attempt", record.AttemptCount,
		"maxAttempts", maxAttempts,
		"delay", delay,
		"error", cause,
	)
	b.stats.retried.Add(1)
	b.metrics.DeliveryRetried(sub.HandlerID)

	handlerID := sub.HandlerID
	b.scheduler.Schedule(key, delay, func() {
		if b.isClosed() {
			return
		}
		b.deliver(context.Background(), handlerID, env)
	})
}

func (b *Bus) deadLetter(sub *Subscription, env *contracts.Envelope, record *reliability.DeliveryAttempt) {
	// Remove succeeds once per pair, so the letter is sent exactly once.
	if !b.attempts.Remove(record.Key) {
		return
	}

	var reason error
	if record.Exhausted() {
		reason = &contracts.MaxRetriesExceededError{
			HandlerID: sub.HandlerID,
			EventID:   env.ID(),
			Attempts:  record.AttemptCount,
			LastError: record.LastError,
		}
	} else {
		reason = fmt.Errorf("non-retryable failure: %w", record.LastError)
	}

	letter := reliability.DeadLetter{
		ID:             uuid.New().String(),
		Envelope:       env,
		HandlerID:      sub.HandlerID,
		Reason:         reason.Error(),
		Attempts:       record.AttemptCount,
		History:        record.History,
		DeadLetteredAt: b.clock.Now(),
	}

	b.stats.deadLettered.Add(1)
	b.metrics.DeliveryDeadLettered(sub.HandlerID)
	b.logger.Error("delivery dead-lettered",
		"handlerId", sub.HandlerID,
		"eventId", env.ID(),
		"tenantId", env.TenantID(),
		"attempts", record.AttemptCount,
		"error", reason,
	)

	if err := b.deadLetters.Send(context.Background(), letter); err != nil {
		b.logger.Error("failed to store dead letter", "handlerId", sub.HandlerID, "eventId", env.ID(), "error", err)
	}
}

// Stats returns a snapshot of the bus counters
func (b *Bus) Stats() Statistics {
	s := Statistics{
		Published:    b.stats.published.Load(),
		Dispatched:   b.stats.dispatched.Load(),
		Failed:       b.stats.failed.Load(),
		Retried:      b.stats.retried.Load(),
		DeadLettered: b.stats.deadLettered.Load(),
		Duplicates:   b.stats.duplicates.Load(),
	}
	for _, batcher := range b.batchers {
		s.Buffered += batcher.Len()
	}
	if r, ok := b.transport.(BufferReporter); ok {
		s.Buffered += r.Buffered()
		s.Overflowed = r.Overflowed()
	}
	return s
}

// PendingRetries returns the number of (event, handler) pairs awaiting
// another attempt
func (b *Bus) PendingRetries() int {
	return b.attempts.Len()
}

// Close flushes batch buffers synchronously and stops retry timers.
// Deliveries arriving afterwards are refused so the broker redelivers them.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	var errs []error
	for exchange, batcher := range b.batchers {
		if err := batcher.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", exchange, err))
		}
	}
	b.scheduler.Stop()

	b.logger.Info("bus closed", "stats", b.Stats())
	return errors.Join(errs...)
}

func (b *Bus) isClosed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.closed
}
