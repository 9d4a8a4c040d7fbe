// Copyright 2024 Stockline Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package eventcore wires the broker transport, the event bus and the
// realtime gateway into one process-scoped Hub.
package eventcore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/stockline/eventcore/contracts"
	"github.com/stockline/eventcore/gateway"
	"github.com/stockline/eventcore/health"
	"github.com/stockline/eventcore/internal/metrics"
	"github.com/stockline/eventcore/internal/rabbitmq"
	"github.com/stockline/eventcore/messaging"
	transport "github.com/stockline/eventcore/transports/rabbitmq"
)

// Hub owns the services of one eventhub process
type Hub struct {
	transport *transport.Transport
	bus       *messaging.Bus
	gateway   *gateway.Gateway
	wsHandler *gateway.Handler
	health    *health.Registry
	metrics   *metrics.Collector
	logger    *slog.Logger

	topology        rabbitmq.Topology
	hasTopology     bool
	readyTimeout    time.Duration
	shutdownTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

type hubConfig struct {
	logger          *slog.Logger
	dialer          rabbitmq.Dialer
	serviceQueue    string
	topology        *rabbitmq.Topology
	collector       *metrics.Collector
	transportOpts   []transport.TransportOption
	busOpts         []messaging.BusOption
	gatewayOpts     []gateway.Option
	handlerOpts     []gateway.HandlerOption
	bufferedWarn    int
	readyTimeout    time.Duration
	shutdownTimeout time.Duration
}

// HubOption configures a Hub
type HubOption func(*hubConfig)

// WithLogger sets the logger shared by every component
func WithLogger(logger *slog.Logger) HubOption {
	return func(c *hubConfig) {
		c.logger = logger
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dial rabbitmq.Dialer) HubOption {
	return func(c *hubConfig) {
		c.dialer = dial
	}
}

// WithServiceQueue sets the queue this process consumes distributed events from
func WithServiceQueue(queue string) HubOption {
	return func(c *hubConfig) {
		c.serviceQueue = queue
	}
}

// WithTopology declares t instead of the default single-exchange layout
func WithTopology(t rabbitmq.Topology) HubOption {
	return func(c *hubConfig) {
		c.topology = &t
	}
}

// WithMetrics sets the Prometheus collector
func WithMetrics(collector *metrics.Collector) HubOption {
	return func(c *hubConfig) {
		c.collector = collector
	}
}

// WithTransportOptions passes options to the broker transport
func WithTransportOptions(opts ...transport.TransportOption) HubOption {
	return func(c *hubConfig) {
		c.transportOpts = append(c.transportOpts, opts...)
	}
}

// WithBusOptions passes options to the event bus
func WithBusOptions(opts ...messaging.BusOption) HubOption {
	return func(c *hubConfig) {
		c.busOpts = append(c.busOpts, opts...)
	}
}

// WithGatewayOptions passes options to the realtime gateway
func WithGatewayOptions(opts ...gateway.Option) HubOption {
	return func(c *hubConfig) {
		c.gatewayOpts = append(c.gatewayOpts, opts...)
	}
}

// WithHandlerOptions passes options to the WebSocket handler
func WithHandlerOptions(opts ...gateway.HandlerOption) HubOption {
	return func(c *hubConfig) {
		c.handlerOpts = append(c.handlerOpts, opts...)
	}
}

// WithBufferWarning marks the bus degraded once this many events are
// buffered for the broker
func WithBufferWarning(n int) HubOption {
	return func(c *hubConfig) {
		c.bufferedWarn = n
	}
}

// WithShutdownTimeout bounds Run's graceful shutdown
func WithShutdownTimeout(d time.Duration) HubOption {
	return func(c *hubConfig) {
		c.shutdownTimeout = d
	}
}

// DefaultTopology is the layout used when none is configured: the default
// topic exchange and a durable service queue with its dead-letter pair.
func DefaultTopology(serviceQueue string) rabbitmq.Topology {
	t := rabbitmq.Topology{
		Exchanges: []rabbitmq.ExchangeDeclaration{
			{Name: messaging.DefaultExchange, Kind: amqp.ExchangeTopic, Durable: true},
		},
	}
	if serviceQueue != "" {
		t.Queues = []rabbitmq.QueueDeclaration{{Name: serviceQueue, Durable: true}}
	}
	return t
}

// NewHub builds the transport, bus and gateway. Nothing touches the network
// until Start.
func NewHub(amqpURL string, verifier gateway.TokenVerifier, options ...HubOption) (*Hub, error) {
	if verifier == nil {
		return nil, errors.New("eventcore: a token verifier is required")
	}

	cfg := &hubConfig{
		logger:          slog.Default(),
		bufferedWarn:    1000,
		readyTimeout:    2 * time.Second,
		shutdownTimeout: 15 * time.Second,
	}
	for _, opt := range options {
		opt(cfg)
	}
	if cfg.collector == nil {
		cfg.collector = metrics.New()
	}

	transportOpts := []transport.TransportOption{
		transport.WithLogger(cfg.logger.With("component", "transport")),
		transport.WithConsumerOptions(rabbitmq.WithOutcomeHook(cfg.collector.ObserveOutcome)),
	}
	if cfg.dialer != nil {
		transportOpts = append(transportOpts, transport.WithDialer(cfg.dialer))
	}
	tr := transport.NewTransport(amqpURL, append(transportOpts, cfg.transportOpts...)...)
	tr.AddStateListener(cfg.collector)

	busOpts := []messaging.BusOption{
		messaging.WithLogger(cfg.logger.With("component", "bus")),
		messaging.WithMetrics(cfg.collector),
		messaging.WithServiceQueue(cfg.serviceQueue),
	}
	bus := messaging.NewBus(tr, append(busOpts, cfg.busOpts...)...)

	// Gateways behind a shared service queue also push events raised on
	// other instances.
	mode := messaging.ModeLocal
	if cfg.serviceQueue != "" {
		mode = messaging.ModeBoth
	}
	gatewayOpts := []gateway.Option{
		gateway.WithLogger(cfg.logger.With("component", "gateway")),
		gateway.WithMetrics(cfg.collector),
		gateway.WithSubscriptionMode(mode),
	}
	gw := gateway.New(verifier, append(gatewayOpts, cfg.gatewayOpts...)...)

	handlerOpts := append([]gateway.HandlerOption{
		gateway.WithHandlerLogger(cfg.logger.With("component", "websocket")),
	}, cfg.handlerOpts...)

	registry := health.NewRegistry()
	registry.Register(health.NewBrokerChecker(tr))
	registry.Register(health.NewBusChecker(bus, cfg.bufferedWarn))
	registry.Register(health.NewGatewayChecker(gw))

	cfg.collector.WatchBus(bus, bus.PendingRetries)

	h := &Hub{
		transport:       tr,
		bus:             bus,
		gateway:         gw,
		wsHandler:       gateway.NewHandler(gw, handlerOpts...),
		health:          registry,
		metrics:         cfg.collector,
		logger:          cfg.logger,
		readyTimeout:    cfg.readyTimeout,
		shutdownTimeout: cfg.shutdownTimeout,
	}
	switch {
	case cfg.topology != nil:
		h.topology, h.hasTopology = *cfg.topology, true
	case cfg.serviceQueue != "":
		h.topology, h.hasTopology = DefaultTopology(cfg.serviceQueue), true
	}
	return h, nil
}

// Start declares the topology, starts consuming the service queue, attaches
// the gateway to the bus and connects to the broker. A broker that stays
// unavailable does not fail Start: local dispatch and the gateway keep
// working, publishes wait in the outbox, and the transport keeps retrying in
// the background while readiness reports the broker down.
func (h *Hub) Start(ctx context.Context) error {
	if h.hasTopology {
		if err := h.transport.DeclareTopology(ctx, h.topology); err != nil {
			return fmt.Errorf("eventcore: declare topology: %w", err)
		}
	}
	if err := h.bus.Start(ctx); err != nil {
		return err
	}
	if err := h.gateway.Attach(ctx, h.bus); err != nil {
		return err
	}

	if err := h.transport.Connect(ctx); err != nil {
		var unavailable *contracts.BrokerUnavailableError
		if !errors.As(err, &unavailable) || ctx.Err() != nil {
			return fmt.Errorf("eventcore: connect: %w", err)
		}
		h.logger.Warn("broker unavailable, serving local events only",
			"attempts", unavailable.Attempts,
			"buffered", h.transport.Buffered(),
			"error", unavailable.Err,
		)
	}
	h.logger.Info("hub started", "instanceId", h.bus.InstanceID(), "broker", h.transport.State().String())
	return nil
}

// Handler routes /ws, /healthz, /readyz and /metrics
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/ws", h.metrics.Instrument("/ws", h.wsHandler))
	mux.Handle("/healthz", health.LivenessHandler())
	mux.Handle("/readyz", h.metrics.Instrument("/readyz", health.NewHandler(h.health, h.readyTimeout)))
	mux.Handle("/metrics", h.metrics.Handler())
	return mux
}

// Run serves Handler on addr until ctx is cancelled, then shuts down
func (h *Hub) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		h.logger.Info("listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("eventcore: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		return errors.Join(h.Close(shutdownCtx), srv.Shutdown(shutdownCtx))
	})
	return g.Wait()
}

// Publish sends env through the bus
func (h *Hub) Publish(ctx context.Context, env *contracts.Envelope, options ...messaging.PublishOption) error {
	return h.bus.Publish(ctx, env, options...)
}

// Close disconnects clients, flushes the bus and closes the broker
// connection. It is safe to call more than once.
func (h *Hub) Close(ctx context.Context) error {
	h.closeOnce.Do(func() {
		h.closeErr = errors.Join(
			h.gateway.Close(ctx),
			h.bus.Close(ctx),
			h.transport.Close(ctx),
		)
		h.logger.Info("hub stopped")
	})
	return h.closeErr
}

// Bus returns the event bus
func (h *Hub) Bus() *messaging.Bus { return h.bus }

// Gateway returns the realtime gateway
func (h *Hub) Gateway() *gateway.Gateway { return h.gateway }

// Transport returns the broker transport
func (h *Hub) Transport() *transport.Transport { return h.transport }

// Health returns the readiness checks
func (h *Hub) Health() *health.Registry { return h.health }

// Metrics returns the Prometheus collector
func (h *Hub) Metrics() *metrics.Collector { return h.metrics }
