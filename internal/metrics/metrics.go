// Package metrics exposes eventhub activity as Prometheus collectors.
//
// A Collector implements the metrics hooks of the event bus and the realtime
// gateway, observes broker consumer outcomes and connection state, and
// instruments HTTP routes.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stockline/eventcore/internal/rabbitmq"
	"github.com/stockline/eventcore/messaging"
)

const namespace = "eventcore"

// Collector holds every eventhub collector
type Collector struct {
	registry *prometheus.Registry

	eventsPublished    *prometheus.CounterVec
	handlerInvocations *prometheus.CounterVec
	deliveryRetries    *prometheus.CounterVec
	deadLetters        *prometheus.CounterVec
	consumerOutcomes   *prometheus.CounterVec
	brokerState        *prometheus.GaugeVec
	brokerTransitions  *prometheus.CounterVec

	gatewayConnections prometheus.Gauge
	gatewayAuthFailed  prometheus.Counter
	gatewayPushes      *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// New creates a Collector on its own registry, with the Go and process
// collectors included
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events published on the bus.",
		}, []string{"event_type", "scope"}),
		handlerInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_invocations_total",
			Help:      "Subscriber invocations by mode and result.",
		}, []string{"mode", "result"}),
		deliveryRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_retries_total",
			Help:      "Scheduled redeliveries by handler.",
		}, []string{"handler_id"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Deliveries moved to the dead-letter sink by handler.",
		}, []string{"handler_id"}),
		consumerOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_outcomes_total",
			Help:      "Broker delivery outcomes by queue.",
		}, []string{"queue", "outcome"}),
		brokerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_state",
			Help:      "1 for the current broker connection state, 0 otherwise.",
		}, []string{"state"}),
		brokerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_state_transitions_total",
			Help:      "Broker connection state transitions by target state.",
		}, []string{"state"}),
		gatewayConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "gateway_connections",
			Help:      "Open realtime connections.",
		}),
		gatewayAuthFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_auth_failures_total",
			Help:      "Rejected realtime handshakes.",
		}),
		gatewayPushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_pushes_total",
			Help:      "Frames pushed to realtime clients by type and result.",
		}, []string{"type", "result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.eventsPublished,
		c.handlerInvocations,
		c.deliveryRetries,
		c.deadLetters,
		c.consumerOutcomes,
		c.brokerState,
		c.brokerTransitions,
		c.gatewayConnections,
		c.gatewayAuthFailed,
		c.gatewayPushes,
		c.httpRequests,
		c.httpLatency,
	)
	c.setBrokerState(rabbitmq.StateDisconnected)
	return c
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// EventPublished implements messaging.Metrics
func (c *Collector) EventPublished(eventType string, distributed bool) {
	scope := "local"
	if distributed {
		scope = "distributed"
	}
	c.eventsPublished.WithLabelValues(eventType, scope).Inc()
}

// HandlerInvoked implements messaging.Metrics
func (c *Collector) HandlerInvoked(handlerID string, mode messaging.Mode, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.handlerInvocations.WithLabelValues(mode.String(), result).Inc()
}

// DeliveryRetried implements messaging.Metrics
func (c *Collector) DeliveryRetried(handlerID string) {
	c.deliveryRetries.WithLabelValues(handlerID).Inc()
}

// DeliveryDeadLettered implements messaging.Metrics
func (c *Collector) DeliveryDeadLettered(handlerID string) {
	c.deadLetters.WithLabelValues(handlerID).Inc()
}

// ObserveOutcome has the signature of rabbitmq.WithOutcomeHook
func (c *Collector) ObserveOutcome(queue string, outcome rabbitmq.Outcome, err error) {
	c.consumerOutcomes.WithLabelValues(queue, outcome.String()).Inc()
}

// OnStateChange implements rabbitmq.StateListener
func (c *Collector) OnStateChange(from, to rabbitmq.State, err error) {
	c.brokerTransitions.WithLabelValues(to.String()).Inc()
	c.setBrokerState(to)
}

func (c *Collector) setBrokerState(current rabbitmq.State) {
	for s := rabbitmq.StateDisconnected; s <= rabbitmq.StateReconnecting; s++ {
		v := 0.0
		if s == current {
			v = 1
		}
		c.brokerState.WithLabelValues(s.String()).Set(v)
	}
}

// ConnectionOpened implements gateway.Metrics
func (c *Collector) ConnectionOpened() { c.gatewayConnections.Inc() }

// ConnectionClosed implements gateway.Metrics
func (c *Collector) ConnectionClosed() { c.gatewayConnections.Dec() }

// AuthenticationFailed implements gateway.Metrics
func (c *Collector) AuthenticationFailed() { c.gatewayAuthFailed.Inc() }

// PushDelivered implements gateway.Metrics
func (c *Collector) PushDelivered(messageType string) {
	c.gatewayPushes.WithLabelValues(messageType, "delivered").Inc()
}

// PushDropped implements gateway.Metrics
func (c *Collector) PushDropped(messageType string) {
	c.gatewayPushes.WithLabelValues(messageType, "dropped").Inc()
}

// StatsSource is implemented by the event bus
type StatsSource interface {
	Stats() messaging.Statistics
}

// WatchBus exports the bus outbox depth and pending retries as gauges read at
// scrape time
func (c *Collector) WatchBus(bus StatsSource, pending func() int) {
	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_buffered",
			Help:      "Events buffered while the broker is unavailable.",
		}, func() float64 { return float64(bus.Stats().Buffered) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_overflowed_total",
			Help:      "Buffered events evicted because the outbox was full.",
		}, func() float64 { return float64(bus.Stats().Overflowed) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_retries",
			Help:      "Redeliveries waiting for their backoff to elapse.",
		}, func() float64 { return float64(pending()) }),
	)
}

// Instrument records request count and latency for route
func (c *Collector) Instrument(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(sw, r)
		status := strconv.Itoa(sw.statusCode)
		c.httpRequests.WithLabelValues(r.Method, route, status).Inc()
		c.httpLatency.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes the websocket upgrade through to the underlying writer
func (w *statusResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (w *statusResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
