package messaging

import "sync/atomic"

// Statistics is a point-in-time snapshot of the bus counters
type Statistics struct {
	Published    uint64 `json:"published"`
	Dispatched   uint64 `json:"dispatched"`
	Failed       uint64 `json:"failed"`
	Retried      uint64 `json:"retried"`
	DeadLettered uint64 `json:"deadLettered"`
	Duplicates   uint64 `json:"duplicates"`
	Buffered     int    `json:"buffered"`
	Overflowed   uint64 `json:"overflowed"`
}

type counters struct {
	published    atomic.Uint64
	dispatched   atomic.Uint64
	failed       atomic.Uint64
	retried      atomic.Uint64
	deadLettered atomic.Uint64
	duplicates   atomic.Uint64
}

// Metrics receives bus events as they happen. internal/metrics provides a
// Prometheus implementation.
type Metrics interface {
	EventPublished(eventType string, distributed bool)
	HandlerInvoked(handlerID string, mode Mode, err error)
	DeliveryRetried(handlerID string)
	DeliveryDeadLettered(handlerID string)
}

type noopMetrics struct{}

func (noopMetrics) EventPublished(string, bool)       {}
func (noopMetrics) HandlerInvoked(string, Mode, error) {}
func (noopMetrics) DeliveryRetried(string)             {}
func (noopMetrics) DeliveryDeadLettered(string)        {}
