package health

import (
	"context"
	"fmt"
	"time"

	"github.com/stockline/eventcore/internal/rabbitmq"
	"github.com/stockline/eventcore/messaging"
)

// BrokerState is implemented by the broker transport
type BrokerState interface {
	State() rabbitmq.State
	LastError() error
}

// BrokerChecker reports the broker connection state. A connection that is
// recovering is degraded; a disconnected one is unhealthy.
type BrokerChecker struct {
	broker BrokerState
}

// NewBrokerChecker creates a broker checker
func NewBrokerChecker(broker BrokerState) *BrokerChecker {
	return &BrokerChecker{broker: broker}
}

func (c *BrokerChecker) Name() string { return "broker" }

func (c *BrokerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	state := c.broker.State()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   map[string]any{"state": state.String()},
	}

	switch state {
	case rabbitmq.StateConnected:
		result.Status = StatusHealthy
		result.Message = "broker connected"
	case rabbitmq.StateDisconnected:
		result.Status = StatusUnhealthy
		result.Message = "broker disconnected"
	default:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("broker %s", state)
	}
	if err := c.broker.LastError(); err != nil && result.Status != StatusHealthy {
		result.Error = err.Error()
	}

	result.Duration = time.Since(start)
	return result
}

// BusStats is implemented by the event bus
type BusStats interface {
	Stats() messaging.Statistics
}

// BusChecker reports bus statistics. A buffer above the warning threshold
// or any outbox overflow is degraded.
type BusChecker struct {
	bus          BusStats
	bufferedWarn int
}

// NewBusChecker creates a bus checker warning once bufferedWarn events are
// waiting for the broker
func NewBusChecker(bus BusStats, bufferedWarn int) *BusChecker {
	return &BusChecker{bus: bus, bufferedWarn: bufferedWarn}
}

func (c *BusChecker) Name() string { return "bus" }

func (c *BusChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	stats := c.bus.Stats()
	result := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Message:   "bus operating normally",
		Timestamp: start,
		Details: map[string]any{
			"published":    stats.Published,
			"dispatched":   stats.Dispatched,
			"failed":       stats.Failed,
			"retried":      stats.Retried,
			"deadLettered": stats.DeadLettered,
			"buffered":     stats.Buffered,
			"overflowed":   stats.Overflowed,
		},
	}

	switch {
	case stats.Overflowed > 0:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d events evicted from the outbox", stats.Overflowed)
	case c.bufferedWarn > 0 && stats.Buffered >= c.bufferedWarn:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%d events waiting for the broker", stats.Buffered)
	}

	result.Duration = time.Since(start)
	return result
}

// ConnectionCounter is implemented by the realtime gateway
type ConnectionCounter interface {
	ConnectionCount() int
	TenantRooms() map[string]int
}

// NewGatewayChecker reports live connection counts. It never fails.
func NewGatewayChecker(gw ConnectionCounter) *CheckerFunc {
	return NewCheckerFunc("gateway", func(ctx context.Context) CheckResult {
		return CheckResult{
			Name:      "gateway",
			Status:    StatusHealthy,
			Timestamp: time.Now(),
			Details: map[string]any{
				"connections": gw.ConnectionCount(),
				"tenants":     len(gw.TenantRooms()),
			},
		}
	})
}
