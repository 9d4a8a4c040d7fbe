// Package messaging provides the event bus shared by every eventcore service.
//
// This package implements:
//   - Bus: dispatches envelopes to in-process subscribers and, through a
//     Transport, to subscribers in other processes
//   - Registry: pattern subscriptions ordered by priority then registration
//   - Router: maps event types to broker exchanges
//   - Batcher: size and interval based publish buffering per exchange
//
// Subscriptions select their source with a Mode. ModeLocal handlers run in
// the publisher's goroutine; ModeDistributed handlers receive broker
// deliveries on the bus service queue; ModeBoth handlers receive both, and
// deliveries of events this bus published itself are skipped for them.
//
// Example usage:
//
//	bus := messaging.NewBus(transport,
//		messaging.WithServiceQueue("stock-service"),
//		messaging.WithRoutes(messaging.Route{Pattern: "inventory.#", Exchange: "inventory.events"}),
//	)
//
//	_, err := bus.Subscribe(ctx, "inventory.stock.*",
//		func(ctx context.Context, env *contracts.Envelope) error {
//			return reserve(ctx, env)
//		},
//		messaging.WithMode(messaging.ModeDistributed),
//	)
//
//	env, _ := contracts.NewEnvelope("inventory.stock.changed", tenantID, change)
//	err = bus.Publish(ctx, env)
package messaging
