// Package gateway pushes tenant-scoped realtime updates to connected clients.
//
// A Gateway authenticates each connection with a TokenVerifier, places it in
// its tenant room and gives it an empty subscription filter. Attached to a
// messaging.Bus, it turns events into pushes according to FanoutRules:
// updates go to connections whose item or location filter matches, alerts
// to connections whose alert type filter matches, and tenant broadcasts to
// the whole room. A connection never receives another tenant's events.
//
// Handler serves the gateway over WebSocket. Each connection has a bounded
// outbound queue drained by its own writer goroutine; pushes to a full
// queue are dropped.
package gateway
