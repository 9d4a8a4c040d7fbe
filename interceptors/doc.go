// Package interceptors wraps event handlers with cross-cutting behaviour.
//
// An Interceptor sees every envelope before the handler does and decides
// whether and how to call the rest of the chain. A Chain composes
// interceptors in the order they were added and is installed on a bus with
// messaging.WithMiddleware:
//
//	chain := interceptors.NewChain().
//		Add(interceptors.NewLoggingInterceptor(logger)).
//		Add(interceptors.NewTimeoutInterceptor(10 * time.Second))
//
//	bus := messaging.NewBus(transport, messaging.WithMiddleware(chain.Middleware()))
//
// Built-in interceptors:
//   - LoggingInterceptor: logs each delivery with its duration
//   - TimeoutInterceptor: bounds handler execution time
//   - RateLimitingInterceptor: throttles deliveries per event type
//   - FilteringInterceptor: skips or rejects envelopes a Filter declines
package interceptors
