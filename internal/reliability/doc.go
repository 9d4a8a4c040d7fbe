// Package reliability provides the retry and failure-handling building blocks
// used by the event bus and the broker transport.
//
//   - ExponentialBackoff: min(base*2^(attempt-1) + jitter, cap) delays
//   - AttemptTracker: per (event, handler) delivery attempt history
//   - Scheduler: cancellable delayed retries on an injectable clock
//   - Dead letter sinks: in-memory and Redis stream backed
//   - Idempotency stores: in-memory and Redis backed
package reliability
