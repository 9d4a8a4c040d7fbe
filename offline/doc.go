// Package offline sends optimistic writes to the inventory API.
//
// A Mutation carries its local effect (Apply) and the inverse (Rollback).
// Queue.Submit applies the effect, then sends the request with an
// Idempotency-Key header equal to the mutation id so retried requests are
// safe. Timeouts, 425, 429 and transient 5xx responses are retried with
// exponential backoff; any other non-2xx response is final. When the API
// does not confirm the mutation the rollback always runs.
package offline
