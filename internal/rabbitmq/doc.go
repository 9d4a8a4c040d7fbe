// Package rabbitmq provides the RabbitMQ plumbing behind the broker transport.
//
// This package includes:
//   - ConnectionManager: dials with exponential backoff and drives the
//     Disconnected/Connecting/Connected/Degraded/Reconnecting state machine
//   - TopologyManager: idempotent topology declaration with paired
//     dead-letter exchanges and queues, replayed after reconnects
//   - Publisher: ordered publishing on a confirm-mode channel
//   - Outbox: bounded per-exchange buffer for publishes made while degraded
//   - Consumer: ack, requeue with a retry counter, or dead-letter per delivery
//
// Connection and Channel mirror the amqp091 types so tests can substitute the
// in-memory broker from the amqptest package.
package rabbitmq
