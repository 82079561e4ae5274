// Package rabbitmq provides the broker-facing side of mmate-relay.
//
// This package includes:
//   - ConnectionManager: Owns the broker connection and the publishing channel
//   - TopologyManager: Declares the shared exchange, per-recipient queues and bindings
//   - Publisher: Fans events out to recipient queues, one persistent copy per recipient
//   - Consumer: Registry of per-recipient consuming channels with explicit ack/nack
//
// The broker is reached through the Connection and Channel interfaces so the
// in-memory broker in rabbitmqtest can stand in for RabbitMQ in tests.
//
// Nothing in this package reconnects on its own. When the broker drops the
// connection the cached handles are invalidated and every operation returns
// ErrNotInitialized until the owner initializes again.
package rabbitmq
