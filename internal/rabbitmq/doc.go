// Package rabbitmq provides the RabbitMQ transport used by the RPC layer.
//
// This package includes:
//   - Supervisor: Owns one connection and channel, signals readiness and
//     reconnects with a fixed delay after any failure
//   - Binding: Queue declaration, publishing and consuming on the
//     supervised channel
//   - WorkQueue: Durable work queues with optional dead-letter routing
//
// All broker I/O for a session happens on the goroutine running
// Supervisor.Run. Other goroutines hand work to that goroutine instead of
// touching the channel directly.
package rabbitmq
