// Package rabbitmq provides the RabbitMQ side of the worker.
//
// This package includes:
//   - ConnectionManager: owns one connection and one channel, reports live health
//   - TopologyManager: declares the durable queue and optional topic exchange binding
//   - Consumer: manual-ack consume loop feeding a messaging.MessageHandler
//   - Publisher: persistent JSON publishing with trace context in the headers
//
// Reconnection is not handled here. A failed or ended consume sequence is
// restarted as a whole by the caller.
package rabbitmq
