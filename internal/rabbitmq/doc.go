// Package rabbitmq binds the broker abstractions to RabbitMQ through amqp091-go.
//
// This package includes:
//   - ConnectionManager: a broker.Connection that reconnects with capped exponential backoff
//   - Channel: a broker.Channel over an amqp091 channel
//
// Nothing outside the module imports amqp091-go directly; the rest of the
// module talks to broker.Connection and broker.Channel.
package rabbitmq
