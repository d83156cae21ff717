package broker

import (
	"context"
	"errors"
	"time"
)

var (
	ErrChannelClosed    = errors.New("broker: channel is closed")
	ErrConnectionClosed = errors.New("broker: connection is closed")
)

// Table holds AMQP field-table arguments
type Table map[string]interface{}

// DeleteOk acknowledges a queue deletion
type DeleteOk struct {
	// MessageCount is the number of messages dropped with the queue
	MessageCount int
}

// Publishing is a message sent to an exchange
type Publishing struct {
	MessageID     string
	CorrelationID string
	ReplyTo       string
	Type          string
	AppID         string
	ContentType   string
	Headers       Table
	Timestamp     time.Time
	Persistent    bool
	Body          []byte
}

// Acknowledger settles deliveries on the channel they arrived on
type Acknowledger interface {
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
}

// Delivery is a message received from a queue
type Delivery struct {
	Acknowledger Acknowledger

	MessageID     string
	CorrelationID string
	ReplyTo       string
	Type          string
	AppID         string
	ContentType   string
	Headers       Table
	Timestamp     time.Time
	Exchange      string
	RoutingKey    string
	DeliveryTag   uint64
	Redelivered   bool
	Body          []byte
}

// Ack acknowledges the delivery
func (d Delivery) Ack() error {
	if d.Acknowledger == nil {
		return ErrChannelClosed
	}
	return d.Acknowledger.Ack(d.DeliveryTag, false)
}

// Nack rejects the delivery, optionally requeueing it
func (d Delivery) Nack(requeue bool) error {
	if d.Acknowledger == nil {
		return ErrChannelClosed
	}
	return d.Acknowledger.Nack(d.DeliveryTag, false, requeue)
}

// Channel is a session multiplexed over a broker connection.
// A channel is not safe for concurrent use.
type Channel interface {
	DeclareExchange(name, kind string, durable bool) error
	DeclareQueue(name string, durable bool, args Table) error
	// DeleteQueue returns a nil acknowledgement when the broker did not confirm the delete
	DeleteQueue(name string) (*DeleteOk, error)
	BindExchange(destination, source, routingKey string) error
	BindQueue(queue, exchange, routingKey string) error
	// DeclareExchangePassive fails when the exchange does not exist.
	// Brokers may close the channel as a side effect.
	DeclareExchangePassive(name string) error
	// DeclareQueuePassive fails when the queue does not exist.
	// Brokers may close the channel as a side effect.
	DeclareQueuePassive(name string) error

	Publish(ctx context.Context, exchange, routingKey string, msg Publishing) error
	Consume(queue, consumerTag string, prefetch int) (<-chan Delivery, error)
	Cancel(consumerTag string) error

	IsOpen() bool
	Close() error
}

// Connection is a broker connection that channels are opened on
type Connection interface {
	Channel() (Channel, error)
	IsOpen() bool
	Close() error
}
