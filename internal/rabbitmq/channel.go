package rabbitmq

import (
	"context"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mbus-go/broker"
)

// Channel adapts an amqp091 channel to broker.Channel
type Channel struct {
	ch *amqp.Channel
}

var _ broker.Channel = (*Channel)(nil)

// NewChannel wraps an open amqp091 channel
func NewChannel(ch *amqp.Channel) *Channel {
	return &Channel{ch: ch}
}

// Raw exposes the underlying amqp091 channel
func (c *Channel) Raw() *amqp.Channel {
	return c.ch
}

func (c *Channel) DeclareExchange(name, kind string, durable bool) error {
	if err := c.ch.ExchangeDeclare(name, kind, durable, false, false, false, nil); err != nil {
		return c.wrap("declare exchange "+name, err)
	}
	return nil
}

func (c *Channel) DeclareQueue(name string, durable bool, args broker.Table) error {
	if _, err := c.ch.QueueDeclare(name, durable, false, false, false, amqp.Table(args)); err != nil {
		return c.wrap("declare queue "+name, err)
	}
	return nil
}

// DeleteQueue deletes a queue whether or not it is empty or in use.
// The broker always answers a synchronous delete, so a nil error carries an ack.
func (c *Channel) DeleteQueue(name string) (*broker.DeleteOk, error) {
	n, err := c.ch.QueueDelete(name, false, false, false)
	if err != nil {
		return nil, c.wrap("delete queue "+name, err)
	}
	return &broker.DeleteOk{MessageCount: n}, nil
}

func (c *Channel) BindExchange(destination, source, routingKey string) error {
	if err := c.ch.ExchangeBind(destination, routingKey, source, false, nil); err != nil {
		return c.wrap("bind exchange "+destination, err)
	}
	return nil
}

func (c *Channel) BindQueue(queue, exchange, routingKey string) error {
	if err := c.ch.QueueBind(queue, routingKey, exchange, false, nil); err != nil {
		return c.wrap("bind queue "+queue, err)
	}
	return nil
}

// DeclareExchangePassive checks an exchange exists. RabbitMQ ignores the
// kind and flags of a passive declare.
func (c *Channel) DeclareExchangePassive(name string) error {
	if err := c.ch.ExchangeDeclarePassive(name, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return c.wrap("passive declare exchange "+name, err)
	}
	return nil
}

func (c *Channel) DeclareQueuePassive(name string) error {
	if _, err := c.ch.QueueDeclarePassive(name, true, false, false, false, nil); err != nil {
		return c.wrap("passive declare queue "+name, err)
	}
	return nil
}

func (c *Channel) Publish(ctx context.Context, exchange, routingKey string, msg broker.Publishing) error {
	if err := c.ch.PublishWithContext(ctx, exchange, routingKey, false, false, toAMQPPublishing(msg)); err != nil {
		return &PublishError{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Err:        err,
			Timestamp:  time.Now(),
		}
	}
	return nil
}

// Consume starts a manual-ack consumer. A positive prefetch sets the channel QoS first.
// The returned channel closes when the consumer is cancelled or the channel closes.
func (c *Channel) Consume(queue, consumerTag string, prefetch int) (<-chan broker.Delivery, error) {
	if prefetch > 0 {
		if err := c.ch.Qos(prefetch, 0, false); err != nil {
			return nil, &ConsumerError{Queue: queue, ConsumerTag: consumerTag, Op: "qos", Err: err, Timestamp: time.Now()}
		}
	}

	deliveries, err := c.ch.Consume(queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return nil, &ConsumerError{Queue: queue, ConsumerTag: consumerTag, Op: "consume", Err: err, Timestamp: time.Now()}
	}

	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		for d := range deliveries {
			out <- fromAMQPDelivery(d)
		}
	}()
	return out, nil
}

func (c *Channel) Cancel(consumerTag string) error {
	if err := c.ch.Cancel(consumerTag, false); err != nil {
		return c.wrap("cancel "+consumerTag, err)
	}
	return nil
}

func (c *Channel) IsOpen() bool {
	return !c.ch.IsClosed()
}

func (c *Channel) Close() error {
	if c.ch.IsClosed() {
		return nil
	}
	return c.ch.Close()
}

func (c *Channel) wrap(op string, err error) error {
	if errors.Is(err, amqp.ErrClosed) {
		err = broker.ErrChannelClosed
	}
	return &ChannelError{Op: op, Err: err, Timestamp: time.Now()}
}

func toAMQPPublishing(msg broker.Publishing) amqp.Publishing {
	p := amqp.Publishing{
		MessageId:     msg.MessageID,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		Type:          msg.Type,
		AppId:         msg.AppID,
		ContentType:   msg.ContentType,
		Headers:       amqp.Table(msg.Headers),
		Timestamp:     msg.Timestamp,
		Body:          msg.Body,
	}
	if msg.Persistent {
		p.DeliveryMode = amqp.Persistent
	}
	return p
}

func fromAMQPDelivery(d amqp.Delivery) broker.Delivery {
	out := broker.Delivery{
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		Type:          d.Type,
		AppID:         d.AppId,
		ContentType:   d.ContentType,
		Headers:       broker.Table(d.Headers),
		Timestamp:     d.Timestamp,
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		DeliveryTag:   d.DeliveryTag,
		Redelivered:   d.Redelivered,
		Body:          d.Body,
	}
	if d.Acknowledger != nil {
		out.Acknowledger = d.Acknowledger
	}
	return out
}
