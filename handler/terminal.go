package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mbus-go/broker"
	"github.com/glimte/mbus-go/contracts"
)

// ErrNoMessageHandler is returned for consume contexts without a handler
var ErrNoMessageHandler = errors.New("handler: consume context has no message handler")

// Publisher publishes the messages of produce contexts on a leased channel.
// Other contexts pass through untouched.
type Publisher struct {
	channels *broker.ChannelPool
	logger   *slog.Logger
}

// NewPublisher creates a publishing handler
func NewPublisher(channels *broker.ChannelPool, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{channels: channels, logger: logger}
}

// Handle implements Handler
func (p *Publisher) Handle(ctx context.Context, mc *contracts.MessageContext, next Next) error {
	if mc.CarryType != contracts.Produce {
		return next(ctx, mc)
	}

	routingKey := mc.QueueNode.RoutingKey
	err := p.channels.Execute(ctx, func(ch broker.Channel) error {
		for _, msg := range mc.Messages {
			if err := ch.Publish(ctx, mc.Exchange, routingKey, toPublishing(mc.AppKey, msg)); err != nil {
				return fmt.Errorf("failed to publish message %s: %w", msg.ID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	p.logger.Debug("messages published",
		"exchange", mc.Exchange,
		"routingKey", routingKey,
		"count", len(mc.Messages))
	return next(ctx, mc)
}

// Name implements Handler
func (p *Publisher) Name() string {
	return "Publisher"
}

func toPublishing(appKey string, msg contracts.Message) broker.Publishing {
	id := msg.ID
	if id == "" {
		id = uuid.New().String()
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return broker.Publishing{
		MessageID:     id,
		CorrelationID: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		Type:          msg.Type,
		AppID:         appKey,
		ContentType:   msg.ContentType,
		Headers:       broker.Table(msg.Headers),
		Timestamp:     ts,
		Persistent:    true,
		Body:          msg.Body,
	}
}

func fromDelivery(d broker.Delivery) contracts.Message {
	return contracts.Message{
		ID:            d.MessageID,
		Timestamp:     d.Timestamp,
		Type:          d.Type,
		CorrelationID: d.CorrelationID,
		ReplyTo:       d.ReplyTo,
		ContentType:   d.ContentType,
		Headers:       map[string]interface{}(d.Headers),
		Body:          d.Body,
	}
}

// Consumer starts a subscription for consume contexts and stores it in
// mc.Subscription. The subscription keeps its leased channel until it is closed.
type Consumer struct {
	channels       *broker.ChannelPool
	logger         *slog.Logger
	prefetch       int
	handlerTimeout time.Duration
}

// ConsumerOption configures a Consumer
type ConsumerOption func(*Consumer)

// WithPrefetch sets the channel QoS prefetch count
func WithPrefetch(n int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetch = n
	}
}

// WithHandlerTimeout bounds each message handler call
func WithHandlerTimeout(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = d
	}
}

// NewConsumer creates a consuming handler
func NewConsumer(channels *broker.ChannelPool, logger *slog.Logger, opts ...ConsumerOption) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Consumer{
		channels:       channels,
		logger:         logger,
		prefetch:       10,
		handlerTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Handle implements Handler
func (c *Consumer) Handle(ctx context.Context, mc *contracts.MessageContext, next Next) error {
	if mc.CarryType != contracts.Consume {
		return next(ctx, mc)
	}
	if mc.Handler == nil {
		return ErrNoMessageHandler
	}

	lease, err := c.channels.Borrow(ctx)
	if err != nil {
		return err
	}

	queue := mc.QueueNode.BrokerName
	tag := fmt.Sprintf("%s-%s", mc.AppKey, uuid.New().String())
	deliveries, err := lease.Value().Consume(queue, tag, c.prefetch)
	if err != nil {
		c.release(lease)
		return fmt.Errorf("failed to consume queue %s: %w", queue, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		consumer: c,
		queue:    queue,
		tag:      tag,
		lease:    lease,
		handler:  mc.Handler,
		ctx:      subCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go sub.run(deliveries)

	c.logger.Info("consumer started",
		"queue", queue,
		"consumerTag", tag,
		"prefetchCount", c.prefetch)

	mc.Subscription = sub
	if err := next(ctx, mc); err != nil {
		_ = sub.Close()
		mc.Subscription = nil
		return err
	}
	return nil
}

// Name implements Handler
func (c *Consumer) Name() string {
	return "Consumer"
}

// release returns a healthy channel to the pool and discards a broken one
func (c *Consumer) release(lease *broker.Lease) {
	var err error
	if lease.Value().IsOpen() {
		err = c.channels.Release(lease)
	} else {
		err = c.channels.Discard(lease)
	}
	if err != nil {
		c.logger.Warn("failed to return consumer channel", "error", err)
	}
}

// subscription is a running consumer
type subscription struct {
	consumer *Consumer
	queue    string
	tag      string
	lease    *broker.Lease
	handler  contracts.MessageHandler

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

var _ contracts.Subscription = (*subscription)(nil)

func (s *subscription) Queue() string {
	return s.queue
}

func (s *subscription) Done() <-chan struct{} {
	return s.done
}

func (s *subscription) Close() error {
	s.closeOnce.Do(s.cancel)
	<-s.done
	return nil
}

// run handles deliveries until the subscription is closed or the broker
// closes the delivery stream
func (s *subscription) run(deliveries <-chan broker.Delivery) {
	logger := s.consumer.logger
	defer func() {
		s.consumer.release(s.lease)
		close(s.done)
		logger.Info("consumer stopped", "queue", s.queue, "consumerTag", s.tag)
	}()

	for {
		select {
		case <-s.ctx.Done():
			s.stop(deliveries)
			return

		case d, ok := <-deliveries:
			if !ok {
				logger.Warn("delivery channel closed", "queue", s.queue)
				s.cancel()
				return
			}

			if err := s.handle(d); err != nil {
				logger.Error("failed to handle message",
					"error", err,
					"queue", s.queue,
					"messageId", d.MessageID,
				)
			}
		}
	}
}

// stop cancels the broker consumer and requeues what was already delivered
func (s *subscription) stop(deliveries <-chan broker.Delivery) {
	ch := s.lease.Value()
	if err := ch.Cancel(s.tag); err != nil && ch.IsOpen() {
		s.consumer.logger.Warn("failed to cancel consumer, closing its channel", "consumerTag", s.tag, "error", err)
		_ = ch.Close()
	}
	for d := range deliveries {
		_ = d.Nack(true)
	}
}

// handle runs the message handler, acking on success and requeueing on error
func (s *subscription) handle(d broker.Delivery) error {
	msgCtx, cancel := context.WithTimeout(s.ctx, s.consumer.handlerTimeout)
	defer cancel()

	err := s.handler(msgCtx, fromDelivery(d))
	if err != nil {
		if nackErr := d.Nack(true); nackErr != nil {
			s.consumer.logger.Error("failed to nack message",
				"error", nackErr,
				"originalError", err,
			)
		}
		return err
	}

	if ackErr := d.Ack(); ackErr != nil {
		s.consumer.logger.Error("failed to ack message", "error", ackErr)
	}
	return nil
}
