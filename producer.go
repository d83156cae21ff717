package mbus

import (
	"context"

	"github.com/glimte/mbus-go/contracts"
)

// Producer publishes messages through the bus chain
type Producer struct {
	bus *Bus
}

// Produce publishes msgs to the configured exchange with node's routing key
func (p *Producer) Produce(ctx context.Context, node *contracts.Node, msgs ...contracts.Message) error {
	if !p.bus.IsOpen() {
		return ErrNotOpen
	}
	mc := contracts.NewProduceContext(p.bus.appKey, node, msgs...)
	mc.Exchange = p.bus.settings.Exchange
	return p.bus.chain.Handle(ctx, mc)
}

// Consumer starts subscriptions through the bus chain
type Consumer struct {
	bus *Bus
}

// Consume subscribes handler to node's queue. The subscription holds a
// channel until it is closed, ctx ends, or the bus closes.
func (c *Consumer) Consume(ctx context.Context, node *contracts.Node, handler contracts.MessageHandler) (contracts.Subscription, error) {
	if !c.bus.IsOpen() {
		return nil, ErrNotOpen
	}
	mc := contracts.NewConsumeContext(c.bus.appKey, node, handler)
	if err := c.bus.chain.Handle(ctx, mc); err != nil {
		return nil, err
	}
	if mc.Subscription == nil {
		return nil, ErrNotSubscribed
	}
	c.bus.track(mc.Subscription)
	return mc.Subscription, nil
}
