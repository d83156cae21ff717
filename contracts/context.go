package contracts

import (
	"context"
	"fmt"
)

// CarryType says whether a context produces or consumes messages
type CarryType int

const (
	// Produce publishes the context's messages
	Produce CarryType = iota + 1
	// Consume subscribes to the context's queue
	Consume
)

// String returns the lower-case carry type name
func (c CarryType) String() string {
	switch c {
	case Produce:
		return "produce"
	case Consume:
		return "consume"
	default:
		return fmt.Sprintf("carryType(%d)", int(c))
	}
}

// MessageHandler processes a message received by a consumer.
// Returning an error negatively acknowledges the delivery.
type MessageHandler func(ctx context.Context, msg Message) error

// Subscription is a running consumer started by a Consume context
type Subscription interface {
	// Queue returns the broker name of the consumed queue
	Queue() string
	// Done is closed once the subscription has stopped and released its channel
	Done() <-chan struct{}
	// Close stops consuming and waits for the subscription to finish
	Close() error
}

// MessageContext carries one produce or consume request through a handler chain.
//
// A context is created per operation and passed by pointer. Handlers may fill
// in the chain-local fields (Exchange, Subscription) but never modify QueueNode.
type MessageContext struct {
	AppKey    string
	CarryType CarryType
	QueueNode *Node

	// Produce
	Exchange string
	Messages []Message

	// Consume
	Handler      MessageHandler
	Subscription Subscription
}

// NewProduceContext creates a context publishing msgs towards node
func NewProduceContext(appKey string, node *Node, msgs ...Message) *MessageContext {
	return &MessageContext{
		AppKey:    appKey,
		CarryType: Produce,
		QueueNode: node,
		Messages:  msgs,
	}
}

// NewConsumeContext creates a context consuming node with handler
func NewConsumeContext(appKey string, node *Node, handler MessageHandler) *MessageContext {
	return &MessageContext{
		AppKey:    appKey,
		CarryType: Consume,
		QueueNode: node,
		Handler:   handler,
	}
}
