package handler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/glimte/mbus-go/contracts"
)

// ErrNilContext is returned when a chain is handed a nil message context
var ErrNilContext = errors.New("handler: nil message context")

// Next continues the chain with the following handler
type Next func(ctx context.Context, mc *contracts.MessageContext) error

// Handler processes a message context. It either returns an error, which ends
// the chain, or calls next to continue, or returns nil without calling next to
// end the chain early.
type Handler interface {
	Handle(ctx context.Context, mc *contracts.MessageContext, next Next) error

	// Name returns the handler name for logging and debugging
	Name() string
}

// funcHandler is a function adapter for Handler
type funcHandler struct {
	name string
	fn   func(ctx context.Context, mc *contracts.MessageContext, next Next) error
}

// Func creates a handler from a function
func Func(name string, fn func(ctx context.Context, mc *contracts.MessageContext, next Next) error) Handler {
	return &funcHandler{name: name, fn: fn}
}

func (h *funcHandler) Handle(ctx context.Context, mc *contracts.MessageContext, next Next) error {
	return h.fn(ctx, mc, next)
}

func (h *funcHandler) Name() string {
	return h.name
}

// Chain runs handlers in a fixed order. A Chain is immutable and safe for
// concurrent use.
type Chain struct {
	handlers []Handler
	entry    Next
	logger   *slog.Logger
}

// NewChain creates a chain running handlers in the given order
func NewChain(logger *slog.Logger, handlers ...Handler) *Chain {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Chain{
		handlers: append([]Handler(nil), handlers...),
		logger:   logger,
	}

	// Build the chain in reverse order
	next := Next(func(context.Context, *contracts.MessageContext) error { return nil })
	for i := len(c.handlers) - 1; i >= 0; i-- {
		h := c.handlers[i]
		rest := next
		next = func(ctx context.Context, mc *contracts.MessageContext) error {
			return h.Handle(ctx, mc, rest)
		}
	}
	c.entry = next

	return c
}

// Handle runs mc through the chain
func (c *Chain) Handle(ctx context.Context, mc *contracts.MessageContext) error {
	if mc == nil {
		return ErrNilContext
	}
	return c.entry(ctx, mc)
}

// Names returns the handler names in execution order
func (c *Chain) Names() []string {
	names := make([]string, len(c.handlers))
	for i, h := range c.handlers {
		names[i] = h.Name()
	}
	return names
}

// Len returns the number of handlers
func (c *Chain) Len() int {
	return len(c.handlers)
}
