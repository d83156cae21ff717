package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mbus-go/contracts"
)

// ErrUnauthorized is matched by every authorization failure
var ErrUnauthorized = errors.New("handler: unauthorized")

// Logging logs every context passing through it and how it ended
type Logging struct {
	logger *slog.Logger
}

// NewLogging creates a logging handler
func NewLogging(logger *slog.Logger) *Logging {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logging{logger: logger}
}

// Handle implements Handler
func (l *Logging) Handle(ctx context.Context, mc *contracts.MessageContext, next Next) error {
	start := time.Now()

	l.logger.Debug("handling message context",
		"appKey", mc.AppKey,
		"carryType", mc.CarryType.String(),
		"queue", queueName(mc),
		"messages", len(mc.Messages),
	)

	err := next(ctx, mc)
	duration := time.Since(start)

	if err != nil {
		l.logger.Error("message context failed",
			"appKey", mc.AppKey,
			"carryType", mc.CarryType.String(),
			"queue", queueName(mc),
			"duration", duration,
			"error", err,
		)
	} else {
		l.logger.Debug("message context handled",
			"appKey", mc.AppKey,
			"carryType", mc.CarryType.String(),
			"queue", queueName(mc),
			"duration", duration,
		)
	}

	return err
}

// Name implements Handler
func (l *Logging) Name() string {
	return "Logging"
}

// Authorizer decides whether an application may produce to or consume from a queue
type Authorizer interface {
	Authorize(ctx context.Context, appKey string, node *contracts.Node, carryType contracts.CarryType) error
}

// AllowAll admits every request
type AllowAll struct{}

// Authorize implements Authorizer
func (AllowAll) Authorize(context.Context, string, *contracts.Node, contracts.CarryType) error {
	return nil
}

// Authorize runs an Authorizer before the rest of the chain
type Authorize struct {
	authorizer Authorizer
}

// NewAuthorize creates an authorization handler. A nil authorizer admits everything.
func NewAuthorize(authorizer Authorizer) *Authorize {
	if authorizer == nil {
		authorizer = AllowAll{}
	}
	return &Authorize{authorizer: authorizer}
}

// Handle implements Handler
func (a *Authorize) Handle(ctx context.Context, mc *contracts.MessageContext, next Next) error {
	if err := a.authorizer.Authorize(ctx, mc.AppKey, mc.QueueNode, mc.CarryType); err != nil {
		return fmt.Errorf("%w: app %s on %s: %w", ErrUnauthorized, mc.AppKey, queueName(mc), err)
	}
	return next(ctx, mc)
}

// Name implements Handler
func (a *Authorize) Name() string {
	return "Authorize"
}

// ShortCircuit ends the chain without error when stop reports true
type ShortCircuit struct {
	name string
	stop func(ctx context.Context, mc *contracts.MessageContext) bool
}

// NewShortCircuit creates a short-circuiting handler
func NewShortCircuit(name string, stop func(ctx context.Context, mc *contracts.MessageContext) bool) *ShortCircuit {
	return &ShortCircuit{name: name, stop: stop}
}

// SkipEmptyProduce ends produce contexts that carry no messages
func SkipEmptyProduce() *ShortCircuit {
	return NewShortCircuit("SkipEmptyProduce", func(_ context.Context, mc *contracts.MessageContext) bool {
		return mc.CarryType == contracts.Produce && len(mc.Messages) == 0
	})
}

// Handle implements Handler
func (s *ShortCircuit) Handle(ctx context.Context, mc *contracts.MessageContext, next Next) error {
	if s.stop(ctx, mc) {
		return nil
	}
	return next(ctx, mc)
}

// Name implements Handler
func (s *ShortCircuit) Name() string {
	return s.name
}

func queueName(mc *contracts.MessageContext) string {
	if mc.QueueNode == nil {
		return ""
	}
	return mc.QueueNode.BrokerName
}
