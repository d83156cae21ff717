package handler

import (
	"context"
	"log/slog"

	"github.com/glimte/mbus-go/contracts"
)

// ParamValidator rejects malformed message contexts before anything reaches
// the broker. It keeps no state and never modifies the context.
type ParamValidator struct {
	logger *slog.Logger
}

// NewParamValidator creates a parameter validator
func NewParamValidator(logger *slog.Logger) *ParamValidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &ParamValidator{logger: logger}
}

// Handle implements Handler
func (v *ParamValidator) Handle(ctx context.Context, mc *contracts.MessageContext, next Next) error {
	if err := Validate(mc); err != nil {
		if mc == nil {
			return err
		}
		v.logger.Error("message context rejected",
			"appKey", mc.AppKey,
			"carryType", mc.CarryType.String(),
			"error", err)
		return err
	}
	return next(ctx, mc)
}

// Name implements Handler
func (v *ParamValidator) Name() string {
	return "ParamValidator"
}

// Validate checks a message context. The first problem found is returned as
// a *contracts.ValidationError.
func Validate(mc *contracts.MessageContext) error {
	if mc == nil {
		return ErrNilContext
	}
	if mc.AppKey == "" {
		return contracts.ErrEmptyAppKey
	}

	node := mc.QueueNode
	switch {
	case node == nil:
		return contracts.ErrMissingQueueNode
	case !node.IsQueue():
		return contracts.ErrNotQueueNode
	case node.Name == "":
		return contracts.ErrEmptyNodeName
	}

	switch mc.CarryType {
	case contracts.Consume:
		if node.BrokerName == "" {
			return contracts.ErrEmptyBrokerName
		}
	case contracts.Produce:
		if node.RoutingKey == "" {
			return contracts.ErrEmptyRoutingKey
		}
	}
	return nil
}
