package handler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/glimte/mbus-go/broker"
	"github.com/glimte/mbus-go/contracts"
	"github.com/glimte/mbus-go/pool"
)

// Retry re-runs the rest of the chain when it fails with a transient broker
// error. A retried produce may publish some messages twice.
type Retry struct {
	maxRetries uint64
	base       time.Duration
	logger     *slog.Logger
}

// NewRetry creates a retry handler allowing maxRetries extra attempts with
// exponential backoff starting at base
func NewRetry(maxRetries int, base time.Duration, logger *slog.Logger) *Retry {
	if logger == nil {
		logger = slog.Default()
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	return &Retry{
		maxRetries: uint64(max(maxRetries, 0)),
		base:       base,
		logger:     logger,
	}
}

// Handle implements Handler
func (r *Retry) Handle(ctx context.Context, mc *contracts.MessageContext, next Next) error {
	var backoff retry.Backoff = retry.NewExponential(r.base)
	backoff = retry.WithJitterPercent(10, backoff)
	backoff = retry.WithMaxRetries(r.maxRetries, backoff)

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := next(ctx, mc)
		if err == nil || !IsTransient(err) {
			return err
		}
		r.logger.Warn("retrying message context",
			"carryType", mc.CarryType.String(),
			"queue", queueName(mc),
			"attempt", attempt,
			"error", err,
		)
		return retry.RetryableError(err)
	})
}

// Name implements Handler
func (r *Retry) Name() string {
	return "Retry"
}

// IsTransient reports whether err may succeed on a fresh channel
func IsTransient(err error) bool {
	return errors.Is(err, broker.ErrChannelClosed) ||
		errors.Is(err, broker.ErrConnectionClosed) ||
		errors.Is(err, pool.ErrBorrowTimeout)
}
