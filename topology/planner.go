package topology

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mbus-go/broker"
	"github.com/glimte/mbus-go/contracts"
)

// Planner applies node sets to the broker over leased channels.
// Apply calls for the same topology must not run concurrently.
type Planner struct {
	channels *broker.ChannelPool
	logger   *slog.Logger
}

// Option configures a Planner
type Option func(*Planner)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Planner) {
		p.logger = logger
	}
}

// NewPlanner creates a planner leasing channels from channels
func NewPlanner(channels *broker.ChannelPool, opts ...Option) *Planner {
	p := &Planner{
		channels: channels,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Apply plans nodes and executes the plan. Graph errors are returned before
// any broker call. A broker failure aborts the remaining steps and is returned
// as a *TopologyError; nothing is retried.
func (p *Planner) Apply(ctx context.Context, nodes []contracts.Node) error {
	plan, err := Build(nodes)
	if err != nil {
		p.logger.Error("invalid topology", "error", err)
		return err
	}
	return p.ApplyPlan(ctx, plan)
}

// ApplyPlan executes a plan built by Build
func (p *Planner) ApplyPlan(ctx context.Context, plan *Plan) error {
	for _, s := range plan.Skipped {
		p.logger.Debug("skipping node", "node", s.NodeID, "reason", s.Reason)
	}

	if err := p.run(ctx, "exchange", plan.Exchanges); err != nil {
		return err
	}
	if err := p.run(ctx, "queue", plan.Queues); err != nil {
		return err
	}

	p.logger.Info("topology applied",
		"exchangeSteps", len(plan.Exchanges),
		"queueSteps", len(plan.Queues),
		"skipped", len(plan.Skipped))
	return nil
}

// run executes one group of steps on a single leased channel
func (p *Planner) run(ctx context.Context, group string, steps []Step) error {
	if len(steps) == 0 {
		return nil
	}

	err := p.channels.Execute(ctx, func(ch broker.Channel) error {
		for _, step := range steps {
			if err := execute(ch, step); err != nil {
				return err
			}
			p.logger.Debug("topology step done", "step", step.String())
		}
		return nil
	})
	if err == nil {
		return nil
	}

	var te *TopologyError
	if !errors.As(err, &te) {
		err = &TopologyError{Component: group, Name: group + "s", Op: "lease channel for", Err: err, Timestamp: time.Now()}
	}
	p.logger.Error("topology apply failed", "group", group, "error", err)
	return err
}

func execute(ch broker.Channel, step Step) error {
	var (
		component = "queue"
		err       error
	)

	switch step.Op {
	case OpDeclareExchange:
		component = "exchange"
		err = ch.DeclareExchange(step.Name, string(step.Kind), true)
	case OpBindExchange:
		component = "exchange binding"
		err = ch.BindExchange(step.Name, step.Source, step.RoutingKey)
	case OpDeleteQueue:
		var ok *broker.DeleteOk
		if ok, err = ch.DeleteQueue(step.Name); err == nil && ok == nil {
			err = ErrDeleteAcknowledgementMissing
		}
	case OpDeclareQueue:
		err = ch.DeclareQueue(step.Name, true, step.Args)
	case OpBindQueue:
		component = "queue binding"
		err = ch.BindQueue(step.Name, step.Source, step.RoutingKey)
	default:
		err = fmt.Errorf("unknown step %q", step.Op)
	}

	if err != nil {
		return &TopologyError{
			Component: component,
			Name:      step.Name,
			Op:        string(step.Op),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
	return nil
}

// DeleteQueueNoWait deletes a queue regardless of consumers and messages. It
// fails with ErrDeleteAcknowledgementMissing when the broker does not confirm.
func (p *Planner) DeleteQueueNoWait(ctx context.Context, name string) (*broker.DeleteOk, error) {
	var ok *broker.DeleteOk
	err := p.channels.Execute(ctx, func(ch broker.Channel) error {
		var err error
		if ok, err = ch.DeleteQueue(name); err != nil {
			return &TopologyError{Component: "queue", Name: name, Op: "delete", Err: err, Timestamp: time.Now()}
		}
		if ok == nil {
			return fmt.Errorf("%w: queue %s", ErrDeleteAcknowledgementMissing, name)
		}
		return nil
	})
	if err != nil {
		p.logger.Error("failed to delete queue", "queue", name, "error", err)
		return nil, err
	}

	p.logger.Info("queue deleted", "queue", name, "messageCount", ok.MessageCount)
	return ok, nil
}

// ExchangeExists reports whether an exchange is declared on the broker
func (p *Planner) ExchangeExists(ctx context.Context, name string) (bool, error) {
	return p.exists(ctx, "exchange", name, broker.Channel.DeclareExchangePassive)
}

// QueueExists reports whether a queue is declared on the broker
func (p *Planner) QueueExists(ctx context.Context, name string) (bool, error) {
	return p.exists(ctx, "queue", name, broker.Channel.DeclareQueuePassive)
}

// exists runs a passive declare. A failed passive declare usually closes the
// channel, in which case the lease is renewed before it goes back to the pool.
func (p *Planner) exists(ctx context.Context, component, name string, passive func(broker.Channel, string) error) (bool, error) {
	var found bool
	err := p.channels.WithLease(ctx, func(l *broker.Lease) error {
		err := passive(l.Value(), name)
		if err == nil {
			found = true
			return nil
		}

		p.logger.Debug(component+" not found", "name", name, "error", err)
		if !l.Value().IsOpen() {
			if err := l.Renew(ctx); err != nil {
				p.logger.Warn("failed to reopen channel after passive declare", "error", err)
			}
		}
		return nil
	})
	return found, err
}
