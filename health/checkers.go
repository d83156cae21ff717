package health

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/mbus-go/broker"
)

func newResult(name string) CheckResult {
	return CheckResult{
		Name:      name,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

func (r *CheckResult) finish(status Status, message string, err error) CheckResult {
	r.Status = status
	r.Message = message
	if err != nil {
		r.Error = err.Error()
	}
	r.Duration = time.Since(r.Timestamp)
	r.Details["responseTimeMs"] = r.Duration.Milliseconds()
	return *r
}

// ConnectionChecker opens a channel on the connection and passively declares
// a built-in exchange
type ConnectionChecker struct {
	conn broker.Connection
}

// NewConnectionChecker creates a broker connection checker
func NewConnectionChecker(conn broker.Connection) *ConnectionChecker {
	return &ConnectionChecker{conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return "connection"
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	if !c.conn.IsOpen() {
		return result.finish(StatusUnhealthy, "Connection is closed", nil)
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return result.finish(StatusUnhealthy, "Failed to open channel", err)
	}
	defer ch.Close()

	if err := ch.DeclareExchangePassive("amq.direct"); err != nil {
		return result.finish(StatusDegraded, "Exchange check failed", err)
	}
	return result.finish(StatusHealthy, "Connection is healthy", nil)
}

// ChannelPoolChecker reports pool occupancy and borrows a channel when one
// is free
type ChannelPoolChecker struct {
	channels *broker.ChannelPool
}

// NewChannelPoolChecker creates a channel pool checker
func NewChannelPoolChecker(channels *broker.ChannelPool) *ChannelPoolChecker {
	return &ChannelPoolChecker{channels: channels}
}

func (c *ChannelPoolChecker) Name() string {
	return "channelPool"
}

func (c *ChannelPoolChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())

	stats := c.channels.Stats()
	result.Details["maxTotal"] = stats.MaxTotal
	result.Details["live"] = stats.Live
	result.Details["idle"] = stats.Idle
	result.Details["leased"] = stats.Leased
	result.Details["waiting"] = stats.Waiting

	if stats.Waiting > 0 || stats.Leased >= stats.MaxTotal {
		return result.finish(StatusDegraded, "Channel pool is exhausted", nil)
	}

	lease, err := c.channels.Borrow(ctx)
	if err != nil {
		return result.finish(StatusUnhealthy, "Failed to borrow channel", err)
	}
	if err := c.channels.Release(lease); err != nil {
		return result.finish(StatusDegraded, "Failed to return channel", err)
	}
	return result.finish(StatusHealthy, "Channel pool is healthy", nil)
}

// Exister is satisfied by topology.Planner
type Exister interface {
	QueueExists(ctx context.Context, name string) (bool, error)
}

// QueueChecker checks that a queue is declared on the broker
type QueueChecker struct {
	queue    string
	topology Exister
}

// NewQueueChecker creates a queue checker
func NewQueueChecker(queue string, topology Exister) *QueueChecker {
	return &QueueChecker{queue: queue, topology: topology}
}

func (c *QueueChecker) Name() string {
	return fmt.Sprintf("queue:%s", c.queue)
}

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	result := newResult(c.Name())
	result.Details["queue"] = c.queue

	exists, err := c.topology.QueueExists(ctx, c.queue)
	if err != nil {
		return result.finish(StatusUnhealthy, fmt.Sprintf("Queue %s not accessible", c.queue), err)
	}
	if !exists {
		return result.finish(StatusUnhealthy, fmt.Sprintf("Queue %s does not exist", c.queue), nil)
	}
	return result.finish(StatusHealthy, fmt.Sprintf("Queue %s is accessible", c.queue), nil)
}
