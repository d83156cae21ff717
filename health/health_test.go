package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mbus-go/broker"
	"github.com/glimte/mbus-go/broker/brokertest"
	"github.com/glimte/mbus-go/pool"
)

type fakeExister struct {
	exists bool
	err    error
}

func (f fakeExister) QueueExists(context.Context, string) (bool, error) {
	return f.exists, f.err
}

func newPool(t *testing.T, b *brokertest.Broker, maxTotal int) *broker.ChannelPool {
	t.Helper()
	channels, err := broker.NewChannelPool(b.Connection(), pool.Config{
		MaxTotal: maxTotal,
		MaxIdle:  maxTotal,
		MaxWait:  50 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = channels.Destroy() })
	return channels
}

func TestConnectionChecker(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy when the built-in exchange answers", func(t *testing.T) {
		b := brokertest.New()
		b.AddExchange("amq.direct", "direct")

		res := NewConnectionChecker(b.Connection()).Check(ctx)
		assert.Equal(t, StatusHealthy, res.Status)
		assert.Equal(t, 0, b.OpenChannels())
	})

	t.Run("degraded when the passive declare fails", func(t *testing.T) {
		b := brokertest.New()

		res := NewConnectionChecker(b.Connection()).Check(ctx)
		assert.Equal(t, StatusDegraded, res.Status)
		assert.NotEmpty(t, res.Error)
	})

	t.Run("unhealthy when the connection is closed", func(t *testing.T) {
		b := brokertest.New()
		require.NoError(t, b.Connection().Close())

		res := NewConnectionChecker(b.Connection()).Check(ctx)
		assert.Equal(t, StatusUnhealthy, res.Status)
	})
}

func TestChannelPoolChecker(t *testing.T) {
	ctx := context.Background()

	t.Run("healthy pools lend and take back a channel", func(t *testing.T) {
		b := brokertest.New()
		channels := newPool(t, b, 2)

		res := NewChannelPoolChecker(channels).Check(ctx)
		assert.Equal(t, StatusHealthy, res.Status)
		assert.Equal(t, 0, channels.Stats().Leased)
		assert.Equal(t, 2, res.Details["maxTotal"])
	})

	t.Run("an exhausted pool is degraded without borrowing", func(t *testing.T) {
		b := brokertest.New()
		channels := newPool(t, b, 1)
		lease, err := channels.Borrow(ctx)
		require.NoError(t, err)
		defer channels.Release(lease)

		res := NewChannelPoolChecker(channels).Check(ctx)
		assert.Equal(t, StatusDegraded, res.Status)
	})

	t.Run("unhealthy when no channel can be opened", func(t *testing.T) {
		b := brokertest.New()
		b.FailChannels(errors.New("channel_max reached"))
		channels := newPool(t, b, 1)

		res := NewChannelPoolChecker(channels).Check(ctx)
		assert.Equal(t, StatusUnhealthy, res.Status)
	})
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("reports the worst status", func(t *testing.T) {
		r := NewRegistry(
			NewQueueChecker("queue.orders", fakeExister{exists: true}),
			NewQueueChecker("queue.audit", fakeExister{exists: false}),
		)

		report := r.Check(ctx)
		assert.Equal(t, StatusUnhealthy, report.Status)
		require.Len(t, report.Checks, 2)
		assert.Equal(t, StatusHealthy, report.Checks["queue:queue.orders"].Status)
		assert.Equal(t, StatusUnhealthy, report.Checks["queue:queue.audit"].Status)
	})

	t.Run("an empty registry is healthy", func(t *testing.T) {
		assert.Equal(t, StatusHealthy, NewRegistry().Check(ctx).Status)
	})

	t.Run("lookup errors are unhealthy", func(t *testing.T) {
		report := NewRegistry(NewQueueChecker("q", fakeExister{err: errors.New("closed")})).Check(ctx)
		assert.Equal(t, StatusUnhealthy, report.Status)
		assert.Equal(t, "closed", report.Checks["queue:q"].Error)
	})
}
