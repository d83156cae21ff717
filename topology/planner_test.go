package topology_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/mbus-go/broker"
	"github.com/glimte/mbus-go/broker/brokertest"
	"github.com/glimte/mbus-go/contracts"
	"github.com/glimte/mbus-go/pool"
	"github.com/glimte/mbus-go/topology"
)

func newPlanner(t *testing.T) (*topology.Planner, *brokertest.Broker, *broker.ChannelPool) {
	t.Helper()
	b := brokertest.New()
	channels, err := broker.NewChannelPool(b.Connection(), pool.Config{
		MaxTotal: 2,
		MaxIdle:  2,
		MaxWait:  time.Second,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = channels.Destroy() })
	return topology.NewPlanner(channels), b, channels
}

func indexOf(calls []brokertest.Call, op brokertest.Op, name string) int {
	for i, c := range calls {
		if c.Op == op && c.Name == name {
			return i
		}
	}
	return -1
}

func TestPlannerApply(t *testing.T) {
	ctx := context.Background()

	t.Run("declares and binds every parent before its children", func(t *testing.T) {
		planner, b, channels := newPlanner(t)
		nodes := []contracts.Node{
			queue("5", "4", "leaf"),
			exchange("4", "3", "level3"),
			exchange("3", "2", "level2"),
			exchange("2", "1", "level1"),
			exchange("1", contracts.RootParentID, "root"),
		}

		require.NoError(t, planner.Apply(ctx, nodes))

		calls := b.Calls()
		for _, n := range nodes {
			if n.IsRoot() {
				continue
			}
			parent := "exchange." + map[string]string{"5": "level3", "4": "level2", "3": "level1", "2": "root"}[n.ID]

			bindOp := brokertest.OpBindExchange
			declareOp := brokertest.OpDeclareExchange
			if n.IsQueue() {
				bindOp, declareOp = brokertest.OpBindQueue, brokertest.OpDeclareQueue
			}

			bind := indexOf(calls, bindOp, n.BrokerName)
			require.NotEqual(t, -1, bind, "missing bind for %s", n.BrokerName)
			assert.Less(t, indexOf(calls, brokertest.OpDeclareExchange, parent), indexOf(calls, declareOp, n.BrokerName))
			assert.Less(t, indexOf(calls, declareOp, n.BrokerName), bind)
			assert.True(t, b.IsBound(n.BrokerName, parent, n.RoutingKey))
		}

		assert.Equal(t, 0, channels.Stats().Leased)
	})

	t.Run("each group shares one channel", func(t *testing.T) {
		planner, b, _ := newPlanner(t)
		require.NoError(t, planner.Apply(ctx, []contracts.Node{
			exchange("1", contracts.RootParentID, "root"),
			exchange("2", "1", "child"),
			queue("3", "2", "a"),
			queue("4", "2", "b"),
		}))

		exchangeChannels := map[int]bool{}
		for _, c := range b.CallsOf(brokertest.OpDeclareExchange, brokertest.OpBindExchange) {
			exchangeChannels[c.Channel] = true
		}
		queueChannels := map[int]bool{}
		for _, c := range b.CallsOf(brokertest.OpDeclareQueue, brokertest.OpBindQueue) {
			queueChannels[c.Channel] = true
		}
		assert.Len(t, exchangeChannels, 1)
		assert.Len(t, queueChannels, 1)
	})

	t.Run("virtual queues never reach the broker", func(t *testing.T) {
		planner, b, _ := newPlanner(t)
		v := queue("2", "1", "virtual")
		v.Virtual = true

		require.NoError(t, planner.Apply(ctx, []contracts.Node{exchange("1", contracts.RootParentID, "root"), v}))

		for _, c := range b.Calls() {
			assert.NotEqual(t, "queue.virtual", c.Name)
		}
	})

	t.Run("queue arguments reach the broker", func(t *testing.T) {
		planner, b, _ := newPlanner(t)
		q := queue("2", "1", "bounded")
		q.Threshold = 100
		q.MsgBodySize = 10

		require.NoError(t, planner.Apply(ctx, []contracts.Node{exchange("1", contracts.RootParentID, "root"), q}))

		args, ok := b.QueueArgs("queue.bounded")
		require.True(t, ok)
		assert.Equal(t, int64(100), args["x-max-length"])
		assert.Equal(t, int64(1000), args["x-max-length-bytes"])
	})

	t.Run("ttl queues are redeclared idempotently", func(t *testing.T) {
		planner, b, _ := newPlanner(t)
		q := queue("2", "1", "expiring")
		q.TTL = 5000
		nodes := []contracts.Node{exchange("1", contracts.RootParentID, "root"), q}

		for i := 0; i < 2; i++ {
			b.ResetCalls()
			require.NoError(t, planner.Apply(ctx, nodes))

			calls := b.CallsOf(brokertest.OpDeleteQueue, brokertest.OpDeclareQueue)
			require.Len(t, calls, 2)
			assert.Equal(t, brokertest.OpDeleteQueue, calls[0].Op)
			assert.Equal(t, brokertest.OpDeclareQueue, calls[1].Op)
			assert.Equal(t, int64(5000), calls[1].Args["x-expires"])
		}
	})

	t.Run("changing a ttl replaces the queue", func(t *testing.T) {
		planner, b, _ := newPlanner(t)
		q := queue("2", "1", "expiring")
		q.TTL = 5000
		root := exchange("1", contracts.RootParentID, "root")

		require.NoError(t, planner.Apply(ctx, []contracts.Node{root, q}))
		q.TTL = 9000
		require.NoError(t, planner.Apply(ctx, []contracts.Node{root, q}))

		args, _ := b.QueueArgs("queue.expiring")
		assert.Equal(t, int64(9000), args["x-expires"])
	})

	t.Run("unresolved parent fails before any broker call", func(t *testing.T) {
		planner, b, _ := newPlanner(t)

		err := planner.Apply(ctx, []contracts.Node{
			exchange("1", contracts.RootParentID, "root"),
			queue("2", "missing", "orphan"),
		})

		assert.ErrorIs(t, err, topology.ErrCycleOrUnresolvedParent)
		assert.Empty(t, b.Calls())
	})

	t.Run("broker failure aborts the group and releases the channel", func(t *testing.T) {
		planner, b, channels := newPlanner(t)
		boom := errors.New("boom")
		b.FailOn(brokertest.OpDeclareQueue, "queue.a", boom)

		err := planner.Apply(ctx, []contracts.Node{
			exchange("1", contracts.RootParentID, "root"),
			queue("2", "1", "a"),
			queue("3", "1", "b"),
		})

		require.ErrorIs(t, err, topology.ErrTopologyApplyFailure)
		require.ErrorIs(t, err, boom)
		var topoErr *topology.TopologyError
		require.ErrorAs(t, err, &topoErr)
		assert.Equal(t, "queue.a", topoErr.Name)
		assert.Equal(t, string(topology.OpDeclareQueue), topoErr.Op)

		assert.Equal(t, -1, indexOf(b.Calls(), brokertest.OpDeclareQueue, "queue.b"))
		assert.Empty(t, b.CallsOf(brokertest.OpBindQueue))
		assert.Equal(t, 0, channels.Stats().Leased)
	})

	t.Run("exchange failure stops before the queue group", func(t *testing.T) {
		planner, b, _ := newPlanner(t)
		b.FailOn(brokertest.OpBindExchange, "", errors.New("access refused"))

		err := planner.Apply(ctx, []contracts.Node{
			exchange("1", contracts.RootParentID, "root"),
			exchange("2", "1", "child"),
			queue("3", "2", "a"),
		})

		assert.True(t, topology.IsApplyFailure(err))
		assert.Empty(t, b.CallsOf(brokertest.OpDeclareQueue))
	})

	t.Run("channel failures are apply failures", func(t *testing.T) {
		planner, b, _ := newPlanner(t)
		refused := errors.New("channel refused")
		b.FailChannels(refused)

		err := planner.Apply(ctx, []contracts.Node{exchange("1", contracts.RootParentID, "root")})

		assert.ErrorIs(t, err, topology.ErrTopologyApplyFailure)
		assert.ErrorIs(t, err, refused)
	})
}

func TestPlannerDeleteQueueNoWait(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the acknowledgement and releases the channel", func(t *testing.T) {
		planner, b, channels := newPlanner(t)
		b.AddQueue("queue.old", nil)

		ok, err := planner.DeleteQueueNoWait(ctx, "queue.old")
		require.NoError(t, err)
		assert.NotNil(t, ok)

		_, exists := b.QueueArgs("queue.old")
		assert.False(t, exists)
		assert.Equal(t, 0, channels.Stats().Leased)
		assert.Equal(t, 1, channels.Stats().Idle)
	})

	t.Run("missing acknowledgement is an error and still releases the channel", func(t *testing.T) {
		planner, b, channels := newPlanner(t)
		b.WithoutDeleteAck("queue.old")

		ok, err := planner.DeleteQueueNoWait(ctx, "queue.old")
		assert.Nil(t, ok)
		assert.ErrorIs(t, err, topology.ErrDeleteAcknowledgementMissing)
		assert.Equal(t, 0, channels.Stats().Leased)
		assert.Equal(t, 1, channels.Stats().Idle)
	})

	t.Run("broker errors are wrapped", func(t *testing.T) {
		planner, b, channels := newPlanner(t)
		b.FailOn(brokertest.OpDeleteQueue, "queue.old", errors.New("in use"))

		_, err := planner.DeleteQueueNoWait(ctx, "queue.old")
		assert.ErrorIs(t, err, topology.ErrTopologyApplyFailure)
		assert.Equal(t, 0, channels.Stats().Leased)
	})
}

func TestPlannerExists(t *testing.T) {
	ctx := context.Background()

	t.Run("reports declared entities", func(t *testing.T) {
		planner, b, _ := newPlanner(t)
		b.AddExchange("exchange.proxy", "direct")
		b.AddQueue("queue.orders", nil)

		ok, err := planner.ExchangeExists(ctx, "exchange.proxy")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = planner.QueueExists(ctx, "queue.orders")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("missing entities reopen the closed channel", func(t *testing.T) {
		planner, b, channels := newPlanner(t)

		ok, err := planner.QueueExists(ctx, "queue.missing")
		require.NoError(t, err)
		assert.False(t, ok)

		assert.Len(t, b.CallsOf(brokertest.OpOpenChannel), 2)
		assert.Equal(t, 1, b.OpenChannels())
		assert.Equal(t, 1, channels.Stats().Idle)

		ok, err = planner.ExchangeExists(ctx, "exchange.missing")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 1, b.OpenChannels())
	})

	t.Run("channel stays usable when the broker keeps it open", func(t *testing.T) {
		planner, b, _ := newPlanner(t)
		b.ClosePassiveFailures = false

		ok, err := planner.ExchangeExists(ctx, "exchange.missing")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Len(t, b.CallsOf(brokertest.OpOpenChannel), 1)
	})
}
