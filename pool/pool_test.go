package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

type fakeValue struct {
	id    int
	valid atomic.Bool
}

type fakeFactory struct {
	mu         sync.Mutex
	next       int
	live       int
	maxLive    int
	destroyed  []int
	createErr  error
	closeCalls int
}

func (f *fakeFactory) Create(ctx context.Context) (*fakeValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.next++
	f.live++
	if f.live > f.maxLive {
		f.maxLive = f.live
	}
	v := &fakeValue{id: f.next}
	v.valid.Store(true)
	return v, nil
}

func (f *fakeFactory) Validate(v *fakeValue) bool {
	return v.valid.Load()
}

func (f *fakeFactory) Destroy(v *fakeValue) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live--
	f.destroyed = append(f.destroyed, v.id)
	return nil
}

func (f *fakeFactory) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCalls++
	return nil
}

func (f *fakeFactory) snapshot() (live, maxLive int, destroyed []int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live, f.maxLive, append([]int(nil), f.destroyed...)
}

func newTestPool(t *testing.T, cfg Config) (*Pool[*fakeValue], *fakeFactory) {
	t.Helper()
	factory := &fakeFactory{}
	p, err := New[*fakeValue](factory, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Destroy() })
	return p, factory
}

func TestNew(t *testing.T) {
	t.Run("rejects a nil factory", func(t *testing.T) {
		_, err := New[*fakeValue](nil, DefaultConfig())
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("rejects MaxTotal below one", func(t *testing.T) {
		_, err := New[*fakeValue](&fakeFactory{}, Config{MaxTotal: 0})
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("rejects MaxIdle above MaxTotal", func(t *testing.T) {
		_, err := New[*fakeValue](&fakeFactory{}, Config{MaxTotal: 2, MaxIdle: 3})
		assert.ErrorIs(t, err, ErrInvalidConfiguration)
	})

	t.Run("creates nothing up front", func(t *testing.T) {
		p, factory := newTestPool(t, DefaultConfig())
		live, _, _ := factory.snapshot()
		assert.Zero(t, live)
		assert.Equal(t, Stats{MaxTotal: 8}, p.Stats())
	})
}

func TestBorrowRelease(t *testing.T) {
	ctx := context.Background()

	t.Run("reuses a released value", func(t *testing.T) {
		p, _ := newTestPool(t, DefaultConfig())

		l1, err := p.Borrow(ctx)
		require.NoError(t, err)
		id := l1.ID()
		require.NoError(t, p.Release(l1))
		assert.Equal(t, 1, p.Stats().Idle)

		l2, err := p.Borrow(ctx)
		require.NoError(t, err)
		assert.Equal(t, id, l2.ID())
		assert.Equal(t, 1, l2.Value().id)
		require.NoError(t, p.Release(l2))
	})

	t.Run("releasing twice fails", func(t *testing.T) {
		p, _ := newTestPool(t, DefaultConfig())

		l, err := p.Borrow(ctx)
		require.NoError(t, err)
		require.NoError(t, p.Release(l))
		assert.True(t, l.Released())
		assert.ErrorIs(t, p.Release(l), ErrLeaseReleased)
	})

	t.Run("releasing into another pool fails", func(t *testing.T) {
		p1, _ := newTestPool(t, DefaultConfig())
		p2, _ := newTestPool(t, DefaultConfig())

		l, err := p1.Borrow(ctx)
		require.NoError(t, err)
		assert.ErrorIs(t, p2.Release(l), ErrForeignLease)
		assert.ErrorIs(t, p2.Release(nil), ErrForeignLease)
		require.NoError(t, p1.Release(l))
	})

	t.Run("idle values above MaxIdle are destroyed on release", func(t *testing.T) {
		p, factory := newTestPool(t, Config{MaxTotal: 3, MaxIdle: 1, MaxWait: time.Second})

		var leases []*Lease[*fakeValue]
		for i := 0; i < 3; i++ {
			l, err := p.Borrow(ctx)
			require.NoError(t, err)
			leases = append(leases, l)
		}
		for _, l := range leases {
			require.NoError(t, p.Release(l))
		}

		stats := p.Stats()
		assert.Equal(t, 1, stats.Idle)
		assert.Equal(t, 1, stats.Live)
		_, _, destroyed := factory.snapshot()
		assert.Len(t, destroyed, 2)
	})

	t.Run("TestOnBorrow replaces an invalid idle value", func(t *testing.T) {
		p, factory := newTestPool(t, Config{MaxTotal: 1, MaxIdle: 1, MaxWait: time.Second, TestOnBorrow: true})

		l, err := p.Borrow(ctx)
		require.NoError(t, err)
		l.Value().valid.Store(false)
		require.NoError(t, p.Release(l))

		l, err = p.Borrow(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, l.Value().id)
		assert.True(t, l.Value().valid.Load())

		_, _, destroyed := factory.snapshot()
		assert.Equal(t, []int{1}, destroyed)
		assert.Equal(t, 1, p.Stats().Live)
		require.NoError(t, p.Release(l))
	})

	t.Run("TestOnReturn discards an invalid value", func(t *testing.T) {
		p, factory := newTestPool(t, Config{MaxTotal: 2, MaxIdle: 2, MaxWait: time.Second, TestOnReturn: true})

		l, err := p.Borrow(ctx)
		require.NoError(t, err)
		l.Value().valid.Store(false)
		require.NoError(t, p.Release(l))

		assert.Equal(t, Stats{MaxTotal: 2}, p.Stats())
		_, _, destroyed := factory.snapshot()
		assert.Equal(t, []int{1}, destroyed)
	})

	t.Run("a failed create frees its slot", func(t *testing.T) {
		p, factory := newTestPool(t, Config{MaxTotal: 1, MaxWait: 50 * time.Millisecond})
		factory.createErr = errors.New("broker unreachable")

		_, err := p.Borrow(ctx)
		require.Error(t, err)
		var poolErr *PoolError
		require.ErrorAs(t, err, &poolErr)
		assert.Equal(t, "create", poolErr.Op)
		assert.Zero(t, p.Stats().Live)

		factory.createErr = nil
		l, err := p.Borrow(ctx)
		require.NoError(t, err)
		require.NoError(t, p.Release(l))
	})
}

func TestBorrowLimits(t *testing.T) {
	ctx := context.Background()

	t.Run("the borrower past MaxTotal times out", func(t *testing.T) {
		const maxTotal = 3
		maxWait := 100 * time.Millisecond
		p, factory := newTestPool(t, Config{MaxTotal: maxTotal, MaxIdle: maxTotal, MaxWait: maxWait})

		var (
			mu       sync.Mutex
			leases   []*Lease[*fakeValue]
			timeouts int
			waited   time.Duration
		)

		var g errgroup.Group
		for i := 0; i < maxTotal+1; i++ {
			g.Go(func() error {
				start := time.Now()
				l, err := p.Borrow(ctx)
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					if !IsBorrowTimeout(err) {
						return err
					}
					timeouts++
					waited = time.Since(start)
					return nil
				}
				leases = append(leases, l)
				return nil
			})
		}
		require.NoError(t, g.Wait())

		assert.Equal(t, 1, timeouts)
		assert.Len(t, leases, maxTotal)
		assert.GreaterOrEqual(t, waited, maxWait)
		assert.Equal(t, maxTotal, p.Stats().Leased)

		_, maxLive, _ := factory.snapshot()
		assert.LessOrEqual(t, maxLive, maxTotal)

		for _, l := range leases {
			require.NoError(t, p.Release(l))
		}
	})

	t.Run("concurrent borrowers never exceed MaxTotal", func(t *testing.T) {
		const maxTotal = 4
		p, _ := newTestPool(t, Config{MaxTotal: maxTotal, MaxIdle: 2, MaxWait: 5 * time.Second})

		var leased atomic.Int32
		var peak atomic.Int32

		var g errgroup.Group
		for i := 0; i < 32; i++ {
			g.Go(func() error {
				return p.Execute(ctx, func(v *fakeValue) error {
					n := leased.Inc()
					for {
						old := peak.Load()
						if n <= old || peak.CompareAndSwap(old, n) {
							break
						}
					}
					time.Sleep(2 * time.Millisecond)
					leased.Dec()
					return nil
				})
			})
		}
		require.NoError(t, g.Wait())

		assert.LessOrEqual(t, int(peak.Load()), maxTotal)
		assert.Zero(t, p.Stats().Leased)
		assert.LessOrEqual(t, p.Stats().Live, maxTotal)
	})

	t.Run("zero MaxWait fails immediately", func(t *testing.T) {
		p, _ := newTestPool(t, Config{MaxTotal: 1, MaxWait: 0})

		l, err := p.Borrow(ctx)
		require.NoError(t, err)

		start := time.Now()
		_, err = p.Borrow(ctx)
		assert.ErrorIs(t, err, ErrBorrowTimeout)
		assert.Less(t, time.Since(start), 50*time.Millisecond)
		require.NoError(t, p.Release(l))
	})

	t.Run("a cancelled context stops waiting", func(t *testing.T) {
		p, _ := newTestPool(t, Config{MaxTotal: 1, MaxWait: -1})

		l, err := p.Borrow(ctx)
		require.NoError(t, err)

		waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		_, err = p.Borrow(waitCtx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		assert.Zero(t, p.Stats().Waiting)
		require.NoError(t, p.Release(l))
	})
}

func TestWaitersAreServedInArrivalOrder(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t, Config{MaxTotal: 1, MaxIdle: 1, MaxWait: 5 * time.Second})

	first, err := p.Borrow(ctx)
	require.NoError(t, err)

	order := make(chan string, 3)
	leases := make(chan *Lease[*fakeValue], 3)
	borrow := func(name string) {
		l, err := p.Borrow(ctx)
		if err != nil {
			order <- "error:" + name
			return
		}
		order <- name
		leases <- l
	}

	go borrow("a")
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)
	go borrow("b")
	require.Eventually(t, func() bool { return p.Stats().Waiting == 2 }, time.Second, time.Millisecond)
	go borrow("c")
	require.Eventually(t, func() bool { return p.Stats().Waiting == 3 }, time.Second, time.Millisecond)

	require.NoError(t, p.Release(first))
	for _, want := range []string{"a", "b", "c"} {
		assert.Equal(t, want, <-order)
		l := <-leases
		assert.Equal(t, first.ID(), l.ID())
		require.NoError(t, p.Release(l))
	}
}

func TestFreedSlotGoesToWaiter(t *testing.T) {
	ctx := context.Background()
	p, _ := newTestPool(t, Config{MaxTotal: 1, MaxWait: 5 * time.Second, TestOnReturn: true})

	l, err := p.Borrow(ctx)
	require.NoError(t, err)

	got := make(chan *Lease[*fakeValue], 1)
	go func() {
		w, err := p.Borrow(ctx)
		if err == nil {
			got <- w
		}
	}()
	require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)

	l.Value().valid.Store(false)
	require.NoError(t, p.Release(l))

	select {
	case w := <-got:
		assert.Equal(t, 2, w.Value().id)
		assert.Equal(t, 1, p.Stats().Live)
		require.NoError(t, p.Release(w))
	case <-time.After(time.Second):
		t.Fatal("waiter was not handed the freed slot")
	}
}

func TestExecute(t *testing.T) {
	ctx := context.Background()

	t.Run("releases the lease when fn fails", func(t *testing.T) {
		p, _ := newTestPool(t, DefaultConfig())
		boom := errors.New("boom")

		err := p.Execute(ctx, func(*fakeValue) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.Zero(t, p.Stats().Leased)
	})

	t.Run("recovers panics and releases the lease", func(t *testing.T) {
		p, _ := newTestPool(t, DefaultConfig())

		err := p.Execute(ctx, func(*fakeValue) error { panic("channel exploded") })
		require.Error(t, err)
		assert.Contains(t, err.Error(), "channel exploded")
		assert.Zero(t, p.Stats().Leased)
	})
}

func TestRenew(t *testing.T) {
	ctx := context.Background()
	p, factory := newTestPool(t, Config{MaxTotal: 1, MaxIdle: 1, MaxWait: time.Second})

	err := p.WithLease(ctx, func(l *Lease[*fakeValue]) error {
		require.Equal(t, 1, l.Value().id)
		require.NoError(t, l.Renew(ctx))
		assert.Equal(t, 2, l.Value().id)
		return nil
	})
	require.NoError(t, err)

	live, _, destroyed := factory.snapshot()
	assert.Equal(t, 1, live)
	assert.Equal(t, []int{1}, destroyed)
	assert.Equal(t, 1, p.Stats().Live)

	t.Run("a failed renew frees the slot on release", func(t *testing.T) {
		l, err := p.Borrow(ctx)
		require.NoError(t, err)

		factory.mu.Lock()
		factory.createErr = errors.New("no channel")
		factory.mu.Unlock()
		require.Error(t, l.Renew(ctx))

		require.NoError(t, p.Release(l))
		assert.Zero(t, p.Stats().Live)
	})
}

func TestDiscard(t *testing.T) {
	ctx := context.Background()

	t.Run("destroys the value and frees its slot", func(t *testing.T) {
		p, factory := newTestPool(t, Config{MaxTotal: 1, MaxIdle: 1, MaxWait: time.Second})

		l, err := p.Borrow(ctx)
		require.NoError(t, err)
		require.NoError(t, p.Discard(l))

		_, _, destroyed := factory.snapshot()
		assert.Equal(t, []int{1}, destroyed)
		assert.Equal(t, Stats{MaxTotal: 1}, p.Stats())
		assert.ErrorIs(t, p.Discard(l), ErrLeaseReleased)
		assert.ErrorIs(t, p.Release(l), ErrLeaseReleased)
	})

	t.Run("hands the freed slot to a waiter", func(t *testing.T) {
		p, _ := newTestPool(t, Config{MaxTotal: 1, MaxIdle: 1, MaxWait: 5 * time.Second})

		l, err := p.Borrow(ctx)
		require.NoError(t, err)

		got := make(chan int, 1)
		go func() {
			next, err := p.Borrow(ctx)
			if err != nil {
				got <- -1
				return
			}
			got <- next.Value().id
		}()

		require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, 5*time.Millisecond)
		require.NoError(t, p.Discard(l))
		assert.Equal(t, 2, <-got)
	})
}

func TestDestroy(t *testing.T) {
	ctx := context.Background()

	t.Run("destroys idle and leased values and closes the factory", func(t *testing.T) {
		p, factory := newTestPool(t, DefaultConfig())

		idle, err := p.Borrow(ctx)
		require.NoError(t, err)
		held, err := p.Borrow(ctx)
		require.NoError(t, err)
		require.NoError(t, p.Release(idle))

		require.NoError(t, p.Destroy())
		require.NoError(t, p.Destroy())

		live, _, destroyed := factory.snapshot()
		assert.Zero(t, live)
		assert.ElementsMatch(t, []int{1, 2}, destroyed)
		assert.Equal(t, 1, factory.closeCalls)

		// a late release must not destroy twice
		require.NoError(t, p.Release(held))
		_, _, destroyed = factory.snapshot()
		assert.Len(t, destroyed, 2)

		_, err = p.Borrow(ctx)
		assert.ErrorIs(t, err, ErrPoolClosed)
	})

	t.Run("fails pending borrowers", func(t *testing.T) {
		factory := &fakeFactory{}
		p, err := New[*fakeValue](factory, Config{MaxTotal: 1, MaxWait: 5 * time.Second})
		require.NoError(t, err)

		_, err = p.Borrow(ctx)
		require.NoError(t, err)

		errs := make(chan error, 1)
		go func() {
			_, err := p.Borrow(ctx)
			errs <- err
		}()
		require.Eventually(t, func() bool { return p.Stats().Waiting == 1 }, time.Second, time.Millisecond)

		require.NoError(t, p.Destroy())
		assert.ErrorIs(t, <-errs, ErrPoolClosed)
	})
}
