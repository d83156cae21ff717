package pool

import (
	"container/list"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// Factory builds, checks and tears down pooled values
type Factory[T any] interface {
	// Create builds a new value
	Create(ctx context.Context) (T, error)
	// Validate reports whether a value is still usable
	Validate(v T) bool
	// Destroy releases a value's resources
	Destroy(v T) error
}

// Option configures a pool
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// item is one live value owned by the pool
type item[T any] struct {
	id        string
	value     T
	createdAt time.Time
	broken    bool
	destroyed atomic.Bool
}

// grant is what a waiter receives: a value, a reserved slot (item == nil) or an error
type grant[T any] struct {
	item *item[T]
	err  error
}

type waiter[T any] struct {
	ch      chan grant[T]
	granted bool
}

// Pool is a bounded pool of values built by a Factory
type Pool[T any] struct {
	factory Factory[T]
	cfg     Config
	logger  *slog.Logger

	mu      sync.Mutex
	idle    []*item[T]
	leased  map[*item[T]]struct{}
	live    int
	waiters *list.List
	closed  bool
}

// Stats is a snapshot of pool occupancy
type Stats struct {
	MaxTotal int
	Live     int
	Idle     int
	Leased   int
	Waiting  int
}

// New creates a pool. No values are created until the first Borrow.
func New[T any](factory Factory[T], cfg Config, opts ...Option) (*Pool[T], error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: factory is required", ErrInvalidConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	return &Pool[T]{
		factory: factory,
		cfg:     cfg,
		logger:  o.logger,
		leased:  make(map[*item[T]]struct{}),
		waiters: list.New(),
	}, nil
}

// Config returns the pool configuration
func (p *Pool[T]) Config() Config {
	return p.cfg
}

// Borrow leases a value, creating one when the pool is below MaxTotal and
// otherwise waiting up to MaxWait for another borrower to release one.
func (p *Pool[T]) Borrow(ctx context.Context) (*Lease[T], error) {
	var deadline <-chan time.Time
	if p.cfg.MaxWait > 0 {
		timer := time.NewTimer(p.cfg.MaxWait)
		defer timer.Stop()
		deadline = timer.C
	}

	it, reserved, err := p.acquire(ctx, deadline)
	if err != nil {
		return nil, err
	}

	if !reserved && p.cfg.TestOnBorrow && !p.factory.Validate(it.value) {
		p.logger.Warn("discarding invalid pooled value", "id", it.id)
		p.mu.Lock()
		delete(p.leased, it)
		p.mu.Unlock()
		p.destroyItem(it)
		// keep the slot and build a replacement in it
		reserved = true
	}

	if reserved {
		if it, err = p.create(ctx); err != nil {
			return nil, err
		}
	}

	return &Lease[T]{item: it, pool: p, borrowedAt: time.Now()}, nil
}

// acquire returns an idle item, or reserved=true when the caller owns a free
// slot and must create the value itself.
func (p *Pool[T]) acquire(ctx context.Context, deadline <-chan time.Time) (*item[T], bool, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false, newPoolError("borrow", ErrPoolClosed)
	}

	if p.waiters.Len() == 0 {
		if n := len(p.idle); n > 0 {
			it := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.leased[it] = struct{}{}
			p.mu.Unlock()
			return it, false, nil
		}
		if p.live < p.cfg.MaxTotal {
			p.live++
			p.mu.Unlock()
			return nil, true, nil
		}
	}

	if p.cfg.MaxWait == 0 {
		p.mu.Unlock()
		return nil, false, newPoolError("borrow", ErrBorrowTimeout)
	}

	w := &waiter[T]{ch: make(chan grant[T], 1)}
	elem := p.waiters.PushBack(w)
	p.mu.Unlock()

	var cause error
	select {
	case g := <-w.ch:
		return g.item, g.item == nil && g.err == nil, g.err
	case <-deadline:
		cause = ErrBorrowTimeout
	case <-ctx.Done():
		cause = ctx.Err()
	}

	p.mu.Lock()
	if !w.granted {
		p.waiters.Remove(elem)
		p.mu.Unlock()
		p.logger.Debug("borrow gave up waiting", "error", cause, "maxWait", p.cfg.MaxWait)
		return nil, false, newPoolError("borrow", cause)
	}
	p.mu.Unlock()

	// granted while giving up: the grant is already buffered, take it
	g := <-w.ch
	return g.item, g.item == nil && g.err == nil, g.err
}

// create fills a reserved slot
func (p *Pool[T]) create(ctx context.Context) (*item[T], error) {
	v, err := p.factory.Create(ctx)
	if err != nil {
		p.mu.Lock()
		if !p.closed {
			p.live--
			p.grantSlotLocked()
		}
		p.mu.Unlock()
		return nil, newPoolError("create", err)
	}

	it := &item[T]{
		id:        uuid.New().String(),
		value:     v,
		createdAt: time.Now(),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroyItem(it)
		return nil, newPoolError("create", ErrPoolClosed)
	}
	p.leased[it] = struct{}{}
	p.mu.Unlock()

	p.logger.Debug("created pooled value", "id", it.id)
	return it, nil
}

// Release returns a leased value to the pool. Invalid values are destroyed,
// valid ones go to the oldest waiter or back to the idle set.
func (p *Pool[T]) Release(l *Lease[T]) error {
	if l == nil || l.pool != p {
		return newPoolError("release", ErrForeignLease)
	}
	if !l.released.CompareAndSwap(false, true) {
		return newPoolError("release", ErrLeaseReleased)
	}

	it := l.item
	valid := !it.broken
	if valid && p.cfg.TestOnReturn && !p.factory.Validate(it.value) {
		p.logger.Warn("discarding invalid returned value", "id", it.id)
		valid = false
	}

	p.mu.Lock()
	delete(p.leased, it)

	if p.closed {
		p.mu.Unlock()
		p.destroyItem(it)
		return nil
	}

	if !valid {
		p.live--
		p.grantSlotLocked()
		p.mu.Unlock()
		p.destroyItem(it)
		return nil
	}

	if e := p.waiters.Front(); e != nil {
		w := p.waiters.Remove(e).(*waiter[T])
		w.granted = true
		p.leased[it] = struct{}{}
		w.ch <- grant[T]{item: it}
		p.mu.Unlock()
		return nil
	}

	if len(p.idle) >= p.cfg.MaxIdle {
		p.live--
		p.mu.Unlock()
		p.destroyItem(it)
		return nil
	}

	p.idle = append(p.idle, it)
	p.mu.Unlock()
	return nil
}

// Discard gives a lease back and destroys its value instead of pooling it.
// Use it for values known to be unusable.
func (p *Pool[T]) Discard(l *Lease[T]) error {
	if l == nil || l.pool != p {
		return newPoolError("discard", ErrForeignLease)
	}
	if !l.released.CompareAndSwap(false, true) {
		return newPoolError("discard", ErrLeaseReleased)
	}

	it := l.item
	p.mu.Lock()
	delete(p.leased, it)
	if !p.closed {
		p.live--
		p.grantSlotLocked()
	}
	p.mu.Unlock()

	p.destroyItem(it)
	return nil
}

// grantSlotLocked hands a free slot to the oldest waiter. Callers hold p.mu.
func (p *Pool[T]) grantSlotLocked() {
	if p.live >= p.cfg.MaxTotal {
		return
	}
	e := p.waiters.Front()
	if e == nil {
		return
	}
	w := p.waiters.Remove(e).(*waiter[T])
	w.granted = true
	p.live++
	w.ch <- grant[T]{}
}

// renew replaces a leased item's value in place
func (p *Pool[T]) renew(ctx context.Context, it *item[T]) error {
	p.destroyItem(it)

	v, err := p.factory.Create(ctx)
	p.mu.Lock()
	defer p.mu.Unlock()
	if err != nil {
		it.broken = true
		return newPoolError("renew", err)
	}
	it.value = v
	it.broken = false
	it.destroyed.Store(false)
	return nil
}

func (p *Pool[T]) destroyItem(it *item[T]) {
	p.mu.Lock()
	v, broken := it.value, it.broken
	p.mu.Unlock()

	if broken || !it.destroyed.CompareAndSwap(false, true) {
		return
	}
	if err := p.factory.Destroy(v); err != nil {
		p.logger.Debug("failed to destroy pooled value", "id", it.id, "error", err)
	}
}

// Execute runs fn with a leased value and releases it whatever fn returns
func (p *Pool[T]) Execute(ctx context.Context, fn func(T) error) error {
	return p.WithLease(ctx, func(l *Lease[T]) error {
		return fn(l.Value())
	})
}

// WithLease runs fn with a lease and releases it on every path, including panics
func (p *Pool[T]) WithLease(ctx context.Context, fn func(*Lease[T]) error) error {
	l, err := p.Borrow(ctx)
	if err != nil {
		return err
	}
	defer p.Release(l)

	var execErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("panic in pooled execution: %v", r)
			}
		}()
		execErr = fn(l)
	}()

	return execErr
}

// Stats returns a snapshot of the pool occupancy
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		MaxTotal: p.cfg.MaxTotal,
		Live:     p.live,
		Idle:     len(p.idle),
		Leased:   len(p.leased),
		Waiting:  p.waiters.Len(),
	}
}

// Destroy tears down idle and leased values, fails pending borrowers and
// closes the factory when it implements io.Closer. Calling it again is a no-op.
func (p *Pool[T]) Destroy() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	victims := make([]*item[T], 0, len(p.idle)+len(p.leased))
	victims = append(victims, p.idle...)
	for it := range p.leased {
		victims = append(victims, it)
	}
	p.idle = nil
	p.leased = make(map[*item[T]]struct{})
	p.live = 0

	for e := p.waiters.Front(); e != nil; e = p.waiters.Front() {
		w := p.waiters.Remove(e).(*waiter[T])
		w.granted = true
		w.ch <- grant[T]{err: newPoolError("borrow", ErrPoolClosed)}
	}
	p.mu.Unlock()

	for _, it := range victims {
		p.destroyItem(it)
	}

	p.logger.Debug("pool destroyed", "values", len(victims))

	if closer, ok := p.factory.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return newPoolError("destroy", err)
		}
	}
	return nil
}
