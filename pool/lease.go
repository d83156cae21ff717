package pool

import (
	"context"
	"time"

	"go.uber.org/atomic"
)

// Lease is exclusive ownership of one pooled value between Borrow and Release.
// A lease must not be shared between goroutines.
type Lease[T any] struct {
	item       *item[T]
	pool       *Pool[T]
	borrowedAt time.Time
	released   atomic.Bool
}

// Value returns the leased value
func (l *Lease[T]) Value() T {
	return l.item.value
}

// ID identifies the pooled value behind the lease
func (l *Lease[T]) ID() string {
	return l.item.id
}

// BorrowedAt returns when the lease was handed out
func (l *Lease[T]) BorrowedAt() time.Time {
	return l.borrowedAt
}

// Released reports whether the lease was already given back
func (l *Lease[T]) Released() bool {
	return l.released.Load()
}

// Renew destroys the leased value and replaces it with a fresh one without
// giving up the pool slot. If creation fails the lease stays broken and its
// slot is freed on Release.
func (l *Lease[T]) Renew(ctx context.Context) error {
	if l.released.Load() {
		return newPoolError("renew", ErrLeaseReleased)
	}
	return l.pool.renew(ctx, l.item)
}
