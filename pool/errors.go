package pool

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrBorrowTimeout        = errors.New("pool: timed out waiting for a free value")
	ErrPoolClosed           = errors.New("pool: pool is closed")
	ErrInvalidConfiguration = errors.New("pool: invalid configuration")
	ErrLeaseReleased        = errors.New("pool: lease already released")
	ErrForeignLease         = errors.New("pool: lease does not belong to this pool")
)

// PoolError represents a failed pool operation
type PoolError struct {
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *PoolError) Error() string {
	return fmt.Sprintf("pool error: %s failed: %v", e.Op, e.Err)
}

func (e *PoolError) Unwrap() error {
	return e.Err
}

func newPoolError(op string, err error) *PoolError {
	return &PoolError{Op: op, Err: err, Timestamp: time.Now()}
}

// IsBorrowTimeout reports whether err is a borrow timeout
func IsBorrowTimeout(err error) bool {
	return errors.Is(err, ErrBorrowTimeout)
}
