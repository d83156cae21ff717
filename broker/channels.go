package broker

import (
	"context"
	"log/slog"
	"math"

	"github.com/glimte/mbus-go/pool"
)

// ChannelPool is a pool of broker channels opened on one connection
type ChannelPool = pool.Pool[Channel]

// Lease is exclusive use of one pooled channel
type Lease = pool.Lease[Channel]

// ChannelFactory opens channels on a connection for a ChannelPool.
// Closing the factory closes the connection.
type ChannelFactory struct {
	conn   Connection
	logger *slog.Logger
}

// NewChannelFactory creates a factory over conn
func NewChannelFactory(conn Connection, logger *slog.Logger) *ChannelFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelFactory{conn: conn, logger: logger}
}

// Create opens a channel
func (f *ChannelFactory) Create(ctx context.Context) (Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !f.conn.IsOpen() {
		return nil, ErrConnectionClosed
	}
	return f.conn.Channel()
}

// Validate reports whether the channel is still open
func (f *ChannelFactory) Validate(ch Channel) bool {
	return ch != nil && ch.IsOpen()
}

// Destroy closes the channel if the broker has not already done so
func (f *ChannelFactory) Destroy(ch Channel) error {
	if ch == nil || !ch.IsOpen() {
		return nil
	}
	return ch.Close()
}

// Close closes the underlying connection
func (f *ChannelFactory) Close() error {
	if !f.conn.IsOpen() {
		return nil
	}
	f.logger.Debug("closing broker connection")
	return f.conn.Close()
}

// NewChannelPool creates a bounded channel pool over conn. Destroying the
// pool closes conn.
func NewChannelPool(conn Connection, cfg pool.Config, logger *slog.Logger) (*ChannelPool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return pool.New[Channel](NewChannelFactory(conn, logger), cfg, pool.WithLogger(logger))
}

// NewDirectChannels creates an unpooled channel source: every lease opens a
// fresh channel and closes it again on release.
func NewDirectChannels(conn Connection, logger *slog.Logger) (*ChannelPool, error) {
	return NewChannelPool(conn, pool.Config{
		MaxTotal: math.MaxInt32,
		MaxIdle:  0,
		MaxWait:  -1,
	}, logger)
}
