package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sethvargo/go-retry"

	"github.com/glimte/mbus-go/broker"
)

const (
	defaultDialTimeout    = 30 * time.Second
	defaultReconnectDelay = 5 * time.Second
	maxReconnectDelay     = 5 * time.Minute
)

// ConnectionManager owns one AMQP connection, reconnecting in the background
// when the broker drops it. It satisfies broker.Connection.
type ConnectionManager struct {
	url            string
	name           string
	conn           *amqp.Connection
	mu             sync.RWMutex
	reconnectDelay time.Duration
	dialTimeout    time.Duration
	maxRetries     int
	connectRetries int
	logger         *slog.Logger
	notifyClose    chan *amqp.Error
	isConnected    bool
	done           chan struct{}
	closeOnce      sync.Once
}

var _ broker.Connection = (*ConnectionManager)(nil)

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets the base delay of the reconnect backoff
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithMaxRetries caps reconnection attempts after a drop. Zero or less retries forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithConnectRetries sets how many extra dial attempts Connect makes
func WithConnectRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.connectRetries = retries
	}
}

// WithDialTimeout bounds a single dial
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithConnectionName sets the connection_name client property shown in the management UI
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.name = name
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		reconnectDelay: defaultReconnectDelay,
		dialTimeout:    defaultDialTimeout,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	attempts := 0
	backoff := retry.WithMaxRetries(uint64(max(cm.connectRetries, 0)), retry.NewExponential(cm.reconnectDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		conn, err := cm.dial(ctx)
		if err != nil {
			cm.logger.Debug("dial failed", "url", SanitizeURL(cm.url), "attempt", attempts, "error", err)
			return retry.RetryableError(err)
		}
		cm.attachLocked(conn)
		return nil
	})
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  attempts,
		}
	}

	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	go cm.handleReconnect()
	return nil
}

func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	props := amqp.NewConnectionProperties()
	if cm.name != "" {
		props.SetClientConnectionName(cm.name)
	}

	timeout := cm.dialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}

	return amqp.DialConfig(cm.url, amqp.Config{
		Dial:       amqp.DefaultDial(timeout),
		Properties: props,
	})
}

// attachLocked installs conn as the live connection. Callers hold cm.mu.
func (cm *ConnectionManager) attachLocked(conn *amqp.Connection) {
	cm.conn = conn
	cm.isConnected = true
	cm.notifyClose = conn.NotifyClose(make(chan *amqp.Error, 1))
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}

	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// Channel opens a new channel on the current connection
func (cm *ConnectionManager) Channel() (broker.Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: err, Timestamp: time.Now()}
	}
	return NewChannel(ch), nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// IsOpen reports whether channels can be opened right now
func (cm *ConnectionManager) IsOpen() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected && cm.conn != nil && !cm.conn.IsClosed()
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.closeOnce.Do(func() { close(cm.done) })

	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.isConnected = false
	if cm.conn == nil {
		return nil
	}

	conn := cm.conn
	cm.conn = nil
	if conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

// handleReconnect waits for the connection to drop and dials again
func (cm *ConnectionManager) handleReconnect() {
	for {
		cm.mu.RLock()
		notify := cm.notifyClose
		cm.mu.RUnlock()

		select {
		case err, ok := <-notify:
			if !ok && err == nil {
				// a clean close from our side also closes the notify channel
				select {
				case <-cm.done:
					return
				default:
				}
			}
			if err != nil {
				cm.logger.Error("connection closed", "error", err)
			}

			cm.mu.Lock()
			cm.isConnected = false
			cm.conn = nil
			cm.mu.Unlock()

			if !cm.reconnect() {
				return
			}

		case <-cm.done:
			cm.logger.Info("connection manager shutting down")
			return
		}
	}
}

// reconnect dials with capped, jittered exponential backoff. It reports
// whether a connection was re-established.
func (cm *ConnectionManager) reconnect() bool {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-cm.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	var backoff retry.Backoff = retry.NewExponential(cm.reconnectDelay)
	backoff = retry.WithJitterPercent(25, backoff)
	backoff = retry.WithCappedDuration(maxReconnectDelay, backoff)
	if cm.maxRetries > 0 {
		backoff = retry.WithMaxRetries(uint64(cm.maxRetries), backoff)
	}

	start := time.Now()
	attempts := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		cm.logger.Info("attempting to reconnect", "attempt", attempts, "maxRetries", cm.maxRetries)

		conn, err := cm.dial(ctx)
		if err != nil {
			cm.logger.Error("reconnection failed", "error", err, "attempt", attempts)
			return retry.RetryableError(err)
		}

		cm.mu.Lock()
		defer cm.mu.Unlock()
		select {
		case <-cm.done:
			_ = conn.Close()
			return context.Canceled
		default:
		}
		cm.attachLocked(conn)
		return nil
	})
	if err != nil {
		if ctx.Err() == nil {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", attempts,
				"duration", time.Since(start),
				"error", &ConnectionError{
					Op:        "reconnect",
					URL:       SanitizeURL(cm.url),
					Err:       ErrMaxRetriesExceeded,
					Timestamp: time.Now(),
					Attempts:  attempts,
				})
		}
		return false
	}

	cm.logger.Info("successfully reconnected to RabbitMQ",
		"attempts", attempts,
		"duration", time.Since(start))
	return true
}
