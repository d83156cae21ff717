// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/glimte/mbus-go/broker"
	"github.com/glimte/mbus-go/config"
	"github.com/glimte/mbus-go/contracts"
	"github.com/glimte/mbus-go/handler"
	"github.com/glimte/mbus-go/health"
	"github.com/glimte/mbus-go/internal/rabbitmq"
	"github.com/glimte/mbus-go/topology"
)

var (
	// ErrConnectFailure wraps every store, settings or dial failure during Open
	ErrConnectFailure = errors.New("mbus: connect failure")
	// ErrNotOpen is returned by accessors before Open succeeds or after Close
	ErrNotOpen = errors.New("mbus: bus is not open")
	// ErrClosed is returned by Open after Close
	ErrClosed = errors.New("mbus: bus is closed")
	// ErrNotSubscribed is returned when the chain stops a consume request
	// without starting a subscription
	ErrNotSubscribed = errors.New("mbus: chain did not subscribe")
)

// Dialer opens a broker connection for url
type Dialer func(ctx context.Context, url string) (broker.Connection, error)

// Authenticator checks that appKey may use the bus at all. Per-operation
// checks belong to a handler.Authorizer.
type Authenticator func(ctx context.Context, appKey string) error

// Bus owns the broker connection, the channel source and the handler chain
// shared by producers, consumers and the topology planner.
type Bus struct {
	appKey string
	store  config.Store
	logger *slog.Logger

	dial           Dialer
	authenticate   Authenticator
	authorizer     handler.Authorizer
	handlers       []handler.Handler
	consumerOpts   []handler.ConsumerOption
	connectRetries int
	retries        int
	retryBase      time.Duration

	openOnce sync.Once
	openErr  error
	opened   atomic.Bool
	closed   atomic.Bool

	settings  config.Settings
	conn      broker.Connection
	channels  *broker.ChannelPool
	planner   *topology.Planner
	chain     *handler.Chain
	producer  *Producer
	consumer  *Consumer
	stopWatch context.CancelFunc

	subsMu sync.Mutex
	subs   map[contracts.Subscription]struct{}
}

// Option configures a Bus
type Option func(*Bus)

// WithLogger sets the logger for the bus and everything it opens
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithDialer replaces the RabbitMQ dialer
func WithDialer(dial Dialer) Option {
	return func(b *Bus) {
		b.dial = dial
	}
}

// WithConnectRetries sets how often the default dialer retries the first connect
func WithConnectRetries(retries int) Option {
	return func(b *Bus) {
		b.connectRetries = retries
	}
}

// WithAuthenticator sets the check run once during Open
func WithAuthenticator(authenticate Authenticator) Option {
	return func(b *Bus) {
		b.authenticate = authenticate
	}
}

// WithAuthorizer sets the per-operation authorization used by the chain
func WithAuthorizer(authorizer handler.Authorizer) Option {
	return func(b *Bus) {
		b.authorizer = authorizer
	}
}

// WithHandlers adds handlers to the chain after authorization and before the
// broker terminals
func WithHandlers(handlers ...handler.Handler) Option {
	return func(b *Bus) {
		b.handlers = append(b.handlers, handlers...)
	}
}

// WithRetry retries produce and consume requests that fail on a closed
// channel or connection, or a busy pool
func WithRetry(maxRetries int, base time.Duration) Option {
	return func(b *Bus) {
		b.retries = maxRetries
		b.retryBase = base
	}
}

// WithConsumerOptions configures the consumer terminal
func WithConsumerOptions(opts ...handler.ConsumerOption) Option {
	return func(b *Bus) {
		b.consumerOpts = append(b.consumerOpts, opts...)
	}
}

// New creates a closed bus for appKey reading its settings from store
func New(appKey string, store config.Store, opts ...Option) *Bus {
	b := &Bus{
		appKey:     appKey,
		store:      store,
		logger:     slog.Default(),
		authorizer: handler.AllowAll{},
		subs:       make(map[contracts.Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.dial == nil {
		b.dial = b.dialRabbitMQ
	}
	b.logger = b.logger.With("appKey", appKey)
	return b
}

func (b *Bus) dialRabbitMQ(ctx context.Context, url string) (broker.Connection, error) {
	cm := rabbitmq.NewConnectionManager(url,
		rabbitmq.WithLogger(b.logger),
		rabbitmq.WithConnectionName(b.appKey),
		rabbitmq.WithConnectRetries(b.connectRetries),
	)
	if err := cm.Connect(ctx); err != nil {
		return nil, err
	}
	return cm, nil
}

// Open reads the settings, connects, and builds the channel source and the
// handler chain. Only the first call does any work; later calls return its
// result.
func (b *Bus) Open(ctx context.Context) error {
	if b.closed.Load() {
		return ErrClosed
	}
	b.openOnce.Do(func() {
		b.openErr = b.open(ctx)
		if b.openErr == nil {
			b.opened.Store(true)
		}
	})
	return b.openErr
}

func (b *Bus) open(ctx context.Context) error {
	if b.appKey == "" {
		return fmt.Errorf("%w: %w", ErrConnectFailure, contracts.ErrEmptyAppKey)
	}
	if b.store == nil {
		return fmt.Errorf("%w: no config store", ErrConnectFailure)
	}

	props, err := b.store.Properties(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailure, err)
	}
	settings, err := config.ParseSettings(props)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailure, err)
	}
	b.settings = settings

	url := settings.URL()
	b.logger.Info("connecting to broker", "url", rabbitmq.SanitizeURL(url))
	conn, err := b.dial(ctx, url)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailure, err)
	}

	if b.authenticate != nil {
		if err := b.authenticate(ctx, b.appKey); err != nil {
			_ = conn.Close()
			return fmt.Errorf("%w: %w", handler.ErrUnauthorized, err)
		}
	}

	var channels *broker.ChannelPool
	if settings.UseChannelPool {
		channels, err = broker.NewChannelPool(conn, settings.Pool, b.logger)
	} else {
		channels, err = broker.NewDirectChannels(conn, b.logger)
	}
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %w", ErrConnectFailure, err)
	}

	b.conn = conn
	b.channels = channels
	b.planner = topology.NewPlanner(channels, topology.WithLogger(b.logger))
	b.chain = b.newChain()
	b.producer = &Producer{bus: b}
	b.consumer = &Consumer{bus: b}

	if w, ok := b.store.(config.Watcher); ok {
		watchCtx, cancel := context.WithCancel(context.Background())
		if err := w.Watch(watchCtx, b.onConfigChange); err != nil {
			cancel()
			b.logger.Warn("config watch unavailable", "error", err)
		} else {
			b.stopWatch = cancel
		}
	}

	b.logger.Info("bus open",
		"useChannelPool", settings.UseChannelPool,
		"exchange", settings.Exchange,
		"handlers", b.chain.Names(),
	)
	return nil
}

func (b *Bus) newChain() *handler.Chain {
	handlers := []handler.Handler{
		handler.NewParamValidator(b.logger),
		handler.NewAuthorize(b.authorizer),
		handler.NewLogging(b.logger),
	}
	handlers = append(handlers, b.handlers...)
	if b.retries > 0 {
		handlers = append(handlers, handler.NewRetry(b.retries, b.retryBase, b.logger))
	}
	handlers = append(handlers,
		handler.SkipEmptyProduce(),
		handler.NewPublisher(b.channels, b.logger),
		handler.NewConsumer(b.channels, b.logger, b.consumerOpts...),
	)
	return handler.NewChain(b.logger, handlers...)
}

// onConfigChange reports settings that differ from the open ones. Connection
// and pool settings are applied on the next Open of a new bus.
func (b *Bus) onConfigChange(props config.Properties) {
	next, err := config.ParseSettings(props)
	if err != nil {
		b.logger.Warn("ignoring invalid config change", "error", err)
		return
	}
	if next == b.settings {
		return
	}
	b.logger.Warn("config changed; reopen the bus to apply",
		"useChannelPool", next.UseChannelPool,
		"exchange", next.Exchange,
		"maxTotal", next.Pool.MaxTotal,
	)
}

// IsOpen reports whether Open succeeded and Close has not been called
func (b *Bus) IsOpen() bool {
	return b.opened.Load() && !b.closed.Load()
}

// Settings returns the settings read by Open
func (b *Bus) Settings() (config.Settings, error) {
	if !b.IsOpen() {
		return config.Settings{}, ErrNotOpen
	}
	return b.settings, nil
}

// Producer returns the bus producer
func (b *Bus) Producer() (*Producer, error) {
	if !b.IsOpen() {
		return nil, ErrNotOpen
	}
	return b.producer, nil
}

// Consumer returns the bus consumer
func (b *Bus) Consumer() (*Consumer, error) {
	if !b.IsOpen() {
		return nil, ErrNotOpen
	}
	return b.consumer, nil
}

// Topology returns the planner applying node sets over the bus channels
func (b *Bus) Topology() (*topology.Planner, error) {
	if !b.IsOpen() {
		return nil, ErrNotOpen
	}
	return b.planner, nil
}

// Channels returns the channel source
func (b *Bus) Channels() (*broker.ChannelPool, error) {
	if !b.IsOpen() {
		return nil, ErrNotOpen
	}
	return b.channels, nil
}

// Health checks the connection, the channel source and the given queues
func (b *Bus) Health(ctx context.Context, queues ...string) (health.Report, error) {
	if !b.IsOpen() {
		return health.Report{}, ErrNotOpen
	}
	registry := health.NewRegistry(
		health.NewConnectionChecker(b.conn),
		health.NewChannelPoolChecker(b.channels),
	)
	for _, q := range queues {
		registry.Register(health.NewQueueChecker(q, b.planner))
	}
	return registry.Check(ctx), nil
}

func (b *Bus) track(sub contracts.Subscription) {
	b.subsMu.Lock()
	b.subs[sub] = struct{}{}
	b.subsMu.Unlock()

	go func() {
		<-sub.Done()
		b.subsMu.Lock()
		delete(b.subs, sub)
		b.subsMu.Unlock()
	}()
}

// Close stops every subscription, then releases the channel source, the
// connection and the store. It is safe to call more than once.
func (b *Bus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	if b.stopWatch != nil {
		b.stopWatch()
	}

	var errs []error

	b.subsMu.Lock()
	subs := make([]contracts.Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subsMu.Unlock()
	for _, sub := range subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close subscription %s: %w", sub.Queue(), err))
		}
	}

	// Destroying the pool also closes the connection.
	if b.channels != nil {
		if err := b.channels.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("destroy channels: %w", err))
		}
	} else if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}

	if b.store != nil {
		if err := b.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}

	b.logger.Info("bus closed")
	return errors.Join(errs...)
}
