package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultRedisKey is the hash holding the properties
	DefaultRedisKey = "mbus:config"
	// DefaultRedisChannel carries change notifications
	DefaultRedisChannel = "mbus:config:changed"
)

// WithRedisKey sets the hash key read by a RedisStore
func WithRedisKey(key string) Option {
	return func(o *options) { o.key = key }
}

// WithRedisChannel sets the pub/sub channel a RedisStore watches
func WithRedisChannel(channel string) Option {
	return func(o *options) { o.channel = channel }
}

// WithOwnedClient makes Close close the redis client
func WithOwnedClient() Option {
	return func(o *options) { o.owned = true }
}

// RedisStore reads properties from a redis hash. Writers announce changes on
// a pub/sub channel.
type RedisStore struct {
	client  redis.UniversalClient
	key     string
	channel string
	owned   bool
	logger  *slog.Logger
}

// NewRedisStore returns a store backed by client
func NewRedisStore(client redis.UniversalClient, opts ...Option) *RedisStore {
	o := newOptions(opts)
	return &RedisStore{
		client:  client,
		key:     o.key,
		channel: o.channel,
		owned:   o.owned,
		logger:  o.logger,
	}
}

// Properties reads the whole hash
func (s *RedisStore) Properties(ctx context.Context) (Properties, error) {
	m, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", s.key, err)
	}
	return NewProperties(m), nil
}

// Put writes values into the hash and announces the change
func (s *RedisStore) Put(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	fields := make(map[string]any, len(values))
	for k, v := range values {
		fields[normalize(k)] = v
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.key, fields)
		pipe.Publish(ctx, s.channel, s.key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("config: write %s: %w", s.key, err)
	}
	return nil
}

// Watch subscribes to change notifications and calls fn with the re-read
// hash until ctx ends. It returns once the subscription is confirmed.
func (s *RedisStore) Watch(ctx context.Context, fn func(Properties)) error {
	sub := s.client.Subscribe(ctx, s.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("config: subscribe %s: %w", s.channel, err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				props, err := s.Properties(ctx)
				if err != nil {
					s.logger.Warn("config reload failed", "key", s.key, "error", err)
					continue
				}
				fn(props)
			}
		}
	}()
	return nil
}

func (s *RedisStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}
