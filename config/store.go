package config

import (
	"context"
	"log/slog"
	"sync"
)

// Store supplies bus properties
type Store interface {
	Properties(ctx context.Context) (Properties, error)
	Close() error
}

// Watcher is implemented by stores that report changes. fn receives the new
// properties after every change until ctx ends.
type Watcher interface {
	Watch(ctx context.Context, fn func(Properties)) error
}

// Option configures a store
type Option func(*options)

type options struct {
	logger  *slog.Logger
	key     string
	channel string
	owned   bool
}

func newOptions(opts []Option) options {
	o := options{
		logger:  slog.Default(),
		key:     DefaultRedisKey,
		channel: DefaultRedisChannel,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithLogger sets the store logger
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// listeners fans property changes out to watchers
type listeners struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(Properties)
}

func (l *listeners) add(ctx context.Context, fn func(Properties)) {
	l.mu.Lock()
	if l.fns == nil {
		l.fns = make(map[int]func(Properties))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	l.mu.Unlock()

	context.AfterFunc(ctx, func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	})
}

func (l *listeners) notify(p Properties) {
	l.mu.Lock()
	fns := make([]func(Properties), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn(p.Clone())
	}
}
