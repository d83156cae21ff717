package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticStore(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewStaticStore(map[string]string{KeyHost: "rabbit"})

	t.Run("returns a copy", func(t *testing.T) {
		p, err := s.Properties(ctx)
		require.NoError(t, err)
		p[normalize(KeyHost)] = "changed"

		again, err := s.Properties(ctx)
		require.NoError(t, err)
		assert.Equal(t, "rabbit", again.String(KeyHost, ""))
	})

	t.Run("watchers see every set until cancelled", func(t *testing.T) {
		wctx, wcancel := context.WithCancel(ctx)
		var seen []string
		require.NoError(t, s.Watch(wctx, func(p Properties) {
			seen = append(seen, p.String(KeyExchange, ""))
		}))

		s.Set(KeyExchange, "exchange.a")
		wcancel()
		require.Eventually(t, func() bool {
			s.watchers.mu.Lock()
			defer s.watchers.mu.Unlock()
			return len(s.watchers.fns) == 0
		}, time.Second, 10*time.Millisecond)
		s.Set(KeyExchange, "exchange.b")

		assert.Equal(t, []string{"exchange.a"}, seen)
	})
}

func TestFileStore(t *testing.T) {
	ctx := context.Background()

	t.Run("reads a properties file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bus.properties")
		require.NoError(t, os.WriteFile(path, []byte(
			"messagebus.client.host=rabbit\nmessagebus.client.useChannelPool=true\nchannel.pool.maxTotal=3\n",
		), 0o600))

		s, err := NewFileStore(path)
		require.NoError(t, err)
		p, err := s.Properties(ctx)
		require.NoError(t, err)

		settings, err := ParseSettings(p)
		require.NoError(t, err)
		assert.Equal(t, "rabbit", settings.Host)
		assert.True(t, settings.UseChannelPool)
		assert.Equal(t, 3, settings.Pool.MaxTotal)
	})

	t.Run("flattens nested yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bus.yaml")
		require.NoError(t, os.WriteFile(path, []byte(
			"messagebus:\n  client:\n    host: rabbit\n    exchange: exchange.orders\n",
		), 0o600))

		s, err := NewFileStore(path)
		require.NoError(t, err)
		p, err := s.Properties(ctx)
		require.NoError(t, err)
		assert.Equal(t, "rabbit", p.String(KeyHost, ""))
		assert.Equal(t, "exchange.orders", p.String(KeyExchange, ""))
	})

	t.Run("missing file fails", func(t *testing.T) {
		_, err := NewFileStore(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("watch reports rewrites", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bus.yaml")
		require.NoError(t, os.WriteFile(path, []byte("messagebus:\n  client:\n    host: one\n"), 0o600))

		s, err := NewFileStore(path)
		require.NoError(t, err)

		wctx, cancel := context.WithCancel(ctx)
		defer cancel()
		hosts := make(chan string, 8)
		require.NoError(t, s.Watch(wctx, func(p Properties) { hosts <- p.String(KeyHost, "") }))

		require.NoError(t, os.WriteFile(path, []byte("messagebus:\n  client:\n    host: two\n"), 0o600))

		require.Eventually(t, func() bool {
			select {
			case h := <-hosts:
				return h == "two"
			default:
				return false
			}
		}, 5*time.Second, 20*time.Millisecond)

		p, err := s.Properties(ctx)
		require.NoError(t, err)
		assert.Equal(t, "two", p.String(KeyHost, ""))
	})
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()

	newStore := func(t *testing.T) (*miniredis.Miniredis, *RedisStore) {
		t.Helper()
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		return mr, NewRedisStore(client, WithOwnedClient())
	}

	t.Run("reads the hash", func(t *testing.T) {
		mr, s := newStore(t)
		defer s.Close()
		mr.HSet(DefaultRedisKey, "messagebus.client.host", "rabbit")

		p, err := s.Properties(ctx)
		require.NoError(t, err)
		assert.Equal(t, "rabbit", p.String(KeyHost, ""))
	})

	t.Run("put writes normalized keys", func(t *testing.T) {
		mr, s := newStore(t)
		defer s.Close()

		require.NoError(t, s.Put(ctx, map[string]string{KeyUseChannelPool: "true"}))
		assert.Equal(t, "true", mr.HGet(DefaultRedisKey, "messagebus.client.usechannelpool"))
	})

	t.Run("watchers see published changes", func(t *testing.T) {
		_, s := newStore(t)
		defer s.Close()

		wctx, cancel := context.WithCancel(ctx)
		defer cancel()
		got := make(chan Properties, 1)
		require.NoError(t, s.Watch(wctx, func(p Properties) { got <- p }))

		require.NoError(t, s.Put(ctx, map[string]string{KeyExchange: "exchange.orders"}))

		select {
		case p := <-got:
			assert.Equal(t, "exchange.orders", p.String(KeyExchange, ""))
		case <-time.After(5 * time.Second):
			t.Fatal("no change notification")
		}
	})

	t.Run("a dead server fails reads", func(t *testing.T) {
		mr, s := newStore(t)
		defer s.Close()
		mr.Close()

		_, err := s.Properties(ctx)
		assert.Error(t, err)
	})
}
