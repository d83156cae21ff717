package config

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// FileStore reads properties from a config file. Any format viper reads
// works; nested YAML or JSON keys flatten to dotted names.
type FileStore struct {
	v      *viper.Viper
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	props Properties

	watchOnce sync.Once
	watchers  listeners
}

// NewFileStore reads path and returns a store over its contents
func NewFileStore(path string, opts ...Option) (*FileStore, error) {
	o := newOptions(opts)

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	s := &FileStore{
		v:      v,
		path:   path,
		logger: o.logger,
	}
	s.props = s.snapshot()
	return s, nil
}

func (s *FileStore) snapshot() Properties {
	keys := s.v.AllKeys()
	m := make(map[string]string, len(keys))
	for _, k := range keys {
		m[k] = s.v.GetString(k)
	}
	return NewProperties(m)
}

// Properties returns the last read contents of the file
func (s *FileStore) Properties(context.Context) (Properties, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.props.Clone(), nil
}

// Watch re-reads the file when it changes and calls fn until ctx ends
func (s *FileStore) Watch(ctx context.Context, fn func(Properties)) error {
	s.watchers.add(ctx, fn)
	s.watchOnce.Do(func() {
		s.v.OnConfigChange(func(e fsnotify.Event) {
			props := s.snapshot()
			s.mu.Lock()
			s.props = props
			s.mu.Unlock()

			s.logger.Info("config file changed", "file", e.Name, "op", e.Op.String())
			s.watchers.notify(props)
		})
		s.v.WatchConfig()
	})
	return nil
}

// Path returns the file the store reads
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Close() error { return nil }
