package config

import (
	"context"
	"sync"
)

// StaticStore holds properties in memory
type StaticStore struct {
	mu       sync.RWMutex
	props    Properties
	watchers listeners
}

// NewStaticStore returns a store seeded with m
func NewStaticStore(m map[string]string) *StaticStore {
	return &StaticStore{props: NewProperties(m)}
}

// Properties returns a copy of the stored properties
func (s *StaticStore) Properties(context.Context) (Properties, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.props.Clone(), nil
}

// Set stores a value and notifies watchers
func (s *StaticStore) Set(key, value string) {
	s.mu.Lock()
	s.props[normalize(key)] = value
	snapshot := s.props.Clone()
	s.mu.Unlock()

	s.watchers.notify(snapshot)
}

// Watch calls fn after every Set until ctx ends
func (s *StaticStore) Watch(ctx context.Context, fn func(Properties)) error {
	s.watchers.add(ctx, fn)
	return nil
}

func (s *StaticStore) Close() error { return nil }
