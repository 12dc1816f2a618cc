// Package idempotency skips records whose handler already succeeded once.
// Delivery is at-least-once, so a record committed late, or redelivered
// after a rebalance, can reach a handler twice; wrapping the handler with
// a Store turns those repeats into no-ops.
package idempotency

import (
	"context"
	"sync"
)

type Store interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

// LRUStore remembers the most recent capacity keys in process memory.
type LRUStore struct {
	mu       sync.Mutex
	capacity int
	keys     map[string]struct{}
	order    []string
}

func NewLRUStore(capacity int) *LRUStore {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LRUStore{
		capacity: capacity,
		keys:     make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
	}
}

func (s *LRUStore) Seen(_ context.Context, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.keys[key]
	return exists, nil
}

func (s *LRUStore) Mark(_ context.Context, key string) error {
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[key]; exists {
		return nil
	}
	if len(s.order) >= s.capacity {
		evicted := s.order[0]
		s.order = s.order[1:]
		delete(s.keys, evicted)
	}
	s.keys[key] = struct{}{}
	s.order = append(s.order, key)
	return nil
}

func (s *LRUStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

type NoopStore struct{}

func (NoopStore) Seen(context.Context, string) (bool, error) { return false, nil }
func (NoopStore) Mark(context.Context, string) error         { return nil }
