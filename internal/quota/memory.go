package quota

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store. A single mutex serializes all
// check-and-increments, which keeps the per-key invariant trivially.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[string]int64
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counters: make(map[string]int64)}
}

func (s *MemoryStore) CheckAndConsume(_ context.Context, key string, max int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.counters[key]
	if !ok {
		s.counters[key] = 1
		return true, nil
	}
	if current < max {
		s.counters[key] = current + 1
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) Refund(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.counters[key] > 0 {
		s.counters[key]--
	}
	return nil
}

func (s *MemoryStore) Count(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[key], nil
}
