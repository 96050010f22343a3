package lock

import (
	"context"
	"sync"
)

// MemoryStore implements Store using local memory. It is primarily useful in
// tests and for serializing goroutines within one process.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]State
}

// NewMemoryStore returns a new in-memory lock store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]State)}
}

// Get implements Store.Get.
func (s *MemoryStore) Get(ctx context.Context, id string) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	s.mu.Lock()
	cur := s.records[id]
	s.mu.Unlock()
	return cur, nil
}

// Swap implements Store.Swap.
func (s *MemoryStore) Swap(ctx context.Context, id string, old, new State) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[id] != old {
		return false, nil
	}
	if new == (State{}) {
		delete(s.records, id)
	} else {
		s.records[id] = new
	}
	return true, nil
}
