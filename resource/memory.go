package resource

import (
	"context"
	"sync"
)

// MemoryStore holds documents in process memory. Two Resource handles
// obtained for the same id share the same slot, which makes the store useful
// for tests and for scratch collections that never touch disk.
type MemoryStore struct {
	mu    sync.RWMutex
	slots map[string]*memorySlot
}

type memorySlot struct {
	value   any
	exists  bool
	version uint64
}

// NewMemoryStore returns a new empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[string]*memorySlot)}
}

// Resource returns a handle on the slot for id. The slot is created lazily on
// first save.
func (s *MemoryStore) Resource(id string) *MemoryResource {
	return &MemoryResource{store: s, id: id}
}

// Keys returns the ids of all existing documents.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.slots))
	for k, slot := range s.slots {
		if slot.exists {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()
	return keys
}

// Delete removes the document for id, if any.
func (s *MemoryStore) Delete(id string) {
	s.mu.Lock()
	if slot, ok := s.slots[id]; ok {
		slot.value = nil
		slot.exists = false
		slot.version++
	}
	s.mu.Unlock()
}

func (s *MemoryStore) slot(id string) *memorySlot {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.slots[id]
	if !ok {
		slot = &memorySlot{}
		s.slots[id] = slot
	}
	return slot
}

// MemoryResource is a Resource view on one MemoryStore slot.
type MemoryResource struct {
	store *MemoryStore
	id    string
}

// ID implements Resource.ID.
func (r *MemoryResource) ID() string { return r.id }

// Load implements Resource.Load. The returned tree is a deep copy; callers
// may mutate it freely.
func (r *MemoryResource) Load(ctx context.Context) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.store.mu.RLock()
	slot, ok := r.store.slots[r.id]
	if !ok || !slot.exists {
		r.store.mu.RUnlock()
		return nil, nil
	}
	v := Clone(slot.value)
	r.store.mu.RUnlock()
	return v, nil
}

// Save implements Resource.Save.
func (r *MemoryResource) Save(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	slot := r.store.slot(r.id)
	r.store.mu.Lock()
	slot.value = Clone(v)
	slot.exists = true
	slot.version++
	r.store.mu.Unlock()
	return nil
}

// Fingerprint implements Fingerprinted using a per-slot write counter.
func (r *MemoryResource) Fingerprint() (Fingerprint, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	slot, ok := r.store.slots[r.id]
	if !ok || !slot.exists {
		return Fingerprint{}, nil
	}
	return Fingerprint{Exists: true, Version: slot.version}, nil
}
