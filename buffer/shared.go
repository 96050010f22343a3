package buffer

import (
	"context"
	"sort"
	"sync"

	"github.com/glotzerlab/signac-sub002/metrics"
	"github.com/glotzerlab/signac-sub002/resource"
)

// defaultSharedCapacity bounds the number of modified entries.
const defaultSharedCapacity = 4096

// SharedManager buffers resources as live decoded trees. Every collection
// pointing at the same resource is handed the same tree while buffered, so a
// write through one instance is immediately visible to the others without any
// serialization cost. Only modified entries count against the capacity;
// unmodified cached reads are dropped only when the outermost scope closes.
type SharedManager struct {
	capacity int

	mu      sync.Mutex
	depth   int
	seq     uint64
	entries map[string]*sharedEntry
}

type sharedEntry struct {
	res      resource.Resource
	value    any
	modified bool
	fp       resource.Fingerprint
	hasFP    bool
	seq      uint64
}

// SharedOption configures a SharedManager.
type SharedOption func(*SharedManager)

// WithSharedCapacity sets the maximum number of modified entries held before
// the oldest ones are force-flushed. A non-positive value disables forced
// flushing.
func WithSharedCapacity(n int) SharedOption {
	return func(m *SharedManager) {
		m.capacity = n
	}
}

// NewSharedManager returns a manager buffering shared in-memory trees.
func NewSharedManager(opts ...SharedOption) *SharedManager {
	m := &SharedManager{
		capacity: defaultSharedCapacity,
		entries:  make(map[string]*sharedEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Scope implements Manager.Scope.
func (m *SharedManager) Scope() *Scope {
	m.mu.Lock()
	m.depth++
	m.mu.Unlock()
	return newScope(m.exit)
}

// Buffering implements Manager.Buffering.
func (m *SharedManager) Buffering() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth > 0
}

func (m *SharedManager) exit(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depth--
	if m.depth > 0 {
		return nil
	}
	err := m.flushLocked(ctx, len(m.entries), false)
	// Dropping the table re-synchronizes the collections: after the scope
	// has closed they no longer share mutable state and load independently.
	m.entries = make(map[string]*sharedEntry)
	return err
}

// Load implements Manager.Load. The returned tree is shared by reference
// between all collections on the same resource.
func (m *SharedManager) Load(ctx context.Context, res resource.Resource) (any, error) {
	id := res.ID()
	m.mu.Lock()
	if e, ok := m.entries[id]; ok {
		v := e.value
		m.mu.Unlock()
		return v, nil
	}
	m.mu.Unlock()

	fp, hasFP, err := fingerprintOf(res)
	if err != nil {
		return nil, err
	}
	v, err := res.Load(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		// Another goroutine filled the entry first; its tree wins so every
		// collection keeps sharing a single object.
		return e.value, nil
	}
	m.entries[id] = &sharedEntry{res: res, value: v, fp: fp, hasFP: hasFP}
	return v, nil
}

// Save implements Manager.Save.
func (m *SharedManager) Save(ctx context.Context, res resource.Resource, v any) error {
	id := res.ID()
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		fp, hasFP, err := fingerprintOf(res)
		if err != nil {
			return err
		}
		e = &sharedEntry{res: res, fp: fp, hasFP: hasFP}
		m.entries[id] = e
	}
	e.value = v
	if !e.modified {
		e.modified = true
		m.seq++
		e.seq = m.seq
	}
	if m.capacity > 0 {
		if n := m.modifiedCountLocked(); n > m.capacity {
			return m.flushLocked(ctx, n-m.capacity, true)
		}
	}
	return nil
}

// Flush implements Manager.Flush: a forced flush of every modified entry.
func (m *SharedManager) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushLocked(ctx, m.modifiedCountLocked(), true)
}

func (m *SharedManager) modifiedCountLocked() int {
	n := 0
	for _, e := range m.entries {
		if e.modified {
			n++
		}
	}
	return n
}

// flushLocked commits the n oldest modified entries. With retain set (forced
// flush) committed entries stay in the table as unmodified shared reads with
// a fresh baseline; otherwise the caller clears the table. Every entry is
// attempted and failures aggregate per resource.
func (m *SharedManager) flushLocked(ctx context.Context, n int, retain bool) error {
	if n == 0 {
		return nil
	}
	metrics.FlushCounter.Inc()
	failures := make(map[string]error)
	flushed := 0
	for _, e := range m.oldestModifiedLocked() {
		if flushed >= n {
			break
		}
		flushed++
		id := e.res.ID()
		if err := m.commit(ctx, e); err != nil {
			failures[id] = err
			delete(m.entries, id)
			continue
		}
		if !retain {
			continue
		}
		e.modified = false
		fp, hasFP, err := fingerprintOf(e.res)
		if err != nil {
			delete(m.entries, id)
			continue
		}
		e.fp, e.hasFP = fp, hasFP
	}
	if len(failures) > 0 {
		return &FlushError{Errors: failures}
	}
	return nil
}

func (m *SharedManager) commit(ctx context.Context, e *sharedEntry) error {
	if e.hasFP {
		cur, _, err := fingerprintOf(e.res)
		if err != nil {
			return err
		}
		if cur != e.fp {
			metrics.ConflictCounter.Inc()
			return ErrExternallyModified
		}
	}
	return e.res.Save(ctx, e.value)
}

func (m *SharedManager) oldestModifiedLocked() []*sharedEntry {
	entries := make([]*sharedEntry, 0, len(m.entries))
	for _, e := range m.entries {
		if e.modified {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return entries
}

var _ Manager = (*SharedManager)(nil)
