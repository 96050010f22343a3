package buffer

import (
	"context"
	"sort"
	"sync"

	"github.com/dgraph-io/ristretto"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"github.com/glotzerlab/signac-sub002/metrics"
	"github.com/glotzerlab/signac-sub002/resource"
)

// defaultCapacity bounds the serialized size of modified entries (32 MB).
const defaultCapacity = 32 * 1024 * 1024

// FileManager buffers resources as serialized content. Modified entries are
// tracked exactly and count against the byte capacity; exceeding it forces a
// flush of the oldest modified entries while the scope stays open. Unmodified
// read content lives in a cost-bounded side cache and may be evicted at any
// time, since re-reading an unmodified resource is always safe. Integrity
// baselines are never entrusted to that cache: the fingerprint observed at
// load time is held in a plain map until the outermost scope closes.
type FileManager struct {
	codec    resource.Codec
	capacity int64

	mu            sync.Mutex
	depth         int
	seq           uint64
	modified      map[string]*fileEntry
	modifiedBytes int64
	baselines     map[string]baseline

	reads *ristretto.Cache
	group singleflight.Group
}

type fileEntry struct {
	res   resource.Resource
	data  []byte
	fp    resource.Fingerprint
	hasFP bool
	seq   uint64
}

// baseline is the fingerprint a flush must re-validate against.
type baseline struct {
	fp    resource.Fingerprint
	hasFP bool
}

// FileOption configures a FileManager.
type FileOption func(*fileOptions)

type fileOptions struct {
	codec    resource.Codec
	capacity int64
	err      error
}

// WithCodec overrides the codec used to serialize buffered content.
func WithCodec(c resource.Codec) FileOption {
	return func(o *fileOptions) {
		o.codec = c
	}
}

// WithCapacity sets the byte budget for modified entries. A non-positive
// value disables forced flushing.
func WithCapacity(bytes int64) FileOption {
	return func(o *fileOptions) {
		o.capacity = bytes
	}
}

// WithCapacityString sets the byte budget from a human-readable size such as
// "32MB".
func WithCapacityString(s string) FileOption {
	return func(o *fileOptions) {
		n, err := humanize.ParseBytes(s)
		if err != nil {
			o.err = err
			return
		}
		o.capacity = int64(n)
	}
}

// NewFileManager returns a manager buffering serialized resource content.
func NewFileManager(opts ...FileOption) (*FileManager, error) {
	o := fileOptions{codec: resource.JSONCodec{}, capacity: defaultCapacity}
	for _, opt := range opts {
		opt(&o)
	}
	if o.err != nil {
		return nil, o.err
	}
	reads, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     maxInt64(o.capacity, 1<<20),
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &FileManager{
		codec:     o.codec,
		capacity:  o.capacity,
		modified:  make(map[string]*fileEntry),
		baselines: make(map[string]baseline),
		reads:     reads,
	}, nil
}

// Scope implements Manager.Scope.
func (m *FileManager) Scope() *Scope {
	m.mu.Lock()
	m.depth++
	m.mu.Unlock()
	return newScope(m.exit)
}

// Buffering implements Manager.Buffering.
func (m *FileManager) Buffering() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth > 0
}

func (m *FileManager) exit(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depth--
	if m.depth > 0 {
		return nil
	}
	err := m.flushAllLocked(ctx)
	m.baselines = make(map[string]baseline)
	m.reads.Clear()
	return err
}

// Load implements Manager.Load. Concurrent first loads of the same resource
// are deduplicated.
func (m *FileManager) Load(ctx context.Context, res resource.Resource) (any, error) {
	id := res.ID()
	m.mu.Lock()
	if e, ok := m.modified[id]; ok {
		data := e.data
		m.mu.Unlock()
		return m.decode(data)
	}
	m.mu.Unlock()

	if v, ok := m.reads.Get(id); ok {
		return m.decode(v.([]byte))
	}

	v, err, _ := m.group.Do(id, func() (any, error) {
		// The fingerprint is captured before the read: a write racing the
		// load then shows up as a conflict rather than going unnoticed.
		fp, hasFP, err := fingerprintOf(res)
		if err != nil {
			return nil, err
		}
		val, err := res.Load(ctx)
		if err != nil {
			return nil, err
		}
		var data []byte
		if val != nil {
			if data, err = m.codec.Marshal(val); err != nil {
				return nil, err
			}
		}
		// The first observation wins: an earlier baseline can only make the
		// conflict check stricter.
		m.mu.Lock()
		if _, ok := m.baselines[id]; !ok {
			m.baselines[id] = baseline{fp: fp, hasFP: hasFP}
		}
		m.mu.Unlock()
		cost := int64(len(data))
		if cost == 0 {
			cost = 1
		}
		m.reads.Set(id, data, cost)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return m.decode(v.([]byte))
}

// Save implements Manager.Save. Exceeding the capacity budget triggers a
// forced flush of the oldest modified entries; the buffering scope stays
// open.
func (m *FileManager) Save(ctx context.Context, res resource.Resource, v any) error {
	data, err := m.codec.Marshal(v)
	if err != nil {
		return err
	}
	id := res.ID()

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.modified[id]
	if !ok {
		fp, hasFP, err := m.baselineLocked(res, id)
		if err != nil {
			return err
		}
		m.seq++
		e = &fileEntry{res: res, fp: fp, hasFP: hasFP, seq: m.seq}
		m.modified[id] = e
		m.reads.Del(id)
	}
	m.modifiedBytes += int64(len(data)) - int64(len(e.data))
	e.data = data
	metrics.BufferedBytesGauge.Set(float64(m.modifiedBytes))

	if m.capacity > 0 && m.modifiedBytes > m.capacity {
		return m.evictLocked(ctx)
	}
	return nil
}

// baselineLocked returns the fingerprint the flush must later re-validate:
// the one observed at load time when recorded, a fresh one otherwise (a save
// with no prior load has nothing earlier to protect).
func (m *FileManager) baselineLocked(res resource.Resource, id string) (resource.Fingerprint, bool, error) {
	if b, ok := m.baselines[id]; ok {
		return b.fp, b.hasFP, nil
	}
	return fingerprintOf(res)
}

// Flush implements Manager.Flush: a forced flush of every modified entry
// that leaves any open scope intact.
func (m *FileManager) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flushAllLocked(ctx)
}

func (m *FileManager) flushAllLocked(ctx context.Context) error {
	return m.flushLocked(ctx, len(m.modified))
}

// evictLocked force-flushes oldest entries until the budget is respected.
func (m *FileManager) evictLocked(ctx context.Context) error {
	n := 0
	bytes := m.modifiedBytes
	for _, e := range m.oldestLocked() {
		if bytes <= m.capacity {
			break
		}
		bytes -= int64(len(e.data))
		n++
	}
	return m.flushLocked(ctx, n)
}

// flushLocked attempts the n oldest modified entries. Every entry is
// attempted even when earlier ones fail; failures are aggregated per
// resource.
func (m *FileManager) flushLocked(ctx context.Context, n int) error {
	if n == 0 {
		return nil
	}
	metrics.FlushCounter.Inc()
	failures := make(map[string]error)
	for i, e := range m.oldestLocked() {
		if i >= n {
			break
		}
		id := e.res.ID()
		delete(m.modified, id)
		m.modifiedBytes -= int64(len(e.data))
		if err := m.commit(ctx, e); err != nil {
			failures[id] = err
			delete(m.baselines, id)
			continue
		}
		// The committed content stays available as an unmodified read with
		// a fresh baseline while the scope remains open.
		fp, hasFP, err := fingerprintOf(e.res)
		if err != nil {
			delete(m.baselines, id)
			continue
		}
		m.baselines[id] = baseline{fp: fp, hasFP: hasFP}
		cost := int64(len(e.data))
		if cost == 0 {
			cost = 1
		}
		m.reads.Set(id, e.data, cost)
	}
	metrics.BufferedBytesGauge.Set(float64(m.modifiedBytes))
	if len(failures) > 0 {
		return &FlushError{Errors: failures}
	}
	return nil
}

// commit writes one entry back, refusing to clobber external modification.
func (m *FileManager) commit(ctx context.Context, e *fileEntry) error {
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
	v, err := m.decode(e.data)
	if err != nil {
		return err
	}
	return e.res.Save(ctx, v)
}

// oldestLocked returns the modified entries ordered oldest first.
func (m *FileManager) oldestLocked() []*fileEntry {
	entries := make([]*fileEntry, 0, len(m.modified))
	for _, e := range m.modified {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	return entries
}

func (m *FileManager) decode(data []byte) (any, error) {
	if data == nil {
		return nil, nil
	}
	var v any
	if err := m.codec.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

var _ Manager = (*FileManager)(nil)
