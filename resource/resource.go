// Package resource defines the backend contract consumed by synced
// collections: a Resource is a single addressable document that can be loaded
// and saved as a whole. Implementations are provided for JSON files on disk,
// in-process memory slots, Redis keys and GORM-managed SQL rows.
package resource

import "context"

// Resource is a single document in a backing store. Load returns (nil, nil)
// when the resource does not exist yet; callers treat that as empty.
type Resource interface {
	// ID returns a stable identifier for the resource, unique within its
	// backing store (a file path, a Redis key, a row id).
	ID() string
	// Load reads the current contents of the resource.
	Load(ctx context.Context) (any, error)
	// Save replaces the contents of the resource.
	Save(ctx context.Context, v any) error
}

// Fingerprint captures the last-observed metadata of a resource. Buffered
// flushes compare fingerprints to detect external modification. The zero
// value describes a resource that does not exist, which is itself a valid,
// comparable observation.
type Fingerprint struct {
	Exists      bool
	Size        int64
	ModTimeNano int64
	// Version is used by stores that count writes instead of exposing
	// file-system metadata.
	Version uint64
}

// Fingerprinted is implemented by resources that can report a cheap metadata
// fingerprint without reading their full contents.
type Fingerprinted interface {
	Resource
	Fingerprint() (Fingerprint, error)
}

// Clone returns a deep copy of a plain document tree (maps, slices and
// scalars). Scalars are returned as-is.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		n := make(map[string]any, len(t))
		for k, e := range t {
			n[k] = Clone(e)
		}
		return n
	case []any:
		n := make([]any, len(t))
		for i, e := range t {
			n[i] = Clone(e)
		}
		return n
	default:
		return v
	}
}
