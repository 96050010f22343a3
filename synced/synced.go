package synced

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/glotzerlab/signac-sub002/buffer"
	"github.com/glotzerlab/signac-sub002/resource"
)

var tracer = otel.Tracer("github.com/glotzerlab/signac-sub002/synced")

var (
	// ErrKeyNotFound is returned when a mapping key is absent.
	ErrKeyNotFound = errors.New("synced: key not found")
	// ErrIndexOutOfRange is returned for sequence accesses past either end.
	ErrIndexOutOfRange = errors.New("synced: index out of range")
	// ErrValueNotFound is returned by List.Remove when no element matches.
	ErrValueNotFound = errors.New("synced: value not found")
	// ErrInvalidType is returned when data does not have the base type the
	// collection expects, or cannot be represented in the backend format.
	ErrInvalidType = errors.New("synced: invalid data type")
)

// Option configures a collection at construction time.
type Option func(*root)

// WithValidators appends validators run on every datum before it enters the
// collection. RequireJSONEncodable is always installed first.
func WithValidators(vs ...Validator) Option {
	return func(r *root) {
		r.validators = append(r.validators, vs...)
	}
}

// WithBuffer routes loads and saves through the given buffer manager while
// one of its scopes is open.
func WithBuffer(m buffer.Manager) Option {
	return func(r *root) {
		r.buf = m
	}
}

// WithTracing enables OpenTelemetry tracing for load and save operations.
func WithTracing() Option {
	return func(r *root) {
		r.trace = true
	}
}

// root carries the synchronization state shared by an outermost collection
// and all of its nested children. Children delegate loading and saving
// upward; only the root talks to the resource.
type root struct {
	res        resource.Resource
	buf        buffer.Manager
	validators []Validator
	trace      bool

	// mu serializes every read-modify-write cycle across goroutines
	// touching any node of this collection.
	mu   sync.Mutex
	node interface{ reconcileRoot(v any) error }
}

func newRoot(res resource.Resource, opts []Option) *root {
	r := &root{res: res, validators: []Validator{RequireJSONEncodable}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *root) span(ctx context.Context, name string) (context.Context, trace.Span) {
	if !r.trace {
		return ctx, nil
	}
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(attribute.String("signac.resource", r.res.ID()))
	return ctx, span
}

// refresh loads the backend contents and reconciles them into the tree.
// Callers hold r.mu.
func (r *root) refresh(ctx context.Context) error {
	ctx, span := r.span(ctx, "synced.load")
	if span != nil {
		defer span.End()
	}
	var v any
	var err error
	if r.buf != nil && r.buf.Buffering() {
		v, err = r.buf.Load(ctx, r.res)
	} else {
		v, err = r.res.Load(ctx)
	}
	if err != nil {
		return err
	}
	return r.node.reconcileRoot(v)
}

// save writes the tree back to the backend. Callers hold r.mu.
func (r *root) save(ctx context.Context, v any) error {
	ctx, span := r.span(ctx, "synced.save")
	if span != nil {
		defer span.End()
	}
	if r.buf != nil && r.buf.Buffering() {
		return r.buf.Save(ctx, r.res, v)
	}
	return r.res.Save(ctx, v)
}

// commit saves the outermost node's plain tree. Callers hold r.mu.
func (r *root) commit(ctx context.Context) error {
	return r.save(ctx, plainOf(r.node))
}

// prepare normalizes incoming data and runs every validator on the result.
// A validation failure aborts the caller's mutation before any state change.
func (r *root) prepare(v any) (any, error) {
	nv, err := normalize(v)
	if err != nil {
		return nil, err
	}
	for _, validate := range r.validators {
		if err := validate(nv); err != nil {
			return nil, err
		}
	}
	return nv, nil
}

// wrap converts a plain value into collection nodes sharing the given root.
func wrap(r *root, v any) any {
	switch t := v.(type) {
	case map[string]any:
		d := &Dict{root: r, data: make(map[string]any, len(t))}
		for k, e := range t {
			d.data[k] = wrap(r, e)
		}
		return d
	case []any:
		l := &List{root: r, data: make([]any, len(t))}
		for i, e := range t {
			l.data[i] = wrap(r, e)
		}
		return l
	default:
		return v
	}
}

// plainOf converts a node tree back into plain maps, slices and scalars.
func plainOf(v any) any {
	switch t := v.(type) {
	case *Dict:
		m := make(map[string]any, len(t.data))
		for k, e := range t.data {
			m[k] = plainOf(e)
		}
		return m
	case *List:
		s := make([]any, len(t.data))
		for i, e := range t.data {
			s[i] = plainOf(e)
		}
		return s
	default:
		return v
	}
}

// equals reports structural equality between a stored value (node or scalar)
// and incoming plain data. Numbers compare by value regardless of Go type,
// since a JSON round-trip turns every number into float64.
func equals(stored, incoming any) bool {
	switch t := stored.(type) {
	case *Dict:
		m, ok := incoming.(map[string]any)
		if !ok || len(m) != len(t.data) {
			return false
		}
		for k, e := range t.data {
			nv, ok := m[k]
			if !ok || !equals(e, nv) {
				return false
			}
		}
		return true
	case *List:
		s, ok := incoming.([]any)
		if !ok || len(s) != len(t.data) {
			return false
		}
		for i, e := range t.data {
			if !equals(e, s[i]) {
				return false
			}
		}
		return true
	default:
		if af, aok := asFloat(stored); aok {
			bf, bok := asFloat(incoming)
			return bok && af == bf
		}
		return stored == incoming
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}
