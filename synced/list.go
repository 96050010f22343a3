package synced

import (
	"context"
	"fmt"

	"github.com/glotzerlab/signac-sub002/resource"
)

// List is a sequence collection mirrored to a backend resource. Nested
// mappings and sequences are live Dict and List nodes sharing this
// collection's root.
type List struct {
	root *root
	data []any
}

// NewList returns a List mirrored to res. A non-nil initial value must
// normalize to a sequence; it is validated and written to the resource.
func NewList(ctx context.Context, res resource.Resource, initial any, opts ...Option) (*List, error) {
	r := newRoot(res, opts)
	l := &List{root: r}
	r.node = l
	if initial == nil {
		return l, nil
	}
	nv, err := r.prepare(initial)
	if err != nil {
		return nil, err
	}
	s, ok := nv.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: initial data for a List must be a sequence, got %T",
			ErrInvalidType, initial)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	l.reconcile(s)
	if err := r.commit(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

// reconcileRoot implements the root reconciliation hook. A missing resource
// is treated as an empty sequence.
func (l *List) reconcileRoot(v any) error {
	if v == nil {
		v = []any{}
	}
	s, ok := v.([]any)
	if !ok {
		return fmt.Errorf("%w: resource %q does not hold a sequence",
			ErrInvalidType, l.root.res.ID())
	}
	l.reconcile(s)
	return nil
}

// reconcile merges fresh backend data in place. The index-aligned prefix is
// reconciled slot by slot and the remainder appended or truncated, so the
// common append or remove-at-end case costs only the differing suffix.
func (l *List) reconcile(s []any) {
	n := len(l.data)
	if len(s) < n {
		n = len(s)
	}
	for i := 0; i < n; i++ {
		cur, nv := l.data[i], s[i]
		if equals(cur, nv) {
			continue
		}
		if child, isDict := cur.(*Dict); isDict {
			if cm, compatible := nv.(map[string]any); compatible {
				child.reconcile(cm)
				continue
			}
		}
		if child, isList := cur.(*List); isList {
			if cs, compatible := nv.([]any); compatible {
				child.reconcile(cs)
				continue
			}
		}
		l.data[i] = wrap(l.root, nv)
	}
	switch {
	case len(s) > len(l.data):
		for _, nv := range s[len(l.data):] {
			l.data = append(l.data, wrap(l.root, nv))
		}
	case len(s) < len(l.data):
		l.data = l.data[:len(s)]
	}
}

func (l *List) checkIndex(i int) error {
	if i < 0 || i >= len(l.data) {
		return fmt.Errorf("%w: %d with length %d", ErrIndexOutOfRange, i, len(l.data))
	}
	return nil
}

// Get refreshes the collection and returns the element at index i.
func (l *List) Get(ctx context.Context, i int) (any, error) {
	l.root.mu.Lock()
	defer l.root.mu.Unlock()
	if err := l.root.refresh(ctx); err != nil {
		return nil, err
	}
	if err := l.checkIndex(i); err != nil {
		return nil, err
	}
	return l.data[i], nil
}

// Set validates value and stores it at index i.
func (l *List) Set(ctx context.Context, i int, value any) error {
	nv, err := l.root.prepare(value)
	if err != nil {
		return err
	}
	l.root.mu.Lock()
	defer l.root.mu.Unlock()
	if err := l.root.refresh(ctx); err != nil {
		return err
	}
	if err := l.checkIndex(i); err != nil {
		return err
	}
	l.data[i] = wrap(l.root, nv)
	return l.root.commit(ctx)
}

// Append adds value at the end of the sequence.
func (l *List) Append(ctx context.Context, value any) error {
	nv, err := l.root.prepare(value)
	if err != nil {
		return err
	}
	l.root.mu.Lock()
	defer l.root.mu.Unlock()
	if err := l.root.refresh(ctx); err != nil {
		return err
	}
	l.data = append(l.data, wrap(l.root, nv))
	return l.root.commit(ctx)
}

// Insert places value before index i; i may equal the length.
func (l *List) Insert(ctx context.Context, i int, value any) error {
	nv, err := l.root.prepare(value)
	if err != nil {
		return err
	}
	l.root.mu.Lock()
	defer l.root.mu.Unlock()
	if err := l.root.refresh(ctx); err != nil {
		return err
	}
	if i < 0 || i > len(l.data) {
		return fmt.Errorf("%w: %d with length %d", ErrIndexOutOfRange, i, len(l.data))
	}
	l.data = append(l.data, nil)
	copy(l.data[i+1:], l.data[i:])
	l.data[i] = wrap(l.root, nv)
	return l.root.commit(ctx)
}

// Extend appends every element of values, which must normalize to a
// sequence.
func (l *List) Extend(ctx context.Context, values any) error {
	nv, err := l.root.prepare(values)
	if err != nil {
		return err
	}
	s, ok := nv.([]any)
	if !ok {
		return fmt.Errorf("%w: Extend requires a sequence, got %T", ErrInvalidType, values)
	}
	l.root.mu.Lock()
	defer l.root.mu.Unlock()
	if err := l.root.refresh(ctx); err != nil {
		return err
	}
	for _, e := range s {
		l.data = append(l.data, wrap(l.root, e))
	}
	return l.root.commit(ctx)
}

// Remove deletes the first element structurally equal to value.
func (l *List) Remove(ctx context.Context, value any) error {
	nv, err := normalize(value)
	if err != nil {
		return err
	}
	l.root.mu.Lock()
	defer l.root.mu.Unlock()
	if err := l.root.refresh(ctx); err != nil {
		return err
	}
	for i, cur := range l.data {
		if equals(cur, nv) {
			l.data = append(l.data[:i], l.data[i+1:]...)
			return l.root.commit(ctx)
		}
	}
	return fmt.Errorf("%w: %v", ErrValueNotFound, value)
}

// RemoveAt deletes the element at index i and returns it as plain data.
func (l *List) RemoveAt(ctx context.Context, i int) (any, error) {
	l.root.mu.Lock()
	defer l.root.mu.Unlock()
	if err := l.root.refresh(ctx); err != nil {
		return nil, err
	}
	if err := l.checkIndex(i); err != nil {
		return nil, err
	}
	out := plainOf(l.data[i])
	l.data = append(l.data[:i], l.data[i+1:]...)
	if err := l.root.commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// Len returns the number of elements.
func (l *List) Len(ctx context.Context) (int, error) {
	l.root.mu.Lock()
	defer l.root.mu.Unlock()
	if err := l.root.refresh(ctx); err != nil {
		return 0, err
	}
	return len(l.data), nil
}

// AsSlice returns a deep plain copy of the sequence.
func (l *List) AsSlice(ctx context.Context) ([]any, error) {
	l.root.mu.Lock()
	defer l.root.mu.Unlock()
	if err := l.root.refresh(ctx); err != nil {
		return nil, err
	}
	return plainOf(l).([]any), nil
}

// Reset replaces the whole sequence with data, reconciling in place. A nil
// data empties the sequence.
func (l *List) Reset(ctx context.Context, data any) error {
	s := []any{}
	if data != nil {
		nv, err := l.root.prepare(data)
		if err != nil {
			return err
		}
		var ok bool
		if s, ok = nv.([]any); !ok {
			return fmt.Errorf("%w: Reset requires a sequence, got %T", ErrInvalidType, data)
		}
	}
	l.root.mu.Lock()
	defer l.root.mu.Unlock()
	l.reconcile(s)
	return l.root.commit(ctx)
}

// Clear empties the sequence. Like Dict.Clear it never loads first.
func (l *List) Clear(ctx context.Context) error {
	l.root.mu.Lock()
	defer l.root.mu.Unlock()
	l.data = nil
	return l.root.commit(ctx)
}

// Buffered runs fn inside one scope of the collection's buffer manager.
func (l *List) Buffered(ctx context.Context, fn func(ctx context.Context) error) error {
	return buffered(ctx, l.root, fn)
}
