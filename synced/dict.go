package synced

import (
	"context"
	"fmt"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/glotzerlab/signac-sub002/resource"
)

// Dict is a mapping collection mirrored to a backend resource. Nested
// mappings and sequences are themselves live Dict and List nodes sharing
// this collection's root, so a reference to a child stays synchronized.
type Dict struct {
	root *root
	data map[string]any
}

// NewDict returns a Dict mirrored to res. A non-nil initial value must
// normalize to a mapping; it is validated and written to the resource.
func NewDict(ctx context.Context, res resource.Resource, initial any, opts ...Option) (*Dict, error) {
	r := newRoot(res, opts)
	d := &Dict{root: r, data: make(map[string]any)}
	r.node = d
	if initial == nil {
		return d, nil
	}
	nv, err := r.prepare(initial)
	if err != nil {
		return nil, err
	}
	m, ok := nv.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: initial data for a Dict must be a mapping, got %T",
			ErrInvalidType, initial)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	d.reconcile(m)
	if err := r.commit(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// reconcileRoot implements the root reconciliation hook. A missing resource
// is treated as an empty mapping.
func (d *Dict) reconcileRoot(v any) error {
	if v == nil {
		v = map[string]any{}
	}
	m, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: resource %q does not hold a mapping",
			ErrInvalidType, d.root.res.ID())
	}
	d.reconcile(m)
	return nil
}

// reconcile merges fresh backend data into the node in place. Children that
// remain update-compatible keep their identity so external references stay
// live; everything else is rewrapped.
func (d *Dict) reconcile(m map[string]any) {
	for k, nv := range m {
		cur, ok := d.data[k]
		if ok && equals(cur, nv) {
			continue
		}
		if ok {
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
		}
		d.data[k] = wrap(d.root, nv)
	}
	for k := range d.data {
		if _, ok := m[k]; !ok {
			delete(d.data, k)
		}
	}
}

// Get refreshes the collection and returns the value for key. Nested values
// are returned as live *Dict or *List nodes.
func (d *Dict) Get(ctx context.Context, key string) (any, error) {
	d.root.mu.Lock()
	defer d.root.mu.Unlock()
	if err := d.root.refresh(ctx); err != nil {
		return nil, err
	}
	v, ok := d.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	return v, nil
}

// Set validates value and stores it under key.
func (d *Dict) Set(ctx context.Context, key string, value any) error {
	nv, err := d.root.prepare(value)
	if err != nil {
		return err
	}
	d.root.mu.Lock()
	defer d.root.mu.Unlock()
	if err := d.root.refresh(ctx); err != nil {
		return err
	}
	d.data[key] = wrap(d.root, nv)
	return d.root.commit(ctx)
}

// Delete removes key from the mapping.
func (d *Dict) Delete(ctx context.Context, key string) error {
	d.root.mu.Lock()
	defer d.root.mu.Unlock()
	if err := d.root.refresh(ctx); err != nil {
		return err
	}
	if _, ok := d.data[key]; !ok {
		return fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	delete(d.data, key)
	return d.root.commit(ctx)
}

// Pop removes key and returns its former value as plain data.
func (d *Dict) Pop(ctx context.Context, key string) (any, error) {
	d.root.mu.Lock()
	defer d.root.mu.Unlock()
	if err := d.root.refresh(ctx); err != nil {
		return nil, err
	}
	v, ok := d.data[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	out := plainOf(v)
	delete(d.data, key)
	if err := d.root.commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// Contains reports whether key is present.
func (d *Dict) Contains(ctx context.Context, key string) (bool, error) {
	d.root.mu.Lock()
	defer d.root.mu.Unlock()
	if err := d.root.refresh(ctx); err != nil {
		return false, err
	}
	_, ok := d.data[key]
	return ok, nil
}

// Keys returns the mapping keys in sorted order.
func (d *Dict) Keys(ctx context.Context) ([]string, error) {
	d.root.mu.Lock()
	defer d.root.mu.Unlock()
	if err := d.root.refresh(ctx); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(d.data))
	for k := range d.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// Len returns the number of entries.
func (d *Dict) Len(ctx context.Context) (int, error) {
	d.root.mu.Lock()
	defer d.root.mu.Unlock()
	if err := d.root.refresh(ctx); err != nil {
		return 0, err
	}
	return len(d.data), nil
}

// AsMap returns a deep plain copy of the mapping.
func (d *Dict) AsMap(ctx context.Context) (map[string]any, error) {
	d.root.mu.Lock()
	defer d.root.mu.Unlock()
	if err := d.root.refresh(ctx); err != nil {
		return nil, err
	}
	return plainOf(d).(map[string]any), nil
}

// Update merges the entries of data into the mapping.
func (d *Dict) Update(ctx context.Context, data any) error {
	nv, err := d.root.prepare(data)
	if err != nil {
		return err
	}
	m, ok := nv.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: Update requires a mapping, got %T", ErrInvalidType, data)
	}
	d.root.mu.Lock()
	defer d.root.mu.Unlock()
	if err := d.root.refresh(ctx); err != nil {
		return err
	}
	for k, v := range m {
		d.data[k] = wrap(d.root, v)
	}
	return d.root.commit(ctx)
}

// Reset replaces the whole mapping with data, reconciling in place so
// references to compatible children stay live. A nil data empties the
// mapping.
func (d *Dict) Reset(ctx context.Context, data any) error {
	m := map[string]any{}
	if data != nil {
		nv, err := d.root.prepare(data)
		if err != nil {
			return err
		}
		var ok bool
		if m, ok = nv.(map[string]any); !ok {
			return fmt.Errorf("%w: Reset requires a mapping, got %T", ErrInvalidType, data)
		}
	}
	d.root.mu.Lock()
	defer d.root.mu.Unlock()
	d.reconcile(m)
	return d.root.commit(ctx)
}

// Clear empties the mapping. It never loads first, so it succeeds and saves
// immediately even when the backend contents cannot be read.
func (d *Dict) Clear(ctx context.Context) error {
	d.root.mu.Lock()
	defer d.root.mu.Unlock()
	d.data = make(map[string]any)
	return d.root.commit(ctx)
}

// Buffered runs fn inside one scope of the collection's buffer manager.
// Without a manager fn runs unbuffered.
func (d *Dict) Buffered(ctx context.Context, fn func(ctx context.Context) error) error {
	return buffered(ctx, d.root, fn)
}

// buffered opens one scope around fn. The scope is closed on every exit
// path, panics included, so a failing callback can never leave the buffer
// permanently open; a flush error is appended to fn's error.
func buffered(ctx context.Context, r *root, fn func(ctx context.Context) error) (err error) {
	if r.buf == nil {
		return fn(ctx)
	}
	scope := r.buf.Scope()
	defer func() {
		if cerr := scope.Close(ctx); cerr != nil {
			err = multierror.Append(err, cerr).ErrorOrNil()
		}
	}()
	return fn(ctx)
}
