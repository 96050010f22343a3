package buffer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/glotzerlab/signac-sub002/resource"
)

func newFileManager(t *testing.T, opts ...FileOption) *FileManager {
	t.Helper()
	m, err := NewFileManager(opts...)
	if err != nil {
		t.Fatalf("new file manager: %v", err)
	}
	return m
}

func TestFileManagerBufferedRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "doc.json")
	res := resource.NewJSONFile(path)
	m := newFileManager(t)

	s := m.Scope()
	if !m.Buffering() {
		t.Fatal("expected buffering after opening a scope")
	}
	want := map[string]any{"a": 1.0}
	if err := m.Save(ctx, res, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	v, err := m.Load(ctx, res)
	if err != nil || !reflect.DeepEqual(v, want) {
		t.Fatalf("buffered load: %v err %v", v, err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("resource written before the scope closed")
	}

	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if m.Buffering() {
		t.Fatal("still buffering after the scope closed")
	}
	got, err := res.Load(ctx)
	if err != nil || !reflect.DeepEqual(got, want) {
		t.Fatalf("flushed content mismatch: %v err %v", got, err)
	}
}

func TestFileManagerNestedScopes(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "doc.json")
	res := resource.NewJSONFile(path)
	m := newFileManager(t)

	outer := m.Scope()
	inner := m.Scope()
	if err := m.Save(ctx, res, map[string]any{"a": 1.0}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := inner.Close(ctx); err != nil {
		t.Fatalf("inner close: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("inner scope close flushed the buffer")
	}
	if !m.Buffering() {
		t.Fatal("outer scope no longer buffering")
	}
	if err := outer.Close(ctx); err != nil {
		t.Fatalf("outer close: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("outer scope close did not flush: %v", err)
	}
}

func TestFileManagerExternalModificationConflict(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "doc.json")
	res := resource.NewJSONFile(path)
	m := newFileManager(t)

	s := m.Scope()
	if err := m.Save(ctx, res, map[string]any{"buffered": true}); err != nil {
		t.Fatalf("save: %v", err)
	}
	external := []byte(`{"external": true}`)
	if err := os.WriteFile(path, external, 0o644); err != nil {
		t.Fatalf("external write: %v", err)
	}

	err := s.Close(ctx)
	if !errors.Is(err, ErrExternallyModified) {
		t.Fatalf("expected ErrExternallyModified, got %v", err)
	}
	var fe *FlushError
	if !errors.As(err, &fe) {
		t.Fatalf("expected *FlushError, got %T", err)
	}
	if _, ok := fe.Errors[res.ID()]; !ok {
		t.Fatalf("flush error does not name the resource: %v", fe.Errors)
	}
	// The external content survives the failed flush.
	got, err2 := os.ReadFile(path)
	if err2 != nil || string(got) != string(external) {
		t.Fatalf("external content clobbered: %q err %v", got, err2)
	}
}

func TestFileManagerForcedFlushAtCapacity(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "doc.json")
	res := resource.NewJSONFile(path)
	m := newFileManager(t, WithCapacity(1))

	s := m.Scope()
	if err := m.Save(ctx, res, map[string]any{"a": 1.0}); err != nil {
		t.Fatalf("save: %v", err)
	}
	// The budget was exceeded, so the entry was written while buffering
	// stayed active.
	if !m.Buffering() {
		t.Fatal("forced flush ended the scope")
	}
	got, err := res.Load(ctx)
	if err != nil || !reflect.DeepEqual(got, map[string]any{"a": 1.0}) {
		t.Fatalf("forced flush did not write: %v err %v", got, err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestFileManagerConflictAfterBufferedLoad(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "doc.json")
	res := resource.NewJSONFile(path)
	if err := res.Save(ctx, map[string]any{"v": 1.0}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	m := newFileManager(t)

	s := m.Scope()
	if _, err := m.Load(ctx, res); err != nil {
		t.Fatalf("load: %v", err)
	}
	// An external write immediately after the buffered load must be caught
	// by the load-time baseline even before anything else touches the cache.
	external := []byte(`{"v": 2, "external": true}`)
	if err := os.WriteFile(path, external, 0o644); err != nil {
		t.Fatalf("external write: %v", err)
	}
	if err := m.Save(ctx, res, map[string]any{"v": 3.0}); err != nil {
		t.Fatalf("save: %v", err)
	}

	err := s.Close(ctx)
	if !errors.Is(err, ErrExternallyModified) {
		t.Fatalf("expected ErrExternallyModified, got %v", err)
	}
	got, err2 := os.ReadFile(path)
	if err2 != nil || string(got) != string(external) {
		t.Fatalf("external content clobbered: %q err %v", got, err2)
	}
}

func TestFileManagerLoadOnlyNeverConflicts(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "doc.json")
	res := resource.NewJSONFile(path)
	if err := res.Save(ctx, map[string]any{"a": 1.0}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	m := newFileManager(t)

	s := m.Scope()
	if v, err := m.Load(ctx, res); err != nil || !reflect.DeepEqual(v, map[string]any{"a": 1.0}) {
		t.Fatalf("load: %v err %v", v, err)
	}
	external := []byte(`{"external": true}`)
	if err := os.WriteFile(path, external, 0o644); err != nil {
		t.Fatalf("external write: %v", err)
	}
	// Nothing was modified through the buffer, so the close flushes nothing
	// and the external write is untouched.
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil || string(got) != string(external) {
		t.Fatalf("read-only scope disturbed the resource: %q err %v", got, err)
	}
}

func TestFileManagerCapacityString(t *testing.T) {
	if _, err := NewFileManager(WithCapacityString("64kB")); err != nil {
		t.Fatalf("parse capacity: %v", err)
	}
	if _, err := NewFileManager(WithCapacityString("lots")); err == nil {
		t.Fatal("expected error for unparseable capacity")
	}
}

func TestScopeCloseIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newFileManager(t)
	s := m.Scope()
	if err := s.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if m.Buffering() {
		t.Fatal("depth accounting broken by double close")
	}
}
