package synced

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/glotzerlab/signac-sub002/buffer"
	"github.com/glotzerlab/signac-sub002/resource"
)

func TestDictBufferedDefersWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "doc.json")
	mgr, err := buffer.NewFileManager()
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	d, err := NewDict(ctx, resource.NewJSONFile(path), nil, WithBuffer(mgr))
	if err != nil {
		t.Fatalf("new dict: %v", err)
	}

	err = d.Buffered(ctx, func(ctx context.Context) error {
		for _, k := range []string{"a", "b", "c"} {
			if err := d.Set(ctx, k, 1); err != nil {
				return err
			}
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Error("file written inside the buffered scope")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("buffered: %v", err)
	}

	d2, err := NewDict(ctx, resource.NewJSONFile(path), nil)
	if err != nil {
		t.Fatalf("new dict: %v", err)
	}
	if n, err := d2.Len(ctx); err != nil || n != 3 {
		t.Fatalf("flushed contents missing: len %d err %v", n, err)
	}
}

func TestDictSharedBufferCrossVisibility(t *testing.T) {
	ctx := context.Background()
	store := resource.NewMemoryStore()
	mgr := buffer.NewSharedManager()

	d1, err := NewDict(ctx, store.Resource("doc"), nil, WithBuffer(mgr))
	if err != nil {
		t.Fatalf("new dict: %v", err)
	}
	d2, err := NewDict(ctx, store.Resource("doc"), nil, WithBuffer(mgr))
	if err != nil {
		t.Fatalf("new dict: %v", err)
	}

	err = d1.Buffered(ctx, func(ctx context.Context) error {
		if err := d1.Set(ctx, "k", "v"); err != nil {
			return err
		}
		v, err := d2.Get(ctx, "k")
		if err != nil || v != "v" {
			t.Errorf("buffered write not visible to sibling: %v err %v", v, err)
		}
		if len(store.Keys()) != 0 {
			t.Error("store written inside the buffered scope")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("buffered: %v", err)
	}
	if got, err := store.Resource("doc").Load(ctx); err != nil || got == nil {
		t.Fatalf("buffer not flushed to store: %v err %v", got, err)
	}
}

func TestDictBufferedClosesScopeOnPanic(t *testing.T) {
	ctx := context.Background()
	store := resource.NewMemoryStore()
	mgr, err := buffer.NewFileManager()
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	d, err := NewDict(ctx, store.Resource("doc"), nil, WithBuffer(mgr))
	if err != nil {
		t.Fatalf("new dict: %v", err)
	}

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = d.Buffered(ctx, func(ctx context.Context) error {
			if err := d.Set(ctx, "k", "v"); err != nil {
				t.Errorf("set: %v", err)
			}
			panic("boom")
		})
	}()

	if mgr.Buffering() {
		t.Fatal("scope leaked after panic")
	}
	if got, err := store.Resource("doc").Load(ctx); err != nil || got == nil {
		t.Fatalf("buffered write lost after panic: %v err %v", got, err)
	}
}

func TestDictBufferedAggregatesErrors(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "doc.json")
	mgr, err := buffer.NewFileManager()
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	d, err := NewDict(ctx, resource.NewJSONFile(path), nil, WithBuffer(mgr))
	if err != nil {
		t.Fatalf("new dict: %v", err)
	}

	sentinel := errors.New("worker failed")
	err = d.Buffered(ctx, func(ctx context.Context) error {
		if err := d.Set(ctx, "k", "v"); err != nil {
			return err
		}
		// An external write during the window turns the flush into a
		// conflict as well.
		if err := os.WriteFile(path, []byte(`{"external": true}`), 0o644); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("callback error lost: %v", err)
	}
	if !errors.Is(err, buffer.ErrExternallyModified) {
		t.Fatalf("flush error lost: %v", err)
	}
}
