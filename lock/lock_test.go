package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestTryAcquireRelease(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	l, err := New(store, "doc")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ok, err := l.TryAcquire(ctx)
	if err != nil || !ok {
		t.Fatalf("try: %v ok %v", err, ok)
	}
	other, err := New(store, "doc", WithBlocking(false))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if ok, err := other.Acquire(ctx); err != nil || ok {
		t.Fatalf("expected lock held, got ok %v err %v", ok, err)
	}
	if err := l.Release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	if ok, err := other.Acquire(ctx); err != nil || !ok {
		t.Fatalf("expected lock re-acquired, ok %v err %v", ok, err)
	}
}

func TestNonBlockingTimeoutInvalid(t *testing.T) {
	if _, err := New(NewMemoryStore(), "doc", WithBlocking(false), WithTimeout(time.Second)); err == nil {
		t.Fatal("expected configuration error")
	}
}

func TestExactlyOneWinner(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	const n = 16
	var wg sync.WaitGroup
	wins := make(chan string, n)
	for i := 0; i < n; i++ {
		l, err := New(store, "doc", WithBlocking(false))
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		wg.Add(1)
		go func(l *Lock) {
			defer wg.Done()
			ok, err := l.Acquire(ctx)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				wins <- l.Owner()
			}
		}(l)
	}
	wg.Wait()
	close(wins)
	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d", len(winners))
	}
}

func TestBlockingAcquireTimesOut(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	holder, _ := New(store, "doc")
	if ok, err := holder.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("holder try: %v ok %v", err, ok)
	}
	waiter, _ := New(store, "doc", WithTimeout(200*time.Millisecond))
	start := time.Now()
	ok, err := waiter.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok {
		t.Fatal("expected timeout, lock acquired")
	}
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond || elapsed > 2*time.Second {
		t.Fatalf("timeout not respected, elapsed %v", elapsed)
	}
}

func TestBlockingAcquireHandoff(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	holder, _ := New(store, "doc")
	if ok, err := holder.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("holder try: %v ok %v", err, ok)
	}
	go func() {
		time.Sleep(300 * time.Millisecond)
		if err := holder.Release(ctx); err != nil {
			t.Errorf("release: %v", err)
		}
	}()
	waiter, _ := New(store, "doc", WithTimeout(5*time.Second))
	start := time.Now()
	ok, err := waiter.Acquire(ctx)
	if err != nil || !ok {
		t.Fatalf("acquire after handoff: %v ok %v", err, ok)
	}
	if elapsed := time.Since(start); elapsed < 300*time.Millisecond || elapsed > 3*time.Second {
		t.Fatalf("handoff outside expected window, elapsed %v", elapsed)
	}
}

func TestReleaseCorrupted(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	l, _ := New(store, "doc")
	if ok, err := l.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("try: %v ok %v", err, ok)
	}
	// Tamper with the record behind the lock's back.
	if err := l.ForceRelease(ctx); err != nil {
		t.Fatalf("force release: %v", err)
	}
	err := l.Release(ctx)
	if !errors.Is(err, ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted, got %v", err)
	}
	var lerr *LockError
	if !errors.As(err, &lerr) || lerr.DocumentID != "doc" {
		t.Fatalf("expected LockError naming the document, got %v", err)
	}
}

func TestReentrantAcquireRelease(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	l, err := NewR(store, "doc")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	const n = 3
	for i := 0; i < n; i++ {
		if ok, err := l.TryAcquire(ctx); err != nil || !ok {
			t.Fatalf("acquire %d: %v ok %v", i, err, ok)
		}
	}
	// A distinct owner stays excluded while any hold remains.
	other, _ := New(store, "doc", WithBlocking(false))
	if ok, _ := other.Acquire(ctx); ok {
		t.Fatal("reentrant lock not exclusive")
	}
	for i := 0; i < n; i++ {
		if err := l.Release(ctx); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}
	if cur, _ := store.Get(ctx, "doc"); cur != (State{}) {
		t.Fatalf("document still locked after full release: %+v", cur)
	}
	if err := l.Release(ctx); !errors.Is(err, ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted on extra release, got %v", err)
	}
}

func TestWithReleasesOnError(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	l, _ := New(store, "doc")
	boom := errors.New("boom")
	err := l.With(ctx, func(ctx context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
	if cur, _ := store.Get(ctx, "doc"); cur != (State{}) {
		t.Fatalf("lock leaked after error: %+v", cur)
	}
}

func TestWithReleasesOnPanic(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	l, _ := New(store, "doc")
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = l.With(ctx, func(ctx context.Context) error { panic("boom") })
	}()
	if cur, _ := store.Get(ctx, "doc"); cur != (State{}) {
		t.Fatalf("lock leaked after panic: %+v", cur)
	}
}

func TestWithTimeoutError(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	holder, _ := New(store, "doc")
	if ok, err := holder.TryAcquire(ctx); err != nil || !ok {
		t.Fatalf("holder try: %v ok %v", err, ok)
	}
	waiter, _ := New(store, "doc", WithBlocking(false))
	err := waiter.With(ctx, func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestPollIntervalBounded(t *testing.T) {
	last := time.Duration(0)
	for i := 1; i < 100; i++ {
		d := pollInterval(i)
		if d < last {
			t.Fatalf("interval shrank at attempt %d", i)
		}
		if d > maxPollInterval {
			t.Fatalf("interval exceeds bound at attempt %d: %v", i, d)
		}
		last = d
	}
}
