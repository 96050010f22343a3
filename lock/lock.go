package lock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/glotzerlab/signac-sub002/metrics"
)

var (
	// ErrTimeout is reported by With when the configured blocking
	// acquisition gave up before obtaining the lock.
	ErrTimeout = errors.New("lock acquisition timed out")
	// ErrCorrupted is reported by Release when the lock record no longer
	// carries this holder's token. The document's coordination state can no
	// longer be trusted; ForceRelease is the recovery escape hatch.
	ErrCorrupted = errors.New("lock state corrupted")
)

// LockError wraps a lock failure together with the document it occurred on.
type LockError struct {
	DocumentID string
	Err        error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("lock %q: %v", e.DocumentID, e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }

// State is the lock record stored per document. The zero value means
// unlocked; stores must treat an absent record and the zero value as equal.
type State struct {
	Owner string
	Count int64
}

// Store provides atomic access to per-document lock records.
type Store interface {
	// Get returns the current lock record for id, or the zero State when no
	// record exists.
	Get(ctx context.Context, id string) (State, error)
	// Swap atomically replaces the record for id with new, but only if the
	// current record equals old. It returns whether the swap matched.
	// Swapping to the zero State removes the record.
	Swap(ctx context.Context, id string, old, new State) (bool, error)
}

// maxPollInterval bounds the wait between acquisition attempts.
const maxPollInterval = time.Second

// pollInterval returns the wait before the given attempt. Growth follows a
// tanh curve so early retries are quick while repeated contention settles at
// maxPollInterval.
func pollInterval(attempt int) time.Duration {
	return time.Duration(float64(maxPollInterval) * math.Tanh(float64(attempt)/10))
}

// Lock is a non-reentrant distributed lock on one document. Each Lock
// instance carries its own owner token, so two instances never mistake each
// other's hold for their own.
type Lock struct {
	store    Store
	id       string
	owner    string
	blocking bool
	timeout  time.Duration

	try     func(ctx context.Context) (bool, error)
	release func(ctx context.Context) error
}

// Option configures a Lock or RLock.
type Option func(*Lock)

// WithBlocking controls whether Acquire waits for the lock. The default is
// blocking.
func WithBlocking(blocking bool) Option {
	return func(l *Lock) {
		l.blocking = blocking
	}
}

// WithTimeout bounds a blocking Acquire. A zero duration waits without
// limit. Setting a timeout on a non-blocking lock is a configuration error.
func WithTimeout(d time.Duration) Option {
	return func(l *Lock) {
		l.timeout = d
	}
}

// WithOwner overrides the generated owner token. Locks sharing an owner
// token are treated as the same holder by the reentrant variant.
func WithOwner(owner string) Option {
	return func(l *Lock) {
		l.owner = owner
	}
}

// New returns a lock on the document with the given id. Construction has no
// side effect on the store.
func New(store Store, id string, opts ...Option) (*Lock, error) {
	l, err := configure(store, id, opts)
	if err != nil {
		return nil, err
	}
	l.try = l.tryOnce
	l.release = l.releaseOnce
	return l, nil
}

func configure(store Store, id string, opts []Option) (*Lock, error) {
	l := &Lock{
		store:    store,
		id:       id,
		owner:    uuid.NewString(),
		blocking: true,
	}
	for _, opt := range opts {
		opt(l)
	}
	if !l.blocking && l.timeout != 0 {
		return nil, errors.New("lock: cannot set a timeout for non-blocking acquire")
	}
	return l, nil
}

// ID returns the identifier of the locked document.
func (l *Lock) ID() string { return l.id }

// Owner returns this instance's owner token.
func (l *Lock) Owner() string { return l.owner }

func (l *Lock) tryOnce(ctx context.Context) (bool, error) {
	ok, err := l.store.Swap(ctx, l.id, State{}, State{Owner: l.owner, Count: 1})
	if err != nil {
		return false, err
	}
	if ok {
		metrics.AcquireCounter.Inc()
	}
	return ok, nil
}

// TryAcquire makes a single conditional-update attempt and reports whether it
// obtained the lock. It never waits.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	return l.try(ctx)
}

// Acquire obtains the lock using the configured blocking mode and timeout.
// A timed-out blocking acquisition returns (false, nil); errors are reserved
// for store failures and context cancellation.
func (l *Lock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.try(ctx)
	if ok || err != nil || !l.blocking {
		return ok, err
	}

	type result struct {
		ok  bool
		err error
	}
	stop := make(chan struct{})
	done := make(chan result, 1)

	go func() {
		attempt := 1
		timer := time.NewTimer(pollInterval(attempt))
		defer timer.Stop()
		for {
			select {
			case <-stop:
				done <- result{}
				return
			case <-ctx.Done():
				done <- result{err: ctx.Err()}
				return
			case <-timer.C:
			}
			ok, err := l.try(ctx)
			if ok || err != nil {
				done <- result{ok: ok, err: err}
				return
			}
			attempt++
			timer.Reset(pollInterval(attempt))
		}
	}()

	var deadline <-chan time.Time
	if l.timeout > 0 {
		timer := time.NewTimer(l.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case r := <-done:
		return r.ok, r.err
	case <-deadline:
		// The poller may have won the race with the deadline; its final
		// answer is authoritative. It is always joined before returning.
		close(stop)
		r := <-done
		if !r.ok && r.err == nil {
			metrics.TimeoutCounter.Inc()
		}
		return r.ok, r.err
	}
}

// Release clears the lock record if it still carries this holder's token.
// Any other record content means the state was externally tampered with and
// is reported as corruption, never silently accepted.
func (l *Lock) Release(ctx context.Context) error {
	return l.release(ctx)
}

func (l *Lock) releaseOnce(ctx context.Context) error {
	ok, err := l.store.Swap(ctx, l.id, State{Owner: l.owner, Count: 1}, State{})
	if err != nil {
		return err
	}
	if !ok {
		metrics.CorruptionCounter.Inc()
		return &LockError{DocumentID: l.id, Err: ErrCorrupted}
	}
	return nil
}

// ForceRelease unconditionally clears the lock record, bypassing the
// ownership check. Intended for administrative recovery only.
func (l *Lock) ForceRelease(ctx context.Context) error {
	for {
		cur, err := l.store.Get(ctx, l.id)
		if err != nil {
			return err
		}
		if cur == (State{}) {
			return nil
		}
		ok, err := l.store.Swap(ctx, l.id, cur, State{})
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
}

// With runs fn while holding the lock. A failed acquisition is reported as a
// LockError wrapping ErrTimeout. The lock is released on every exit path,
// panics included; an error from fn is never suppressed, and a release
// failure is appended to it.
func (l *Lock) With(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	ok, err := l.Acquire(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return &LockError{DocumentID: l.id, Err: ErrTimeout}
	}
	defer func() {
		if rerr := l.Release(ctx); rerr != nil {
			err = multierror.Append(err, rerr).ErrorOrNil()
		}
	}()
	return fn(ctx)
}
