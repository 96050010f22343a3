package lock

import (
	"context"

	"github.com/glotzerlab/signac-sub002/metrics"
)

// RLock is the reentrant variant of Lock: the same owner token may acquire
// the lock repeatedly, incrementing a hold counter, and must release it the
// same number of times. Distinct owners are excluded exactly as with Lock.
type RLock struct {
	Lock
}

// NewR returns a reentrant lock on the document with the given id.
func NewR(store Store, id string, opts ...Option) (*RLock, error) {
	l, err := configure(store, id, opts)
	if err != nil {
		return nil, err
	}
	r := &RLock{Lock: *l}
	r.Lock.try = r.tryReentrant
	r.Lock.release = r.releaseReentrant
	return r, nil
}

func (r *RLock) tryReentrant(ctx context.Context) (bool, error) {
	cur, err := r.store.Get(ctx, r.id)
	if err != nil {
		return false, err
	}
	var next State
	switch {
	case cur == (State{}):
		next = State{Owner: r.owner, Count: 1}
	case cur.Owner == r.owner:
		next = State{Owner: r.owner, Count: cur.Count + 1}
	default:
		return false, nil
	}
	// A lost swap means another holder raced us between Get and Swap; the
	// attempt simply fails and the caller may retry.
	ok, err := r.store.Swap(ctx, r.id, cur, next)
	if err != nil {
		return false, err
	}
	if ok {
		metrics.AcquireCounter.Inc()
	}
	return ok, nil
}

func (r *RLock) releaseReentrant(ctx context.Context) error {
	cur, err := r.store.Get(ctx, r.id)
	if err != nil {
		return err
	}
	if cur.Owner != r.owner || cur.Count < 1 {
		metrics.CorruptionCounter.Inc()
		return &LockError{DocumentID: r.id, Err: ErrCorrupted}
	}
	var next State
	if cur.Count > 1 {
		next = State{Owner: r.owner, Count: cur.Count - 1}
	}
	ok, err := r.store.Swap(ctx, r.id, cur, next)
	if err != nil {
		return err
	}
	if !ok {
		metrics.CorruptionCounter.Inc()
		return &LockError{DocumentID: r.id, Err: ErrCorrupted}
	}
	return nil
}
