// Package buffer provides managers that defer resource synchronization to
// amortize I/O. While a buffering scope is open, collection loads and saves
// are served from an in-process buffer; the buffer is flushed when the
// outermost scope closes, or earlier when its capacity budget is exceeded.
// A flush never silently overwrites a resource that was modified externally
// during the buffered window.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/glotzerlab/signac-sub002/resource"
)

// ErrExternallyModified is reported for a buffered resource whose backing
// store changed between the buffered load and the flush.
var ErrExternallyModified = errors.New("resource modified externally during buffering")

// Manager buffers loads and saves for the resources of the collections that
// share it. One manager is created per backend configuration and passed to
// every participating collection; collections given a private manager are
// buffered in isolation.
type Manager interface {
	// Scope opens a buffering scope. Scopes nest; buffering stays active
	// until every open scope has been closed.
	Scope() *Scope
	// Buffering reports whether at least one scope is open.
	Buffering() bool
	// Load reads the buffered contents for res, filling the buffer from the
	// resource on first access.
	Load(ctx context.Context, res resource.Resource) (any, error)
	// Save records new contents for res in the buffer.
	Save(ctx context.Context, res resource.Resource, v any) error
	// Flush writes every modified entry back to its resource. Conflicting
	// and failing entries are collected into a single FlushError; entries
	// that can commit always do, regardless of failures elsewhere.
	Flush(ctx context.Context) error
}

// FlushError aggregates per-resource failures from one flush pass. Every
// entry in the pass is attempted before the error is raised, so it names all
// affected resources, not just the first.
type FlushError struct {
	Errors map[string]error
}

func (e *FlushError) Error() string {
	ids := make([]string, 0, len(e.Errors))
	for id := range e.Errors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	msg := fmt.Sprintf("flush failed for %d resource(s):", len(ids))
	for _, id := range ids {
		msg += fmt.Sprintf(" %q: %v;", id, e.Errors[id])
	}
	return msg
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *FlushError) Unwrap() []error {
	errs := make([]error, 0, len(e.Errors))
	for _, err := range e.Errors {
		errs = append(errs, err)
	}
	return errs
}

// Scope is a handle on one level of buffering. Closing it is idempotent; the
// manager flushes naturally only when its outermost scope closes.
type Scope struct {
	mu     sync.Mutex
	closed bool
	exit   func(ctx context.Context) error
}

func newScope(exit func(ctx context.Context) error) *Scope {
	return &Scope{exit: exit}
}

// Close ends this buffering level. If it was the outermost one, the buffer
// is flushed and cleared; the flush error, if any, is returned.
func (s *Scope) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.exit(ctx)
}

// fingerprintOf captures the current metadata of res when the resource
// supports it. Resources without fingerprints skip integrity checking.
func fingerprintOf(res resource.Resource) (resource.Fingerprint, bool, error) {
	fp, ok := res.(resource.Fingerprinted)
	if !ok {
		return resource.Fingerprint{}, false, nil
	}
	cur, err := fp.Fingerprint()
	return cur, true, err
}
