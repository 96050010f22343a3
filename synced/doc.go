// Package synced provides mapping and sequence containers whose state is
// transparently mirrored to a backend resource. Every mutation loads the
// current backend contents, reconciles them into the in-memory tree without
// disturbing references to nested children, applies the change and saves the
// result. Mutations within one process are serialized by a per-collection
// lock; cross-process coordination is the job of the lock package.
package synced
