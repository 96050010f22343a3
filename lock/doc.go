// Package lock provides distributed mutual exclusion over documents in an
// external store. The only requirement placed on the store is an atomic
// compare-and-swap on a single lock record; in-memory, Redis and GORM-backed
// stores are included. Blocking acquisition polls the store with damped
// backoff, since the store offers no push notification.
package lock
