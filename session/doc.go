// Package session tracks in-memory mutations of records against a committed
// baseline and flushes them to a store.Store.
//
// A Manager is the session container: it owns the schema, the listener
// registry, per-type hooks and the asynchronous notification queue. Sessions
// are opened with Manager.Begin and are owned by a single goroutine.
//
// Flush runs the following pipeline:
//
//  1. per-type BeforeFlush and Destructor hooks
//  2. link policy resolution for removed records (cascades, clears)
//  3. SyncBeforeConstraints listeners
//  4. validation (constraints, uniqueness, parents, cardinality, blocking links)
//  5. SyncBeforeFlush listeners
//  6. durable commit, retried on conflict against a fresh baseline
//  7. Sync listeners
//  8. Async listeners, delivered off the caller's goroutine
//
// Steps 1 to 3 repeat until listeners stop producing changes. Violations are
// collected into a single *ValidationFailure; after a failed flush the
// session keeps its changes and can be fixed, flushed again or reverted.
package session
