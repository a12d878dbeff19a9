// Package notify provides the concurrency primitives behind lifecycle
// notifications: a listener [Registry] keyed globally, by type and by
// record, and an asynchronous FIFO delivery [Queue].
//
// Both are shared across sessions and safe for concurrent use. Removing a
// listener while a dispatch iterates over it is legal: the removed entry is
// skipped from then on, while an invocation that already started runs to
// completion.
package notify
