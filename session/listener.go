package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/jacentio/espalier/notify"
	"github.com/jacentio/espalier/store"
)

// EventKind is the lifecycle change a notification reports.
type EventKind int

const (
	// Added is a record created in the session.
	Added EventKind = iota + 1
	// Updated is a committed record with changed properties or links.
	Updated
	// Removed is a committed record deleted in the session.
	Removed
)

// String returns the name of the kind.
func (k EventKind) String() string {
	switch k {
	case Added:
		return "added"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Phase is the point of the flush pipeline at which listeners run.
type Phase int

const (
	// PhaseBeforeConstraints runs before validation. Mutations are tracked
	// and validated in the same flush.
	PhaseBeforeConstraints Phase = iota
	// PhaseBeforeFlush runs after validation, before the durable commit.
	PhaseBeforeFlush
	// PhaseSync runs after the commit on the flushing goroutine. Mutations
	// fail with ErrMutationForbidden.
	PhaseSync
	// PhaseAsync runs on the manager's delivery goroutine.
	PhaseAsync

	phaseCount
)

// String returns the name of the phase.
func (p Phase) String() string {
	switch p {
	case PhaseBeforeConstraints:
		return "SyncBeforeConstraints"
	case PhaseBeforeFlush:
		return "SyncBeforeFlush"
	case PhaseSync:
		return "Sync"
	case PhaseAsync:
		return "Async"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Event is delivered to listeners.
type Event struct {
	Kind   EventKind
	Phase  Phase
	Change Change

	// Session and Record are nil in PhaseAsync.
	Session *Session
	Record  *Record
}

// Listener receives lifecycle events. Errors returned during
// PhaseBeforeConstraints and PhaseBeforeFlush abort the flush; later errors
// are logged.
type Listener interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, ev Event) error

// HandleEvent calls f.
func (f ListenerFunc) HandleEvent(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Callbacks is a Listener with one optional function per event kind and
// phase.
type Callbacks struct {
	AddedSyncBeforeConstraints func(ctx context.Context, ev Event) error
	AddedSyncBeforeFlush       func(ctx context.Context, ev Event) error
	AddedSync                  func(ctx context.Context, ev Event) error
	AddedAsync                 func(ctx context.Context, ev Event) error

	UpdatedSyncBeforeConstraints func(ctx context.Context, ev Event) error
	UpdatedSyncBeforeFlush       func(ctx context.Context, ev Event) error
	UpdatedSync                  func(ctx context.Context, ev Event) error
	UpdatedAsync                 func(ctx context.Context, ev Event) error

	RemovedSyncBeforeConstraints func(ctx context.Context, ev Event) error
	RemovedSyncBeforeFlush       func(ctx context.Context, ev Event) error
	RemovedSync                  func(ctx context.Context, ev Event) error
	RemovedAsync                 func(ctx context.Context, ev Event) error
}

// HandleEvent dispatches to the callback for the event's kind and phase.
func (c *Callbacks) HandleEvent(ctx context.Context, ev Event) error {
	var fns [phaseCount]func(context.Context, Event) error
	switch ev.Kind {
	case Added:
		fns = [phaseCount]func(context.Context, Event) error{
			c.AddedSyncBeforeConstraints, c.AddedSyncBeforeFlush, c.AddedSync, c.AddedAsync,
		}
	case Updated:
		fns = [phaseCount]func(context.Context, Event) error{
			c.UpdatedSyncBeforeConstraints, c.UpdatedSyncBeforeFlush, c.UpdatedSync, c.UpdatedAsync,
		}
	case Removed:
		fns = [phaseCount]func(context.Context, Event) error{
			c.RemovedSyncBeforeConstraints, c.RemovedSyncBeforeFlush, c.RemovedSync, c.RemovedAsync,
		}
	default:
		return nil
	}
	if ev.Phase < 0 || ev.Phase >= phaseCount {
		return nil
	}
	if fn := fns[ev.Phase]; fn != nil {
		return fn(ctx, ev)
	}
	return nil
}

// Registration is a registered listener.
type Registration struct {
	entry *notify.Entry[Listener]
}

// Remove unregisters the listener. An invocation already in progress is not
// interrupted; no further invocation starts. Safe for concurrent use.
func (r *Registration) Remove() { r.entry.Remove() }

// Active reports whether the listener is still registered.
func (r *Registration) Active() bool { return r.entry.Active() }

// Listeners is a registry of listeners shared by every session of a
// Manager. It is safe for concurrent use, including removal during
// dispatch.
type Listeners struct {
	reg *notify.Registry[Listener]
}

// NewListeners creates an empty registry.
func NewListeners() *Listeners {
	return &Listeners{reg: notify.NewRegistry[Listener]()}
}

// Global registers l for every record.
func (ls *Listeners) Global(l Listener) *Registration {
	return &Registration{entry: ls.reg.AddGlobal(l)}
}

// ForType registers l for records of exactly the named type.
func (ls *Listeners) ForType(typ string, l Listener) *Registration {
	return &Registration{entry: ls.reg.AddType(typ, l)}
}

// ForRecord registers l for a single record.
func (ls *Listeners) ForRecord(id store.ID, l Listener) *Registration {
	return &Registration{entry: ls.reg.AddKey(string(id), l)}
}

// Len returns the number of registered listeners.
func (ls *Listeners) Len() int { return ls.reg.Len() }

// Deliver invokes the active listeners matching the event's record in
// registration order and joins their errors. It is meant for events that
// originate outside a session, such as a change feed.
func (ls *Listeners) Deliver(ctx context.Context, ev Event) error {
	var errs []error
	for _, l := range ls.match(ev.Change.Type, ev.Change.ID) {
		if !l.Active() {
			continue
		}
		if err := l.Listener.HandleEvent(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// match returns global, type and record listeners in that order.
func (ls *Listeners) match(typ string, id store.ID) []*notify.Entry[Listener] {
	return ls.reg.Match(typ, string(id))
}

// Hooks are per-type side-effect callbacks that run at the start of every
// flush, before listeners. Hooks registered for a type apply to its
// subtypes unless a subtype has its own.
type Hooks struct {
	// BeforeFlush runs once per flush for every added or updated record.
	BeforeFlush func(ctx context.Context, r *Record) error

	// Destructor runs once per flush for every removed record, including
	// records created and removed in the same session.
	Destructor func(ctx context.Context, r *Record) error
}
