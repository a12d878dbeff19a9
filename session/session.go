package session

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jacentio/espalier/schema"
	"github.com/jacentio/espalier/store"
)

// State is the lifecycle state of a Session.
type State int

const (
	// StateOpen accepts mutations.
	StateOpen State = iota + 1
	// StateFlushing runs the flush pipeline.
	StateFlushing
	// StateCommitted is final after Commit.
	StateCommitted
	// StateAborted is final after Abort.
	StateAborted
)

// String returns the name of the state.
func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateFlushing:
		return "flushing"
	case StateCommitted:
		return "committed"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session buffers mutations against a snapshot of committed state until
// they are flushed. A Session is not safe for concurrent use; listeners and
// hooks run on the goroutine that flushes.
type Session struct {
	m        *Manager
	id       string
	readOnly bool
	state    State
	logger   *slog.Logger

	snap    store.Snapshot
	tracker *Tracker

	// flush is non-nil while a flush attempt runs.
	flush *flushState

	// frozen rejects mutations while post-commit listeners run.
	frozen bool
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the lifecycle state.
func (s *Session) State() State { return s.state }

// ReadOnly reports whether the session rejects mutations.
func (s *Session) ReadOnly() bool { return s.readOnly }

// Manager returns the owning manager.
func (s *Session) Manager() *Manager { return s.m }

// Changes returns the change tracker. The query collaborator uses its
// membership tests to reflect uncommitted state.
func (s *Session) Changes() *Tracker { return s.tracker }

func (s *Session) checkReadable(op string) error {
	if s.state == StateOpen || s.state == StateFlushing {
		return nil
	}
	return &IllegalStateError{Op: op, State: s.state}
}

func (s *Session) checkWritable(op string) error {
	if err := s.checkReadable(op); err != nil {
		return err
	}
	if s.readOnly {
		return &IllegalStateError{Op: op, State: s.state, Err: ErrReadOnly}
	}
	if s.frozen {
		return &IllegalStateError{Op: op, State: s.state, Err: ErrMutationForbidden}
	}
	return nil
}

func (s *Session) handle(e *entry) *Record {
	return &Record{s: s, id: e.id, typ: e.typ}
}

// entry returns the session state of a record, loading its type from the
// snapshot on first access.
func (s *Session) entry(ctx context.Context, id store.ID) (*entry, error) {
	if e, ok := s.tracker.entries[id]; ok {
		return e, nil
	}
	name, ok, err := s.snap.TypeOf(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read type of %s: %w", id, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	t, ok := s.m.schema.Type(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return s.tracker.load(id, t), nil
}

// lookup is entry for a record whose existence and type are known.
func (s *Session) lookup(id store.ID, t *schema.Type) *entry {
	return s.tracker.load(id, t)
}

func (s *Session) baseProp(ctx context.Context, e *entry, field string) (store.Value, error) {
	if e.isNew {
		return nil, nil
	}
	if v, ok := e.baseProps[field]; ok {
		return v, nil
	}
	v, _, err := s.snap.ReadProperty(ctx, e.id, field)
	if err != nil {
		return nil, fmt.Errorf("read %s.%s: %w", e.id, field, err)
	}
	e.baseProps[field] = v
	return v, nil
}

func (s *Session) value(ctx context.Context, e *entry, field string) (store.Value, error) {
	if v, ok := e.props[field]; ok {
		return v, nil
	}
	return s.baseProp(ctx, e, field)
}

func (s *Session) loadLinks(ctx context.Context, e *entry, field string) error {
	if e.isNew {
		return nil
	}
	if _, ok := e.baseLinks[field]; ok {
		return nil
	}
	ids, err := s.snap.ReadLinks(ctx, e.id, field)
	if err != nil {
		return fmt.Errorf("read links %s.%s: %w", e.id, field, err)
	}
	e.baseLinks[field] = ids
	return nil
}

func (s *Session) links(ctx context.Context, e *entry, field string) ([]store.ID, error) {
	if err := s.loadLinks(ctx, e, field); err != nil {
		return nil, err
	}
	return e.currentLinks(field), nil
}

// New creates a record of a concrete type.
func (s *Session) New(typ string) (*Record, error) {
	if err := s.checkWritable("create record"); err != nil {
		return nil, err
	}
	t, ok := s.m.schema.Type(typ)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	if t.Abstract {
		return nil, fmt.Errorf("%w: %q is abstract", ErrUnknownType, typ)
	}
	e := s.tracker.recordAdded(s.m.store.NewID(typ), t)
	return s.handle(e), nil
}

// Get returns a live record by id. Records removed in the session are not
// found.
func (s *Session) Get(ctx context.Context, id store.ID) (*Record, error) {
	if err := s.checkReadable("get record"); err != nil {
		return nil, err
	}
	e, err := s.entry(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.removed {
		return nil, fmt.Errorf("%w: %s was removed", store.ErrNotFound, id)
	}
	return s.handle(e), nil
}

// All returns the live records of typ and its subtypes: committed records
// first, then records created in the session.
func (s *Session) All(ctx context.Context, typ string) ([]*Record, error) {
	if err := s.checkReadable("iterate records"); err != nil {
		return nil, err
	}
	t, ok := s.m.schema.Type(typ)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	var out []*Record
	for _, name := range t.ConcreteTypes() {
		ct, _ := s.m.schema.Type(name)
		ids, err := s.snap.IterateByType(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("iterate %s: %w", name, err)
		}
		for _, id := range ids {
			if s.tracker.IsRemoved(id) {
				continue
			}
			out = append(out, &Record{s: s, id: id, typ: ct})
		}
	}
	for _, e := range s.tracker.order {
		if e.isNew && !e.removed && e.typ.IsA(typ) {
			out = append(out, s.handle(e))
		}
	}
	return out, nil
}

// FindUnique returns the live record of typ (or a subtype) whose unique
// index holds the given values, taking uncommitted changes into account.
func (s *Session) FindUnique(ctx context.Context, typ, index string, values ...store.Value) (*Record, error) {
	if err := s.checkReadable("find record"); err != nil {
		return nil, err
	}
	t, ok := s.m.schema.Type(typ)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	var idx *schema.UniqueIndex
	for _, candidate := range t.Indexes() {
		if candidate.Name == index {
			idx = candidate
			break
		}
	}
	if idx == nil || len(values) != len(idx.Fields) {
		return nil, fmt.Errorf("%w: index %s.%s", ErrUnknownField, typ, index)
	}
	normalized := make([]store.Value, len(values))
	for i, field := range idx.Fields {
		p, _ := t.Property(field)
		v, err := p.Kind.Normalize(values[i])
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", typ, field, err)
		}
		normalized[i] = v
	}
	key, ok := formatKey(normalized)
	if !ok {
		return nil, fmt.Errorf("%w: %s with empty %s", store.ErrNotFound, typ, index)
	}

	for _, e := range s.tracker.order {
		if e.removed || !e.typ.IsA(typ) {
			continue
		}
		k, ok, err := s.indexKey(ctx, e, idx)
		if err != nil {
			return nil, err
		}
		if ok && k == key {
			return s.handle(e), nil
		}
	}

	owners, err := s.snap.IterateByIndex(ctx, idx.Scope, key)
	if err != nil {
		return nil, fmt.Errorf("query index %s: %w", idx.Scope, err)
	}
	for _, id := range owners {
		if e, ok := s.tracker.entries[id]; ok && e.seq > 0 {
			// Touched records were checked against their current values.
			continue
		}
		e, err := s.entry(ctx, id)
		if err != nil {
			return nil, err
		}
		if e.typ.IsA(typ) {
			return s.handle(e), nil
		}
	}
	return nil, fmt.Errorf("%w: %s with %s %q", store.ErrNotFound, typ, index, key)
}

// Flush validates the pending changes and commits them. On success the
// session stays open on a fresh baseline. On failure nothing durable
// changes and the pending changes are kept, so the caller can fix them and
// flush again, or Revert.
//
// A commit conflict replays the whole pipeline against a fresh baseline up
// to Config.MaxFlushRetries times. An edited record that a concurrent commit
// removed fails the flush with store.ErrNotFound instead.
func (s *Session) Flush(ctx context.Context) error {
	if s.state != StateOpen {
		return &IllegalStateError{Op: "flush", State: s.state}
	}
	if s.readOnly {
		return nil
	}
	s.state = StateFlushing
	defer func() {
		if s.state == StateFlushing {
			s.state = StateOpen
		}
	}()

	retries := s.m.config.MaxFlushRetries
	for attempt := 0; ; attempt++ {
		err := s.flushOnce(ctx)
		if err == nil || !isConflict(err) {
			return err
		}
		if attempt >= retries {
			return fmt.Errorf("espalier: flush failed after %d retries: %w", retries, err)
		}
		s.logger.Warn("commit conflict, replaying flush on a fresh baseline",
			"attempt", attempt+1, "error", err)
		if err := s.rebase(ctx); err != nil {
			return fmt.Errorf("replay flush: %w", err)
		}
	}
}

// Commit flushes and closes the session.
func (s *Session) Commit(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	s.dispose(StateCommitted)
	return nil
}

// Revert discards every pending change and moves the session to the latest
// committed state.
func (s *Session) Revert(ctx context.Context) error {
	if s.state != StateOpen {
		return &IllegalStateError{Op: "revert", State: s.state}
	}
	snap, err := s.m.store.BeginSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	s.snap.Release()
	s.snap = snap
	s.tracker = newTracker()
	return nil
}

// Abort discards pending changes and closes the session. Aborting a closed
// session does nothing.
func (s *Session) Abort() {
	if s.state == StateCommitted || s.state == StateAborted {
		return
	}
	s.dispose(StateAborted)
}

func (s *Session) dispose(state State) {
	if s.snap != nil {
		s.snap.Release()
	}
	s.tracker = newTracker()
	s.state = state
}

// rebase moves the session to the latest committed state while keeping the
// pending edits. Committed values read so far are reloaded.
func (s *Session) rebase(ctx context.Context) error {
	snap, err := s.m.store.BeginSnapshot(ctx)
	if err != nil {
		return err
	}
	s.snap.Release()
	s.snap = snap

	for id, e := range s.tracker.entries {
		if e.isNew {
			continue
		}
		if e.seq == 0 {
			delete(s.tracker.entries, id)
			continue
		}
		_, ok, err := snap.TypeOf(ctx, id)
		if err != nil {
			return fmt.Errorf("read type of %s: %w", id, err)
		}
		if _, changed := s.tracker.change(e); !ok && changed && !e.removed {
			return fmt.Errorf("%w: %s %s was removed by a concurrent commit", store.ErrNotFound, e.typ.Name, id)
		}
		e.gone = !ok
		props := e.baseProps
		e.baseProps = make(map[string]store.Value, len(props))
		for field := range props {
			if _, err := s.baseProp(ctx, e, field); err != nil {
				return err
			}
		}
		links := e.baseLinks
		e.baseLinks = make(map[string][]store.ID, len(links))
		for field := range links {
			if err := s.loadLinks(ctx, e, field); err != nil {
				return err
			}
		}
		e.normalize()
	}
	return nil
}
