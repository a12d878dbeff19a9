package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/jacentio/espalier/store"
)

type firedKey struct {
	id   store.ID
	kind EventKind
}

// flushState is the per-attempt bookkeeping of the pipeline. Every
// (record, kind) pair is notified at most once per phase and attempt.
type flushState struct {
	fired      [phaseCount]map[firedKey]bool
	hooked     map[store.ID]bool
	destructed map[store.ID]bool
	resolved   map[store.ID]bool
	cleared    map[store.ID]bool
}

func newFlushState() *flushState {
	fs := &flushState{
		hooked:     make(map[store.ID]bool),
		destructed: make(map[store.ID]bool),
		resolved:   make(map[store.ID]bool),
		cleared:    make(map[store.ID]bool),
	}
	for i := range fs.fired {
		fs.fired[i] = make(map[firedKey]bool)
	}
	return fs
}

func isConflict(err error) bool { return errors.Is(err, store.ErrConflict) }

// flushOnce runs one attempt of the pipeline. On any failure the tracker is
// restored to its state before the attempt.
func (s *Session) flushOnce(ctx context.Context) (err error) {
	checkpoint := s.tracker.clone()
	committed := false
	s.flush = newFlushState()
	defer func() {
		s.flush = nil
		if err != nil && !committed {
			s.tracker = checkpoint
		}
	}()

	if err := s.settle(ctx); err != nil {
		return err
	}
	for pass := 0; ; pass++ {
		gen := s.tracker.gen
		if err := s.dispatch(ctx, PhaseBeforeFlush); err != nil {
			return err
		}
		if s.tracker.gen == gen {
			break
		}
		if err := s.settle(ctx); err != nil {
			return err
		}
		if pass >= s.m.config.BeforeFlushPasses {
			break
		}
	}

	changes := s.tracker.Describe()
	if len(changes) == 0 {
		s.tracker = newTracker()
		return nil
	}
	batch, err := s.buildChanges(ctx, changes)
	if err != nil {
		return err
	}
	if err := s.m.store.Commit(ctx, s.snap, batch); err != nil {
		return err
	}
	committed = true
	s.logger.Debug("committed session changes",
		"records", len(changes), "writes", len(batch.Writes),
		"claims", len(batch.Claims), "releases", len(batch.Releases))
	return s.afterCommit(ctx, changes)
}

// settle runs hooks, link policies and SyncBeforeConstraints listeners until
// they stop producing changes, then validates.
func (s *Session) settle(ctx context.Context) error {
	for pass := 0; ; pass++ {
		if pass >= s.m.config.MaxListenerPasses {
			return fmt.Errorf("%w after %d passes", ErrListenerLoop, pass)
		}
		gen := s.tracker.gen
		if err := s.runHooks(ctx); err != nil {
			return err
		}
		if err := s.cascade(ctx); err != nil {
			return err
		}
		if err := s.dispatch(ctx, PhaseBeforeConstraints); err != nil {
			return err
		}
		if s.tracker.gen == gen {
			break
		}
	}
	return s.validate(ctx)
}

func (s *Session) runHooks(ctx context.Context) error {
	for _, e := range slices.Clone(s.tracker.order) {
		h, ok := s.m.hooksFor(e.typ)
		if !ok {
			continue
		}
		if e.removed {
			if h.Destructor == nil || s.flush.destructed[e.id] {
				continue
			}
			s.flush.destructed[e.id] = true
			if err := h.Destructor(ctx, s.handle(e)); err != nil {
				return fmt.Errorf("destructor of %s %s: %w", e.typ.Name, e.id, err)
			}
			continue
		}
		if h.BeforeFlush == nil || s.flush.hooked[e.id] {
			continue
		}
		if _, changed := s.tracker.change(e); !changed {
			continue
		}
		s.flush.hooked[e.id] = true
		if err := h.BeforeFlush(ctx, s.handle(e)); err != nil {
			return fmt.Errorf("before flush hook of %s %s: %w", e.typ.Name, e.id, err)
		}
	}
	return nil
}

// dispatch notifies the listeners of one pre-commit phase about every
// change not yet notified in that phase.
func (s *Session) dispatch(ctx context.Context, phase Phase) error {
	fired := s.flush.fired[phase]
	for _, c := range s.tracker.Describe() {
		k := firedKey{id: c.ID, kind: c.Kind}
		if fired[k] {
			continue
		}
		fired[k] = true
		ev := Event{Kind: c.Kind, Phase: phase, Change: c, Session: s, Record: s.handle(s.tracker.entries[c.ID])}
		for _, l := range s.m.listeners.match(c.Type, c.ID) {
			if !l.Active() {
				continue
			}
			if err := l.Listener.HandleEvent(ctx, ev); err != nil {
				return fmt.Errorf("%s listener for %s %s: %w", phase, c.Kind, c.ID, err)
			}
		}
	}
	return nil
}

// buildChanges turns the change description into store writes, unique key
// claims and existence requirements.
func (s *Session) buildChanges(ctx context.Context, changes []Change) (*store.Changes, error) {
	batch := &store.Changes{}
	required := make(map[store.ID]bool)
	require := func(ids []store.ID) {
		for _, id := range ids {
			if e, ok := s.tracker.entries[id]; ok && e.isNew {
				continue
			}
			required[id] = true
		}
	}

	for _, c := range changes {
		e := s.tracker.entries[c.ID]
		w := store.Write{ID: c.ID, Type: c.Type}
		switch c.Kind {
		case Added:
			w.Op = store.OpCreate
			w.Properties = make(map[string]store.Value, len(c.Properties))
			for field, pc := range c.Properties {
				w.Properties[field] = pc.New
			}
			w.Links = make(map[string][]store.ID, len(c.Links))
			for field := range c.Links {
				w.Links[field] = e.currentLinks(field)
				require(w.Links[field])
			}
		case Updated:
			w.Op = store.OpUpdate
			w.Properties = make(map[string]store.Value, len(c.Properties))
			for field, pc := range c.Properties {
				w.Properties[field] = pc.New
			}
			w.Links = make(map[string][]store.ID, len(c.Links))
			for field, lc := range c.Links {
				w.Links[field] = e.currentLinks(field)
				require(lc.Added)
			}
		case Removed:
			w.Op = store.OpDelete
		}
		batch.Writes = append(batch.Writes, w)

		if err := s.indexChanges(ctx, e, c, batch); err != nil {
			return nil, err
		}
	}

	for _, id := range slices.Sorted(maps.Keys(required)) {
		batch.Requires = append(batch.Requires, id)
	}
	return batch, nil
}

func (s *Session) indexChanges(ctx context.Context, e *entry, c Change, batch *store.Changes) error {
	for _, idx := range e.typ.Indexes() {
		if c.Kind == Updated && !slices.ContainsFunc(idx.Fields, func(f string) bool {
			_, ok := c.Properties[f]
			return ok
		}) {
			continue
		}
		var oldKey, newKey string
		var hadOld, hasNew bool
		var err error
		if c.Kind != Added {
			if oldKey, hadOld, err = s.baseIndexKey(ctx, e, idx); err != nil {
				return err
			}
		}
		if c.Kind != Removed {
			if newKey, hasNew, err = s.indexKey(ctx, e, idx); err != nil {
				return err
			}
		}
		if hadOld && hasNew && oldKey == newKey {
			continue
		}
		if hadOld {
			batch.Releases = append(batch.Releases, store.Claim{Scope: idx.Scope, Key: oldKey, ID: e.id})
		}
		if hasNew {
			batch.Claims = append(batch.Claims, store.Claim{Scope: idx.Scope, Key: newKey, ID: e.id})
		}
	}
	return nil
}

// afterCommit moves the session to the new baseline, runs Sync listeners
// and schedules Async ones.
func (s *Session) afterCommit(ctx context.Context, changes []Change) error {
	s.tracker = newTracker()
	snap, err := s.m.store.BeginSnapshot(ctx)
	if err != nil {
		s.dispose(StateAborted)
		return fmt.Errorf("espalier: changes committed but baseline refresh failed: %w", err)
	}
	s.snap.Release()
	s.snap = snap

	s.frozen = true
	for _, c := range changes {
		t, _ := s.m.schema.Type(c.Type)
		ev := Event{Kind: c.Kind, Phase: PhaseSync, Change: c, Session: s, Record: &Record{s: s, id: c.ID, typ: t}}
		for _, l := range s.m.listeners.match(c.Type, c.ID) {
			if !l.Active() {
				continue
			}
			if err := l.Listener.HandleEvent(ctx, ev); err != nil {
				s.logger.Error("sync listener failed", "record", c.ID, "kind", c.Kind.String(), "error", err)
			}
		}
	}
	s.frozen = false

	s.enqueueAsync(changes)
	return nil
}

func (s *Session) enqueueAsync(changes []Change) {
	logger := s.logger
	for _, c := range changes {
		listeners := s.m.listeners.match(c.Type, c.ID)
		if len(listeners) == 0 {
			continue
		}
		ev := Event{Kind: c.Kind, Phase: PhaseAsync, Change: c}
		err := s.m.queue.Enqueue(func(ctx context.Context) {
			for _, l := range listeners {
				if !l.Active() {
					continue
				}
				if err := l.Listener.HandleEvent(ctx, ev); err != nil {
					logger.Error("async listener failed", "record", ev.Change.ID, "kind", ev.Kind.String(), "error", err)
				}
			}
		})
		if err != nil {
			logger.Warn("async notification dropped", "record", c.ID, "kind", c.Kind.String(), "error", err)
		}
	}
}
