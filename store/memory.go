package store

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

type memRecord struct {
	typ     string
	version uint64
	props   map[string]Value
	links   map[string][]ID
}

func (r *memRecord) clone() *memRecord {
	return &memRecord{
		typ:     r.typ,
		version: r.version,
		props:   maps.Clone(r.props),
		links:   maps.Clone(r.links),
	}
}

// memState is immutable once published; commits build a new one.
type memState struct {
	version uint64
	records map[ID]*memRecord
	byType  map[string]map[ID]struct{}
	unique  map[string]ID
}

func uniqueKey(scope, key string) string { return scope + "\x00" + key }

// MemStore is an in-memory Store with snapshot isolation.
//
// Committed state is copy-on-write: every commit publishes a new state and
// snapshots keep a pointer to the state that was current when they began.
// Conflicts are detected per record by comparing the record version with the
// snapshot version.
type MemStore struct {
	mu     sync.RWMutex
	state  *memState
	closed bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		state: &memState{
			records: make(map[ID]*memRecord),
			byType:  make(map[string]map[ID]struct{}),
			unique:  make(map[string]ID),
		},
	}
}

// NewID allocates a random record id.
func (s *MemStore) NewID(string) ID {
	return ID(uuid.NewString())
}

// Version returns the number of commits applied so far.
func (s *MemStore) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.version
}

// BeginSnapshot returns a view of the latest committed state.
func (s *MemStore) BeginSnapshot(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return &memSnapshot{store: s, state: s.state}, nil
}

// Commit applies changes if none of the records they touch were modified
// after base was taken.
func (s *MemStore) Commit(ctx context.Context, base Snapshot, changes *Changes) error {
	snap, ok := base.(*memSnapshot)
	if !ok || snap.store != s {
		return ErrForeignSnapshot
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if changes.Empty() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	cur := s.state
	if err := checkConflicts(cur, snap.state.version, changes); err != nil {
		return err
	}

	next := &memState{
		version: cur.version + 1,
		records: maps.Clone(cur.records),
		byType:  maps.Clone(cur.byType),
		unique:  maps.Clone(cur.unique),
	}
	copied := make(map[string]bool)
	typeSet := func(typ string) map[ID]struct{} {
		if !copied[typ] {
			next.byType[typ] = maps.Clone(next.byType[typ])
			if next.byType[typ] == nil {
				next.byType[typ] = make(map[ID]struct{})
			}
			copied[typ] = true
		}
		return next.byType[typ]
	}

	for _, w := range changes.Writes {
		switch w.Op {
		case OpCreate:
			rec := &memRecord{
				typ:   w.Type,
				props: make(map[string]Value),
				links: make(map[string][]ID),
			}
			applyWrite(rec, w)
			rec.version = next.version
			next.records[w.ID] = rec
			typeSet(w.Type)[w.ID] = struct{}{}
		case OpUpdate:
			rec := next.records[w.ID].clone()
			applyWrite(rec, w)
			rec.version = next.version
			next.records[w.ID] = rec
		case OpDelete:
			rec := next.records[w.ID]
			delete(next.records, w.ID)
			delete(typeSet(rec.typ), w.ID)
		}
	}
	// Linked records get the new version so that a concurrent delete of
	// them conflicts and sees the new link when it replays.
	for _, id := range changes.Requires {
		rec := next.records[id]
		if rec == nil || rec.version == next.version {
			continue
		}
		rec = rec.clone()
		rec.version = next.version
		next.records[id] = rec
	}
	for _, c := range changes.Releases {
		k := uniqueKey(c.Scope, c.Key)
		if next.unique[k] == c.ID {
			delete(next.unique, k)
		}
	}
	for _, c := range changes.Claims {
		next.unique[uniqueKey(c.Scope, c.Key)] = c.ID
	}

	s.state = next
	return nil
}

func checkConflicts(cur *memState, baseVersion uint64, changes *Changes) error {
	deleted := make(map[ID]bool)
	for _, w := range changes.Writes {
		rec := cur.records[w.ID]
		switch w.Op {
		case OpCreate:
			if rec != nil {
				return NewConflictError(w.ID, "record already exists")
			}
		case OpUpdate, OpDelete:
			if rec == nil {
				return NewConflictError(w.ID, "record no longer exists")
			}
			if rec.version > baseVersion {
				return NewConflictError(w.ID, "record was modified concurrently")
			}
			if w.Op == OpDelete {
				deleted[w.ID] = true
			}
		}
	}
	for _, id := range changes.Requires {
		if cur.records[id] == nil {
			return NewConflictError(id, "linked record no longer exists")
		}
	}
	released := make(map[string]bool, len(changes.Releases))
	for _, c := range changes.Releases {
		released[uniqueKey(c.Scope, c.Key)] = true
	}
	for _, c := range changes.Claims {
		k := uniqueKey(c.Scope, c.Key)
		owner, taken := cur.unique[k]
		if taken && owner != c.ID && !released[k] && !deleted[owner] {
			return NewConflictError(c.ID, "unique key "+c.Scope+" is taken by "+string(owner))
		}
	}
	return nil
}

func applyWrite(rec *memRecord, w Write) {
	for field, v := range w.Properties {
		if v == nil {
			delete(rec.props, field)
		} else {
			rec.props[field] = v
		}
	}
	for field, targets := range w.Links {
		if len(targets) == 0 {
			delete(rec.links, field)
		} else {
			rec.links[field] = slices.Clone(targets)
		}
	}
}

// Close marks the store closed. Open snapshots stay readable.
func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type memSnapshot struct {
	store    *MemStore
	state    *memState
	released atomic.Bool
}

// Version returns the commit version the snapshot observes.
func (m *memSnapshot) Version() uint64 { return m.state.version }

func (m *memSnapshot) check(ctx context.Context) error {
	if m.released.Load() {
		return ErrSnapshotReleased
	}
	return ctx.Err()
}

func (m *memSnapshot) TypeOf(ctx context.Context, id ID) (string, bool, error) {
	if err := m.check(ctx); err != nil {
		return "", false, err
	}
	rec, ok := m.state.records[id]
	if !ok {
		return "", false, nil
	}
	return rec.typ, true, nil
}

func (m *memSnapshot) ReadProperty(ctx context.Context, id ID, field string) (Value, bool, error) {
	if err := m.check(ctx); err != nil {
		return nil, false, err
	}
	rec, ok := m.state.records[id]
	if !ok {
		return nil, false, nil
	}
	v, ok := rec.props[field]
	return v, ok, nil
}

func (m *memSnapshot) ReadLinks(ctx context.Context, id ID, field string) ([]ID, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	rec, ok := m.state.records[id]
	if !ok {
		return nil, nil
	}
	return slices.Clone(rec.links[field]), nil
}

func (m *memSnapshot) IterateByType(ctx context.Context, typ string) ([]ID, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	ids := slices.Collect(maps.Keys(m.state.byType[typ]))
	slices.Sort(ids)
	return ids, nil
}

func (m *memSnapshot) IterateByIndex(ctx context.Context, scope, key string) ([]ID, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	if owner, ok := m.state.unique[uniqueKey(scope, key)]; ok {
		return []ID{owner}, nil
	}
	return nil, nil
}

func (m *memSnapshot) Incoming(ctx context.Context, target ID, sourceType, field string) ([]ID, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	var out []ID
	for id := range m.state.byType[sourceType] {
		if slices.Contains(m.state.records[id].links[field], target) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (m *memSnapshot) Release() { m.released.Store(true) }
