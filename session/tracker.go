package session

import (
	"maps"
	"slices"

	"github.com/jacentio/espalier/schema"
	"github.com/jacentio/espalier/store"
)

// PropertyChange is the net change of a property since the baseline.
type PropertyChange struct {
	Old store.Value
	New store.Value
}

// LinkChange is the net change of a link field since the baseline.
type LinkChange struct {
	Added   []store.ID
	Removed []store.ID
}

// Change describes one added, updated or removed record.
type Change struct {
	ID   store.ID
	Type string
	Kind EventKind

	// Properties and Links are empty for removed records.
	Properties map[string]PropertyChange
	Links      map[string]LinkChange
}

// linkDelta is the edit of a link field relative to its committed targets.
type linkDelta struct {
	added   []store.ID
	removed map[store.ID]bool
}

func (d *linkDelta) clone() *linkDelta {
	return &linkDelta{added: slices.Clone(d.added), removed: maps.Clone(d.removed)}
}

// entry is the session-side state of one record: the committed values read
// so far and the pending edits on top of them.
type entry struct {
	id  store.ID
	typ *schema.Type

	// seq is the first-touched order; 0 until the record is mutated.
	seq     int
	isNew   bool
	removed bool

	// gone marks a committed record that disappeared after a rebase.
	gone bool

	baseProps map[string]store.Value
	baseLinks map[string][]store.ID
	props     map[string]store.Value
	links     map[string]*linkDelta
}

func newEntry(id store.ID, typ *schema.Type) *entry {
	return &entry{
		id:        id,
		typ:       typ,
		baseProps: make(map[string]store.Value),
		baseLinks: make(map[string][]store.ID),
		props:     make(map[string]store.Value),
		links:     make(map[string]*linkDelta),
	}
}

func (e *entry) clone() *entry {
	c := *e
	c.baseProps = maps.Clone(e.baseProps)
	c.baseLinks = maps.Clone(e.baseLinks)
	c.props = maps.Clone(e.props)
	c.links = make(map[string]*linkDelta, len(e.links))
	for field, d := range e.links {
		c.links[field] = d.clone()
	}
	return &c
}

// currentLinks returns the committed targets minus removals, followed by
// additions. The result is a fresh slice.
func (e *entry) currentLinks(field string) []store.ID {
	base := e.baseLinks[field]
	d := e.links[field]
	if d == nil {
		return slices.Clone(base)
	}
	out := make([]store.ID, 0, len(base)+len(d.added))
	for _, id := range base {
		if !d.removed[id] {
			out = append(out, id)
		}
	}
	for _, id := range d.added {
		if !slices.Contains(base, id) {
			out = append(out, id)
		}
	}
	return out
}

// netLinks returns the targets added and removed relative to the baseline.
func (e *entry) netLinks(field string) (added, removed []store.ID) {
	d := e.links[field]
	if d == nil {
		return nil, nil
	}
	base := e.baseLinks[field]
	for _, id := range d.added {
		if !slices.Contains(base, id) {
			added = append(added, id)
		}
	}
	for _, id := range base {
		if d.removed[id] {
			removed = append(removed, id)
		}
	}
	return added, removed
}

// normalize drops edits that became no-ops after the baseline moved.
func (e *entry) normalize() {
	for field, v := range e.props {
		if store.Equal(v, e.baseProps[field]) {
			delete(e.props, field)
		}
	}
	for field, d := range e.links {
		base := e.baseLinks[field]
		d.added = slices.DeleteFunc(d.added, func(id store.ID) bool { return slices.Contains(base, id) })
		maps.DeleteFunc(d.removed, func(id store.ID, _ bool) bool { return !slices.Contains(base, id) })
		if len(d.added) == 0 && len(d.removed) == 0 {
			delete(e.links, field)
		}
	}
}

// Tracker records the mutations of a session since its baseline and
// describes them in first-touched order. Mutations that return a field to
// its committed value cancel out.
//
// The property and link edit methods expect the committed value of the
// field to be loaded into the entry already.
type Tracker struct {
	entries map[store.ID]*entry
	order   []*entry
	seq     int

	// gen increases on every effective mutation.
	gen uint64
}

func newTracker() *Tracker {
	return &Tracker{entries: make(map[store.ID]*entry)}
}

func (t *Tracker) clone() *Tracker {
	c := &Tracker{
		entries: make(map[store.ID]*entry, len(t.entries)),
		order:   make([]*entry, len(t.order)),
		seq:     t.seq,
		gen:     t.gen,
	}
	for id, e := range t.entries {
		c.entries[id] = e.clone()
	}
	for i, e := range t.order {
		c.order[i] = c.entries[e.id]
	}
	return c
}

// load returns the entry of a committed record, creating an untouched one.
func (t *Tracker) load(id store.ID, typ *schema.Type) *entry {
	if e, ok := t.entries[id]; ok {
		return e
	}
	e := newEntry(id, typ)
	t.entries[id] = e
	return e
}

func (t *Tracker) touch(e *entry) {
	if e.seq == 0 {
		t.seq++
		e.seq = t.seq
		t.order = append(t.order, e)
	}
	t.gen++
}

func (t *Tracker) recordAdded(id store.ID, typ *schema.Type) *entry {
	e := newEntry(id, typ)
	e.isNew = true
	t.entries[id] = e
	t.touch(e)
	return e
}

func (t *Tracker) recordRemoved(e *entry) bool {
	if e.removed {
		return false
	}
	e.removed = true
	t.touch(e)
	return true
}

func (t *Tracker) propertyChanged(e *entry, field string, v store.Value) bool {
	cur, pending := e.props[field]
	if store.Equal(v, e.baseProps[field]) {
		if !pending {
			return false
		}
		delete(e.props, field)
	} else {
		if pending && store.Equal(cur, v) {
			return false
		}
		e.props[field] = v
	}
	t.touch(e)
	return true
}

func (t *Tracker) linkChanged(e *entry, field string, added, removed []store.ID) bool {
	base := e.baseLinks[field]
	d := e.links[field]
	if d == nil {
		d = &linkDelta{removed: make(map[store.ID]bool)}
	}
	changed := false
	for _, id := range removed {
		if i := slices.Index(d.added, id); i >= 0 {
			d.added = slices.Delete(d.added, i, i+1)
			changed = true
			continue
		}
		if slices.Contains(base, id) && !d.removed[id] {
			d.removed[id] = true
			changed = true
		}
	}
	for _, id := range added {
		if d.removed[id] {
			delete(d.removed, id)
			changed = true
			continue
		}
		if !slices.Contains(base, id) && !slices.Contains(d.added, id) {
			d.added = append(d.added, id)
			changed = true
		}
	}
	if len(d.added) == 0 && len(d.removed) == 0 {
		delete(e.links, field)
	} else {
		e.links[field] = d
	}
	if changed {
		t.touch(e)
	}
	return changed
}

// change computes the net change of a touched entry.
func (t *Tracker) change(e *entry) (Change, bool) {
	if e.seq == 0 {
		return Change{}, false
	}
	c := Change{ID: e.id, Type: e.typ.Name}
	switch {
	case e.removed && (e.isNew || e.gone):
		// Never reached the store, or already gone from it.
		return Change{}, false
	case e.removed:
		c.Kind = Removed
		return c, true
	case e.isNew:
		c.Kind = Added
	default:
		c.Kind = Updated
	}

	for field, v := range e.props {
		old := e.baseProps[field]
		if store.Equal(v, old) {
			continue
		}
		if c.Properties == nil {
			c.Properties = make(map[string]PropertyChange)
		}
		c.Properties[field] = PropertyChange{Old: old, New: v}
	}
	for field := range e.links {
		added, removed := e.netLinks(field)
		if len(added) == 0 && len(removed) == 0 {
			continue
		}
		if c.Links == nil {
			c.Links = make(map[string]LinkChange)
		}
		c.Links[field] = LinkChange{Added: added, Removed: removed}
	}
	if c.Kind == Updated && c.Properties == nil && c.Links == nil {
		return Change{}, false
	}
	return c, true
}

// Describe returns the net changes in first-touched order. A record added
// and removed in the same session is left out.
func (t *Tracker) Describe() []Change {
	out := make([]Change, 0, len(t.order))
	for _, e := range t.order {
		if c, ok := t.change(e); ok {
			out = append(out, c)
		}
	}
	return out
}

// HasChanges reports whether Describe would return anything.
func (t *Tracker) HasChanges() bool {
	for _, e := range t.order {
		if _, ok := t.change(e); ok {
			return true
		}
	}
	return false
}

// IsAdded reports whether id was created in the session and not removed.
func (t *Tracker) IsAdded(id store.ID) bool {
	e, ok := t.entries[id]
	return ok && e.isNew && !e.removed
}

// IsRemoved reports whether id was removed in the session.
func (t *Tracker) IsRemoved(id store.ID) bool {
	e, ok := t.entries[id]
	return ok && e.removed
}

// IsUpdated reports whether id is a committed record with net changes.
func (t *Tracker) IsUpdated(id store.ID) bool {
	e, ok := t.entries[id]
	if !ok {
		return false
	}
	c, ok := t.change(e)
	return ok && c.Kind == Updated
}
