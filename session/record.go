package session

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jacentio/espalier/schema"
	"github.com/jacentio/espalier/store"
)

// Record is a handle on a record within a session. Reads observe pending
// changes of the session on top of its baseline.
type Record struct {
	s   *Session
	id  store.ID
	typ *schema.Type
}

// ID returns the record id.
func (r *Record) ID() store.ID { return r.id }

// Type returns the name of the record's concrete type.
func (r *Record) Type() string { return r.typ.Name }

// Schema returns the flattened type of the record.
func (r *Record) Schema() *schema.Type { return r.typ }

// Session returns the session the handle belongs to.
func (r *Record) Session() *Session { return r.s }

// IsNew reports whether the record was created in the session.
func (r *Record) IsNew() bool {
	e, ok := r.s.tracker.entries[r.id]
	return ok && e.isNew
}

// IsRemoved reports whether the record was removed in the session.
func (r *Record) IsRemoved() bool { return r.s.tracker.IsRemoved(r.id) }

func (r *Record) property(field string) (*schema.Property, error) {
	p, ok := r.typ.Property(field)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, r.typ.Name, field)
	}
	return p, nil
}

func (r *Record) link(field string) (*schema.Link, error) {
	l, ok := r.typ.Link(field)
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownField, r.typ.Name, field)
	}
	return l, nil
}

// writable returns the entry of the record if it may be mutated.
func (r *Record) writable(ctx context.Context, op string) (*entry, error) {
	if err := r.s.checkWritable(op); err != nil {
		return nil, err
	}
	e, err := r.s.entry(ctx, r.id)
	if err != nil {
		return nil, err
	}
	if e.removed {
		return nil, &IllegalStateError{Op: op, State: r.s.state, Err: ErrRecordRemoved}
	}
	return e, nil
}

// Get returns the current value of a property. Reading an unset required
// property fails with *RequiredFieldUndefinedError.
func (r *Record) Get(ctx context.Context, field string) (store.Value, error) {
	v, err := r.GetOr(ctx, field, nil)
	if err != nil {
		return nil, err
	}
	if v == nil {
		if p, _ := r.typ.Property(field); p.Required {
			return nil, &RequiredFieldUndefinedError{ID: r.id, Type: r.typ.Name, Field: field}
		}
	}
	return v, nil
}

// GetOr returns the current value of a property, or def when it is unset.
func (r *Record) GetOr(ctx context.Context, field string, def store.Value) (store.Value, error) {
	if err := r.s.checkReadable("read property"); err != nil {
		return nil, err
	}
	if _, err := r.property(field); err != nil {
		return nil, err
	}
	e, err := r.s.entry(ctx, r.id)
	if err != nil {
		return nil, err
	}
	v, err := r.s.value(ctx, e, field)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return def, nil
	}
	return v, nil
}

// Set changes a property. Integers are widened to int64 and float32 to
// float64. Setting the committed value again cancels the change.
func (r *Record) Set(ctx context.Context, field string, v store.Value) error {
	p, err := r.property(field)
	if err != nil {
		return err
	}
	e, err := r.writable(ctx, "set property")
	if err != nil {
		return err
	}
	v, err = p.Kind.Normalize(v)
	if err != nil {
		return fmt.Errorf("%s.%s: %w", r.typ.Name, field, err)
	}
	if _, err := r.s.baseProp(ctx, e, field); err != nil {
		return err
	}
	r.s.tracker.propertyChanged(e, field, v)
	return nil
}

// Unset clears a property.
func (r *Record) Unset(ctx context.Context, field string) error {
	return r.Set(ctx, field, nil)
}

// LinkIDs returns the current targets of a link field.
func (r *Record) LinkIDs(ctx context.Context, field string) ([]store.ID, error) {
	if err := r.s.checkReadable("read links"); err != nil {
		return nil, err
	}
	if _, err := r.link(field); err != nil {
		return nil, err
	}
	e, err := r.s.entry(ctx, r.id)
	if err != nil {
		return nil, err
	}
	return r.s.links(ctx, e, field)
}

// Links returns the current targets of a link field.
func (r *Record) Links(ctx context.Context, field string) ([]*Record, error) {
	ids, err := r.LinkIDs(ctx, field)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(ids))
	for _, id := range ids {
		e, err := r.s.entry(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, r.s.handle(e))
	}
	return out, nil
}

// Link returns the target of a single-valued link, or nil when unset.
// Reading an unset required link fails with *RequiredFieldUndefinedError.
func (r *Record) Link(ctx context.Context, field string) (*Record, error) {
	targets, err := r.Links(ctx, field)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		if l, _ := r.typ.Link(field); l.Cardinality.Required() {
			return nil, &RequiredFieldUndefinedError{ID: r.id, Type: r.typ.Name, Field: field}
		}
		return nil, nil
	}
	return targets[0], nil
}

func (r *Record) target(ctx context.Context, l *schema.Link, target *Record, op string) (*entry, error) {
	if target == nil || target.s != r.s {
		return nil, fmt.Errorf("%w: target of %s belongs to another session", ErrWrongTarget, l.QualifiedName())
	}
	if !target.typ.IsA(l.Target) {
		return nil, fmt.Errorf("%w: %s expects %s, got %s", ErrWrongTarget, l.QualifiedName(), l.Target, target.typ.Name)
	}
	te, err := r.s.entry(ctx, target.id)
	if err != nil {
		return nil, err
	}
	if te.removed {
		return nil, &IllegalStateError{Op: op, State: r.s.state, Err: ErrRecordRemoved}
	}
	return te, nil
}

// AddLink adds target to a link field and to the opposite field of mirrored
// links. Adding a second target to a single-valued link fails with
// *CardinalityError.
func (r *Record) AddLink(ctx context.Context, field string, target *Record) error {
	l, err := r.link(field)
	if err != nil {
		return err
	}
	e, err := r.writable(ctx, "add link")
	if err != nil {
		return err
	}
	te, err := r.target(ctx, l, target, "add link")
	if err != nil {
		return err
	}
	cur, err := r.s.links(ctx, e, field)
	if err != nil {
		return err
	}
	if slices.Contains(cur, te.id) {
		return nil
	}
	if !l.Cardinality.Many() && len(cur) > 0 {
		return &CardinalityError{ID: r.id, Field: l.QualifiedName(), Cardinality: l.Cardinality}
	}
	return r.s.attach(ctx, e, l, te)
}

// SetLink replaces every target of a link field with target. A nil target
// clears the field.
func (r *Record) SetLink(ctx context.Context, field string, target *Record) error {
	l, err := r.link(field)
	if err != nil {
		return err
	}
	e, err := r.writable(ctx, "set link")
	if err != nil {
		return err
	}
	var te *entry
	if target != nil {
		if te, err = r.target(ctx, l, target, "set link"); err != nil {
			return err
		}
	}
	cur, err := r.s.links(ctx, e, field)
	if err != nil {
		return err
	}
	for _, id := range cur {
		if te != nil && id == te.id {
			continue
		}
		if err := r.s.detach(ctx, e, l, id); err != nil {
			return err
		}
	}
	if te == nil || slices.Contains(cur, te.id) {
		return nil
	}
	return r.s.attach(ctx, e, l, te)
}

// RemoveLink removes target from a link field and its opposite.
func (r *Record) RemoveLink(ctx context.Context, field string, target *Record) error {
	l, err := r.link(field)
	if err != nil {
		return err
	}
	if target == nil {
		return fmt.Errorf("%w: nil target for %s", ErrWrongTarget, l.QualifiedName())
	}
	e, err := r.writable(ctx, "remove link")
	if err != nil {
		return err
	}
	if err := r.s.loadLinks(ctx, e, field); err != nil {
		return err
	}
	return r.s.detach(ctx, e, l, target.id)
}

// ClearLinks removes every target of a link field.
func (r *Record) ClearLinks(ctx context.Context, field string) error {
	return r.SetLink(ctx, field, nil)
}

// Delete marks the record for removal. Link policies are applied when the
// session is flushed.
func (r *Record) Delete(ctx context.Context) error {
	if err := r.s.checkWritable("delete record"); err != nil {
		return err
	}
	e, err := r.s.entry(ctx, r.id)
	if err != nil {
		return err
	}
	r.s.tracker.recordRemoved(e)
	return nil
}

// HasChanges reports whether a property or link field differs from the
// baseline.
func (r *Record) HasChanges(field string) bool {
	e, ok := r.s.tracker.entries[r.id]
	if !ok {
		return false
	}
	if v, ok := e.props[field]; ok {
		return !store.Equal(v, e.baseProps[field])
	}
	added, removed := e.netLinks(field)
	return len(added) > 0 || len(removed) > 0
}

// OldValue returns the baseline value of a property, regardless of later
// changes in the session.
func (r *Record) OldValue(ctx context.Context, field string) (store.Value, error) {
	if err := r.s.checkReadable("read property"); err != nil {
		return nil, err
	}
	if _, err := r.property(field); err != nil {
		return nil, err
	}
	e, err := r.s.entry(ctx, r.id)
	if err != nil {
		return nil, err
	}
	return r.s.baseProp(ctx, e, field)
}

// AddedLinks returns the targets added to a link field since the baseline.
func (r *Record) AddedLinks(field string) []store.ID {
	e, ok := r.s.tracker.entries[r.id]
	if !ok {
		return nil
	}
	added, _ := e.netLinks(field)
	return added
}

// RemovedLinks returns the targets removed from a link field since the
// baseline.
func (r *Record) RemovedLinks(field string) []store.ID {
	e, ok := r.s.tracker.entries[r.id]
	if !ok {
		return nil
	}
	_, removed := e.netLinks(field)
	return removed
}

// attach links e to te through l and mirrors the link on te. A
// single-valued opposite field is moved from its previous target.
func (s *Session) attach(ctx context.Context, e *entry, l *schema.Link, te *entry) error {
	if l.Direction.Mirrored() {
		opp, ok := te.typ.Link(l.Opposite)
		if !ok {
			return fmt.Errorf("%w: %s.%s", ErrUnknownField, te.typ.Name, l.Opposite)
		}
		cur, err := s.links(ctx, te, opp.Name)
		if err != nil {
			return err
		}
		if !opp.Cardinality.Many() {
			for _, old := range cur {
				if old == e.id {
					continue
				}
				if err := s.detach(ctx, te, opp, old); err != nil {
					return err
				}
			}
		}
		s.tracker.linkChanged(te, opp.Name, []store.ID{e.id}, nil)
	}
	if err := s.loadLinks(ctx, e, l.Name); err != nil {
		return err
	}
	s.tracker.linkChanged(e, l.Name, []store.ID{te.id}, nil)
	return nil
}

// detach removes target from e's link field and, for mirrored links, e from
// the target's opposite field.
func (s *Session) detach(ctx context.Context, e *entry, l *schema.Link, target store.ID) error {
	if err := s.loadLinks(ctx, e, l.Name); err != nil {
		return err
	}
	s.tracker.linkChanged(e, l.Name, nil, []store.ID{target})
	if !l.Direction.Mirrored() {
		return nil
	}
	te, err := s.entry(ctx, target)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if te.removed {
		return nil
	}
	if err := s.loadLinks(ctx, te, l.Opposite); err != nil {
		return err
	}
	s.tracker.linkChanged(te, l.Opposite, nil, []store.ID{e.id})
	return nil
}
