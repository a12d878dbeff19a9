package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/jacentio/espalier/schema"
	"github.com/jacentio/espalier/store"
)

// cascade removes every record reachable through CASCADE policies from the
// removed records not resolved yet, breadth first, then applies CLEAR
// policies. Each record is scheduled at most once, so cycles terminate.
func (s *Session) cascade(ctx context.Context) error {
	fs := s.flush
	var frontier []*entry
	for _, e := range s.tracker.order {
		if e.removed && !fs.resolved[e.id] {
			frontier = append(frontier, e)
		}
	}
	if len(frontier) == 0 {
		return nil
	}
	root := frontier[0].id
	limit := s.m.config.MaxCascadeDepth

	for depth := 0; len(frontier) > 0; depth++ {
		if depth > limit {
			return &CascadeDepthError{ID: root, Depth: limit}
		}
		var next []*entry
		schedule := func(e *entry) {
			if s.tracker.recordRemoved(e) {
				next = append(next, e)
			}
		}
		for _, e := range frontier {
			if fs.resolved[e.id] {
				continue
			}
			fs.resolved[e.id] = true

			for _, l := range e.typ.Links() {
				if l.OnDelete != schema.Cascade {
					continue
				}
				targets, err := s.linkedEntries(ctx, e, l.Name)
				if err != nil {
					return err
				}
				for _, te := range targets {
					schedule(te)
				}
			}
			for _, in := range e.typ.Incoming() {
				if in.Link.OnTargetDelete != schema.Cascade {
					continue
				}
				sources, err := s.incoming(ctx, e, in)
				if err != nil {
					return err
				}
				for _, se := range sources {
					schedule(se)
				}
			}
		}
		frontier = next
	}

	for _, e := range slices.Clone(s.tracker.order) {
		if !e.removed || fs.cleared[e.id] {
			continue
		}
		fs.cleared[e.id] = true
		if err := s.clear(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// clear drops the links that still point at a removed record from records
// that stay. Links guarded by a blocking policy are kept for validation.
func (s *Session) clear(ctx context.Context, e *entry) error {
	for _, l := range e.typ.Links() {
		if l.OnDelete != schema.Clear || !l.Direction.Mirrored() {
			continue
		}
		targets, err := s.linkedEntries(ctx, e, l.Name)
		if err != nil {
			return err
		}
		for _, te := range targets {
			opp, ok := te.typ.Link(l.Opposite)
			if !ok || opp.OnTargetDelete.Blocking() {
				continue
			}
			if err := s.loadLinks(ctx, te, opp.Name); err != nil {
				return err
			}
			s.tracker.linkChanged(te, opp.Name, nil, []store.ID{e.id})
		}
	}
	for _, in := range e.typ.Incoming() {
		if in.Link.OnTargetDelete != schema.Clear {
			continue
		}
		sources, err := s.incoming(ctx, e, in)
		if err != nil {
			return err
		}
		for _, se := range sources {
			s.tracker.linkChanged(se, in.Link.Name, nil, []store.ID{e.id})
		}
	}
	return nil
}

// linkedEntries returns the live targets of a link field, skipping targets
// already removed or no longer in the store.
func (s *Session) linkedEntries(ctx context.Context, e *entry, field string) ([]*entry, error) {
	ids, err := s.links(ctx, e, field)
	if err != nil {
		return nil, err
	}
	out := make([]*entry, 0, len(ids))
	for _, id := range ids {
		te, err := s.entry(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !te.removed {
			out = append(out, te)
		}
	}
	return out, nil
}

// incoming returns the live records of in.Source whose link field currently
// targets e: committed links that were not removed in the session, then
// links added in the session.
func (s *Session) incoming(ctx context.Context, e *entry, in schema.Incoming) ([]*entry, error) {
	src, ok := s.m.schema.Type(in.Source)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, in.Source)
	}
	field := in.Link.Name
	seen := make(map[store.ID]bool)
	var out []*entry

	if !e.isNew {
		ids, err := s.snap.Incoming(ctx, e.id, in.Source, field)
		if err != nil {
			return nil, fmt.Errorf("query incoming %s.%s of %s: %w", in.Source, field, e.id, err)
		}
		for _, id := range ids {
			se := s.lookup(id, src)
			if se.removed || seen[id] {
				continue
			}
			cur, err := s.links(ctx, se, field)
			if err != nil {
				return nil, err
			}
			if slices.Contains(cur, e.id) {
				seen[id] = true
				out = append(out, se)
			}
		}
	}
	for _, se := range s.tracker.order {
		if se.typ != src || se.removed || seen[se.id] {
			continue
		}
		if d := se.links[field]; d != nil && slices.Contains(d.added, e.id) {
			seen[se.id] = true
			out = append(out, se)
		}
	}
	return out, nil
}

// blockingRef is one field of a removed record that is still linked under a
// blocking policy.
type blockingRef struct {
	deleted   *entry
	link      *schema.Link
	policy    schema.Policy
	offenders []*entry
}

// checkReferences evaluates the blocking policies of every removed record.
// FAIL returns a failure immediately; FAIL_PER_ENTITY and FAIL_PER_TYPE
// return violations so that every blocking reference is reported at once.
func (s *Session) checkReferences(ctx context.Context) ([]Violation, error) {
	var refs []blockingRef
	for _, e := range s.tracker.order {
		if !e.removed {
			continue
		}
		for _, l := range e.typ.Links() {
			if !l.OnDelete.Blocking() {
				continue
			}
			targets, err := s.linkedEntries(ctx, e, l.Name)
			if err != nil {
				return nil, err
			}
			if len(targets) > 0 {
				refs = append(refs, blockingRef{deleted: e, link: l, policy: l.OnDelete, offenders: targets})
			}
		}
		for _, in := range e.typ.Incoming() {
			if !in.Link.OnTargetDelete.Blocking() {
				continue
			}
			sources, err := s.incoming(ctx, e, in)
			if err != nil {
				return nil, err
			}
			if len(sources) > 0 {
				refs = append(refs, blockingRef{deleted: e, link: in.Link, policy: in.Link.OnTargetDelete, offenders: sources})
			}
		}
	}

	var out []Violation
	for _, ref := range refs {
		if ref.policy != schema.Fail {
			continue
		}
		v, err := s.failViolation(ctx, ref)
		if err != nil {
			return nil, err
		}
		return nil, newFailure([]Violation{v})
	}
	for _, ref := range refs {
		switch ref.policy {
		case schema.FailPerEntity:
			for _, o := range ref.offenders {
				v, err := s.entityViolation(ctx, ref, o)
				if err != nil {
					return nil, err
				}
				out = append(out, v)
			}
		case schema.FailPerType:
			vs, err := s.typeViolations(ctx, ref)
			if err != nil {
				return nil, err
			}
			out = append(out, vs...)
		}
	}
	return out, nil
}

func (s *Session) offense(ctx context.Context, ref blockingRef, o *entry) (schema.Offense, error) {
	name, err := s.displayName(ctx, o)
	if err != nil {
		return schema.Offense{}, err
	}
	return schema.Offense{
		Field:       ref.link.QualifiedName(),
		Deleted:     ref.deleted.id,
		DeletedType: ref.deleted.typ.Name,
		Linked:      o.id,
		LinkedType:  o.typ.Name,
		LinkedName:  name,
	}, nil
}

func (s *Session) failViolation(ctx context.Context, ref blockingRef) (Violation, error) {
	o := ref.offenders[0]
	off, err := s.offense(ctx, ref, o)
	if err != nil {
		return Violation{}, err
	}
	ids := []store.ID{ref.deleted.id}
	for _, o := range ref.offenders {
		ids = append(ids, o.id)
	}
	return Violation{
		Kind:  KindReference,
		Type:  ref.deleted.typ.Name,
		IDs:   ids,
		Field: off.Field,
		Rule:  ref.policy.String(),
		Count: len(ref.offenders),
		Message: fmt.Sprintf("%s: %s %s cannot be deleted, %d record(s) linked via %s",
			ref.policy, off.DeletedType, off.Deleted, len(ref.offenders), off.Field),
		DisplayMessage: ref.link.FormatEntity(off),
	}, nil
}

func (s *Session) entityViolation(ctx context.Context, ref blockingRef, o *entry) (Violation, error) {
	off, err := s.offense(ctx, ref, o)
	if err != nil {
		return Violation{}, err
	}
	return Violation{
		Kind:  KindReference,
		Type:  ref.deleted.typ.Name,
		IDs:   []store.ID{ref.deleted.id, o.id},
		Field: off.Field,
		Rule:  ref.policy.String(),
		Count: 1,
		Message: fmt.Sprintf("%s: %s %s is linked to deleted %s %s via %s",
			ref.policy, off.LinkedType, off.Linked, off.DeletedType, off.Deleted, off.Field),
		DisplayMessage: ref.link.FormatEntity(off),
	}, nil
}

// typeViolations reports one violation per offending type, naming at most
// Config.FailSampleBound offenders followed by schema.MoreMarker.
func (s *Session) typeViolations(ctx context.Context, ref blockingRef) ([]Violation, error) {
	var types []string
	byType := make(map[string][]*entry)
	for _, o := range ref.offenders {
		if _, ok := byType[o.typ.Name]; !ok {
			types = append(types, o.typ.Name)
		}
		byType[o.typ.Name] = append(byType[o.typ.Name], o)
	}

	bound := s.m.config.FailSampleBound
	out := make([]Violation, 0, len(types))
	for _, typ := range types {
		offenders := byType[typ]
		ids := []store.ID{ref.deleted.id}
		names := make([]string, 0, min(len(offenders), bound))
		for i, o := range offenders {
			ids = append(ids, o.id)
			if i >= bound {
				continue
			}
			name, err := s.displayName(ctx, o)
			if err != nil {
				return nil, err
			}
			names = append(names, name)
		}
		header := ref.link.FormatTypeHeader(schema.TypeOffense{
			Field:       ref.link.QualifiedName(),
			Deleted:     ref.deleted.id,
			DeletedType: ref.deleted.typ.Name,
			LinkedType:  typ,
			Count:       len(offenders),
		})
		display := header + ": " + strings.Join(names, ", ")
		if len(offenders) > bound {
			display += " " + schema.MoreMarker
		}
		out = append(out, Violation{
			Kind:  KindReference,
			Type:  ref.deleted.typ.Name,
			IDs:   ids,
			Field: ref.link.QualifiedName(),
			Rule:  ref.policy.String(),
			Count: len(offenders),
			Message: fmt.Sprintf("%s: %s %s is linked from %d %s record(s) via %s",
				ref.policy, ref.deleted.typ.Name, ref.deleted.id, len(offenders), typ, ref.link.QualifiedName()),
			DisplayMessage: display,
		})
	}
	return out, nil
}

// displayName returns the display property of a record, or its id.
func (s *Session) displayName(ctx context.Context, e *entry) (string, error) {
	if e.typ.Display == "" {
		return string(e.id), nil
	}
	v, err := s.value(ctx, e, e.typ.Display)
	if err != nil {
		return "", err
	}
	if v == nil {
		return string(e.id), nil
	}
	return fmt.Sprint(v), nil
}
