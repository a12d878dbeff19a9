package session

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jacentio/espalier/schema"
	"github.com/jacentio/espalier/store"
)

// keySep separates the field values of a compound unique key.
const keySep = "\x1f"

// validate checks every added and updated record and the blocking links of
// removed ones, and returns all violations as one failure.
func (s *Session) validate(ctx context.Context) error {
	refs, err := s.checkReferences(ctx)
	if err != nil {
		return err
	}

	var out []Violation
	claimed := make(map[string]store.ID)
	for _, c := range s.tracker.Describe() {
		if c.Kind == Removed {
			continue
		}
		vs, err := s.validateRecord(ctx, s.tracker.entries[c.ID], c, claimed)
		if err != nil {
			return err
		}
		out = append(out, vs...)
	}
	out = append(out, refs...)
	if len(out) > 0 {
		return newFailure(out)
	}
	return nil
}

func (s *Session) validateRecord(ctx context.Context, e *entry, c Change, claimed map[string]store.ID) ([]Violation, error) {
	var out []Violation
	added := c.Kind == Added

	for _, p := range e.typ.Properties() {
		if _, changed := c.Properties[p.Name]; !added && !changed {
			continue
		}
		v, err := s.value(ctx, e, p.Name)
		if err != nil {
			return nil, err
		}
		if v == nil {
			if p.Required {
				out = append(out, Violation{
					Kind:           KindRequired,
					Type:           e.typ.Name,
					IDs:            []store.ID{e.id},
					Field:          p.Name,
					Rule:           "required",
					Message:        fmt.Sprintf("%s.%s of %s is required", e.typ.Name, p.Name, e.id),
					DisplayMessage: fmt.Sprintf("%s is required", p.Name),
				})
			}
			continue
		}
		for _, con := range p.Constraints {
			if con.Check(v) {
				continue
			}
			out = append(out, Violation{
				Kind:           KindConstraint,
				Type:           e.typ.Name,
				IDs:            []store.ID{e.id},
				Field:          p.Name,
				Rule:           con.Name,
				Message:        fmt.Sprintf("%s.%s of %s: %s", e.typ.Name, p.Name, e.id, con.Message),
				DisplayMessage: fmt.Sprintf("%s %s", p.Name, con.Display()),
			})
		}
	}

	for _, idx := range e.typ.Indexes() {
		vs, err := s.checkUnique(ctx, e, c, idx, claimed)
		if err != nil {
			return nil, err
		}
		out = append(out, vs...)
	}

	for _, l := range e.typ.Links() {
		if !l.Cardinality.Required() {
			continue
		}
		if _, changed := c.Links[l.Name]; !added && !changed {
			continue
		}
		cur, err := s.links(ctx, e, l.Name)
		if err != nil {
			return nil, err
		}
		if len(cur) > 0 {
			continue
		}
		v := Violation{
			Kind:           KindCardinality,
			Type:           e.typ.Name,
			IDs:            []store.ID{e.id},
			Field:          l.QualifiedName(),
			Rule:           l.Cardinality.String(),
			Message:        fmt.Sprintf("%s of %s needs at least one target (%s)", l.QualifiedName(), e.id, l.Cardinality),
			DisplayMessage: fmt.Sprintf("%s is required", l.Name),
		}
		if l.Direction == schema.Parent {
			v.Kind = KindOrphan
			v.Rule = "parent"
			v.Message = fmt.Sprintf("%s %s has no parent %s", e.typ.Name, e.id, l.Target)
			v.DisplayMessage = fmt.Sprintf("%s must belong to a %s", e.typ.Name, l.Target)
		}
		out = append(out, v)
	}
	return out, nil
}

func (s *Session) checkUnique(ctx context.Context, e *entry, c Change, idx *schema.UniqueIndex, claimed map[string]store.ID) ([]Violation, error) {
	if c.Kind == Updated {
		changed := false
		for _, f := range idx.Fields {
			if _, ok := c.Properties[f]; ok {
				changed = true
				break
			}
		}
		if !changed {
			return nil, nil
		}
	}
	key, ok, err := s.indexKey(ctx, e, idx)
	if err != nil || !ok {
		return nil, err
	}

	violation := func(other store.ID) Violation {
		return Violation{
			Kind:           KindUnique,
			Type:           e.typ.Name,
			IDs:            []store.ID{e.id, other},
			Field:          strings.Join(idx.Fields, ","),
			Rule:           idx.Scope,
			Message:        fmt.Sprintf("unique index %s: key %q of %s is already used by %s", idx.Scope, key, e.id, other),
			DisplayMessage: fmt.Sprintf("%s must be unique", strings.Join(idx.Fields, ", ")),
		}
	}

	var out []Violation
	slot := idx.Scope + keySep + key
	if other, dup := claimed[slot]; dup && other != e.id {
		out = append(out, violation(other))
	} else {
		claimed[slot] = e.id
	}

	owners, err := s.snap.IterateByIndex(ctx, idx.Scope, key)
	if err != nil {
		return nil, fmt.Errorf("query index %s: %w", idx.Scope, err)
	}
	for _, owner := range owners {
		if owner == e.id {
			continue
		}
		if oe, ok := s.tracker.entries[owner]; ok {
			if oe.removed {
				continue
			}
			k, ok, err := s.indexKey(ctx, oe, idx)
			if err != nil {
				return nil, err
			}
			if !ok || k != key {
				continue
			}
		}
		out = append(out, violation(owner))
	}
	return out, nil
}

// indexKey derives the key of a unique index from current values. It
// reports false when any field is unset.
func (s *Session) indexKey(ctx context.Context, e *entry, idx *schema.UniqueIndex) (string, bool, error) {
	values := make([]store.Value, len(idx.Fields))
	for i, f := range idx.Fields {
		v, err := s.value(ctx, e, f)
		if err != nil {
			return "", false, err
		}
		values[i] = v
	}
	key, ok := formatKey(values)
	return key, ok, nil
}

// baseIndexKey derives the key of a unique index from committed values.
func (s *Session) baseIndexKey(ctx context.Context, e *entry, idx *schema.UniqueIndex) (string, bool, error) {
	if e.isNew {
		return "", false, nil
	}
	values := make([]store.Value, len(idx.Fields))
	for i, f := range idx.Fields {
		v, err := s.baseProp(ctx, e, f)
		if err != nil {
			return "", false, err
		}
		values[i] = v
	}
	key, ok := formatKey(values)
	return key, ok, nil
}

func formatKey(values []store.Value) (string, bool) {
	parts := make([]string, len(values))
	for i, v := range values {
		switch x := v.(type) {
		case nil:
			return "", false
		case string:
			parts[i] = x
		case int64:
			parts[i] = strconv.FormatInt(x, 10)
		case float64:
			parts[i] = strconv.FormatFloat(x, 'g', -1, 64)
		case bool:
			parts[i] = strconv.FormatBool(x)
		case time.Time:
			parts[i] = x.UTC().Format(time.RFC3339Nano)
		case []byte:
			parts[i] = hex.EncodeToString(x)
		default:
			parts[i] = fmt.Sprint(x)
		}
	}
	return strings.Join(parts, keySep), true
}
