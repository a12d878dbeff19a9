package schema

import (
	"fmt"

	"github.com/go-openapi/inflect"

	"github.com/jacentio/espalier/store"
)

// Cardinality bounds the number of targets a link field may hold.
type Cardinality int

const (
	// ZeroOrOne allows an optional single target.
	ZeroOrOne Cardinality = iota
	// One requires exactly one target.
	One
	// ZeroOrMany allows any number of targets.
	ZeroOrMany
	// OneOrMany requires at least one target.
	OneOrMany
)

// Many reports whether the link holds a set of targets.
func (c Cardinality) Many() bool { return c == ZeroOrMany || c == OneOrMany }

// Required reports whether the link must hold at least one target.
func (c Cardinality) Required() bool { return c == One || c == OneOrMany }

// String returns the UML-style notation of the cardinality.
func (c Cardinality) String() string {
	switch c {
	case ZeroOrOne:
		return "0..1"
	case One:
		return "1"
	case ZeroOrMany:
		return "0..n"
	case OneOrMany:
		return "1..n"
	default:
		return fmt.Sprintf("cardinality(%d)", int(c))
	}
}

// Direction describes how a link is mirrored on its target type.
type Direction int

const (
	// Directed links are stored on the source side only.
	Directed Direction = iota
	// Bidirectional links keep an opposite field on the target type in sync.
	Bidirectional
	// Children is the parent side of a parent/child association.
	Children
	// Parent is the child side of a parent/child association. A type with a
	// required Parent link cannot exist without exactly one parent.
	Parent
)

// String returns the name of the direction.
func (d Direction) String() string {
	switch d {
	case Directed:
		return "directed"
	case Bidirectional:
		return "bidirectional"
	case Children:
		return "children"
	case Parent:
		return "parent"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Mirrored reports whether the direction maintains an opposite field.
func (d Direction) Mirrored() bool { return d != Directed }

// Policy is applied to linked records when one end of a link is deleted.
type Policy int

const (
	// Clear drops the link entries on both sides.
	Clear Policy = iota
	// Cascade deletes the linked records transitively.
	Cascade
	// Fail aborts the whole flush as soon as a link is found.
	Fail
	// FailPerEntity reports one violation per offending record and keeps
	// evaluating the rest of the flush.
	FailPerEntity
	// FailPerType reports one aggregated violation per offending type.
	FailPerType
)

// String returns the name of the policy.
func (p Policy) String() string {
	switch p {
	case Clear:
		return "CLEAR"
	case Cascade:
		return "CASCADE"
	case Fail:
		return "FAIL"
	case FailPerEntity:
		return "FAIL_PER_ENTITY"
	case FailPerType:
		return "FAIL_PER_TYPE"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// Blocking reports whether the policy prevents the delete while links exist.
func (p Policy) Blocking() bool {
	return p == Fail || p == FailPerEntity || p == FailPerType
}

// MoreMarker is appended to FAIL_PER_TYPE messages whose offenders exceed the
// sample bound.
const MoreMarker = "and more..."

// Offense describes one record that blocks a delete through a link.
type Offense struct {
	// Field is the link field, qualified as "type.field".
	Field string

	// Deleted is the record being deleted.
	Deleted     store.ID
	DeletedType string

	// Linked is the record that still holds the link.
	Linked     store.ID
	LinkedType string
	LinkedName string
}

// TypeOffense aggregates the offenders of one type for FAIL_PER_TYPE.
type TypeOffense struct {
	Field       string
	Deleted     store.ID
	DeletedType string
	LinkedType  string
	Count       int
}

// Link declares a typed association between two record types.
type Link struct {
	Name        string
	Target      string
	Cardinality Cardinality
	Direction   Direction

	// Opposite names the field on the target type that mirrors this link.
	// Required for every direction except Directed.
	Opposite string

	// OnDelete applies to targets when the source record is deleted.
	OnDelete Policy

	// OnTargetDelete applies to sources when a target record is deleted.
	OnTargetDelete Policy

	// EntityMessage builds the display message for FAIL_PER_ENTITY.
	EntityMessage func(Offense) string

	// TypeMessage builds the header of a FAIL_PER_TYPE message. The sample of
	// offender names and the MoreMarker are appended by the engine.
	TypeMessage func(TypeOffense) string

	// owner is the type that declared the link; set by the registry.
	owner string
}

// Owner returns the name of the type that declared the link.
func (l *Link) Owner() string { return l.owner }

// QualifiedName returns "owner.name".
func (l *Link) QualifiedName() string { return l.owner + "." + l.Name }

// FormatEntity returns the FAIL_PER_ENTITY display message for o.
func (l *Link) FormatEntity(o Offense) string {
	if l.EntityMessage != nil {
		return l.EntityMessage(o)
	}
	name := o.LinkedName
	if name == "" {
		name = string(o.Linked)
	}
	return fmt.Sprintf("%s %s is still linked to %s %s via %s",
		o.LinkedType, name, o.DeletedType, o.Deleted, o.Field)
}

// FormatTypeHeader returns the FAIL_PER_TYPE message header for o.
func (l *Link) FormatTypeHeader(o TypeOffense) string {
	if l.TypeMessage != nil {
		return l.TypeMessage(o)
	}
	noun := o.LinkedType
	if o.Count != 1 {
		noun = inflect.Pluralize(noun)
	}
	return fmt.Sprintf("%d %s still linked to %s %s via %s",
		o.Count, noun, o.DeletedType, o.Deleted, o.Field)
}

// Incoming is a link declared on another type that targets this type.
type Incoming struct {
	// Source is a concrete type that carries the link.
	Source string
	Link   *Link
}
