package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jacentio/espalier/schema"
	"github.com/jacentio/espalier/store"
)

var (
	// ErrValidation matches every *ValidationFailure.
	ErrValidation = errors.New("espalier: validation failed")

	// ErrReferentialIntegrity matches every *ReferentialIntegrityFailure.
	ErrReferentialIntegrity = errors.New("espalier: referential integrity violated")

	// ErrIllegalState matches every *IllegalStateError.
	ErrIllegalState = errors.New("espalier: illegal session state")

	// ErrReadOnly is returned when mutating through a read-only session.
	ErrReadOnly = errors.New("espalier: session is read-only")

	// ErrRecordRemoved is returned when mutating a removed record.
	ErrRecordRemoved = errors.New("espalier: record is removed")

	// ErrMutationForbidden is returned when mutating from a post-commit
	// listener.
	ErrMutationForbidden = errors.New("espalier: mutation not allowed after commit")

	// ErrRequiredFieldUndefined matches every *RequiredFieldUndefinedError.
	ErrRequiredFieldUndefined = errors.New("espalier: required field undefined")

	// ErrCardinality matches every *CardinalityError.
	ErrCardinality = errors.New("espalier: link cardinality exceeded")

	// ErrCascadeDepth matches every *CascadeDepthError.
	ErrCascadeDepth = errors.New("espalier: cascade depth exceeded")

	// ErrListenerLoop is returned when listeners keep producing changes past
	// Config.MaxListenerPasses.
	ErrListenerLoop = errors.New("espalier: listeners did not settle")

	// ErrUnknownType is returned for types missing from the schema.
	ErrUnknownType = errors.New("espalier: unknown type")

	// ErrUnknownField is returned for fields a type does not declare.
	ErrUnknownField = errors.New("espalier: unknown field")

	// ErrWrongTarget is returned when linking a record of an unexpected type.
	ErrWrongTarget = errors.New("espalier: link target has the wrong type")

	// ErrManagerClosed is returned by Begin after Manager.Close.
	ErrManagerClosed = errors.New("espalier: manager closed")
)

// ViolationKind classifies a Violation.
type ViolationKind int

const (
	// KindConstraint is a failed property constraint.
	KindConstraint ViolationKind = iota + 1
	// KindRequired is a required property left unset.
	KindRequired
	// KindUnique is a unique index key owned by another record.
	KindUnique
	// KindReference is a link that blocks a delete.
	KindReference
	// KindOrphan is a record without its mandatory parent.
	KindOrphan
	// KindCardinality is a required link without targets.
	KindCardinality
)

// String returns the name of the kind.
func (k ViolationKind) String() string {
	switch k {
	case KindConstraint:
		return "constraint"
	case KindRequired:
		return "required"
	case KindUnique:
		return "unique"
	case KindReference:
		return "reference"
	case KindOrphan:
		return "orphan"
	case KindCardinality:
		return "cardinality"
	default:
		return fmt.Sprintf("violation(%d)", int(k))
	}
}

// Violation is a single constraint or referential failure found by a flush.
type Violation struct {
	Kind ViolationKind

	// Type is the type of the first implicated record.
	Type string

	// IDs lists the implicated records. For reference violations the first
	// id is the record being deleted.
	IDs []store.ID

	// Field is a property name or a qualified link field ("type.field").
	Field string

	// Rule names the constraint, index or link policy that failed.
	Rule string

	// Count is the number of offending records of a FAIL_PER_TYPE violation.
	Count int

	Message        string
	DisplayMessage string
}

// Display returns the display message, falling back to Message.
func (v Violation) Display() string {
	if v.DisplayMessage != "" {
		return v.DisplayMessage
	}
	return v.Message
}

// ValidationFailure aggregates every violation of one flush attempt.
type ValidationFailure struct {
	Violations []Violation
}

// Error implements the error interface.
func (e *ValidationFailure) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.Message)
	}
	return fmt.Sprintf("espalier: validation failed with %d violation(s): %s",
		len(e.Violations), strings.Join(msgs, "; "))
}

// Is reports whether target is ErrValidation.
func (e *ValidationFailure) Is(target error) bool { return target == ErrValidation }

// Filter returns the violations of the given kind.
func (e *ValidationFailure) Filter(kind ViolationKind) []Violation {
	var out []Violation
	for _, v := range e.Violations {
		if v.Kind == kind {
			out = append(out, v)
		}
	}
	return out
}

// ReferentialIntegrityFailure is a ValidationFailure that contains at least
// one violation raised by a FAIL, FAIL_PER_ENTITY or FAIL_PER_TYPE policy.
type ReferentialIntegrityFailure struct {
	*ValidationFailure
}

// Is reports whether target is ErrReferentialIntegrity or ErrValidation.
func (e *ReferentialIntegrityFailure) Is(target error) bool {
	return target == ErrReferentialIntegrity || target == ErrValidation
}

// Unwrap exposes the embedded failure to errors.As.
func (e *ReferentialIntegrityFailure) Unwrap() error { return e.ValidationFailure }

func newFailure(violations []Violation) error {
	vf := &ValidationFailure{Violations: violations}
	for _, v := range violations {
		if v.Kind == KindReference {
			return &ReferentialIntegrityFailure{ValidationFailure: vf}
		}
	}
	return vf
}

// IllegalStateError reports a session used outside its valid state. It is
// a programming error and never retried.
type IllegalStateError struct {
	Op    string
	State State

	// Err is a more specific cause such as ErrReadOnly, if any.
	Err error
}

// Error implements the error interface.
func (e *IllegalStateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("espalier: cannot %s in %s session: %v", e.Op, e.State, e.Err)
	}
	return fmt.Sprintf("espalier: cannot %s in %s session", e.Op, e.State)
}

// Is reports whether target is ErrIllegalState.
func (e *IllegalStateError) Is(target error) bool { return target == ErrIllegalState }

// Unwrap returns the specific cause.
func (e *IllegalStateError) Unwrap() error { return e.Err }

// RequiredFieldUndefinedError reports a read of a mandatory property or link
// that was never set.
type RequiredFieldUndefinedError struct {
	ID    store.ID
	Type  string
	Field string
}

// Error implements the error interface.
func (e *RequiredFieldUndefinedError) Error() string {
	return fmt.Sprintf("espalier: required field %s.%s of %s is undefined", e.Type, e.Field, e.ID)
}

// Is reports whether target is ErrRequiredFieldUndefined.
func (e *RequiredFieldUndefinedError) Is(target error) bool {
	return target == ErrRequiredFieldUndefined
}

// CardinalityError reports a link mutation that would exceed the upper
// bound of a single-valued link.
type CardinalityError struct {
	ID          store.ID
	Field       string
	Cardinality schema.Cardinality
}

// Error implements the error interface.
func (e *CardinalityError) Error() string {
	return fmt.Sprintf("espalier: link %s of %s is %s and already set", e.Field, e.ID, e.Cardinality)
}

// Is reports whether target is ErrCardinality.
func (e *CardinalityError) Is(target error) bool { return target == ErrCardinality }

// CascadeDepthError reports a cascade that went deeper than
// Config.MaxCascadeDepth.
type CascadeDepthError struct {
	// ID is the record where the cascade started.
	ID    store.ID
	Depth int
}

// Error implements the error interface.
func (e *CascadeDepthError) Error() string {
	return fmt.Sprintf("espalier: cascade from %s exceeded depth %d", e.ID, e.Depth)
}

// Is reports whether target is ErrCascadeDepth.
func (e *CascadeDepthError) Is(target error) bool { return target == ErrCascadeDepth }
