package schema

import "errors"

var (
	// ErrInvalidSchema is returned when type definitions are inconsistent.
	ErrInvalidSchema = errors.New("espalier: invalid schema")

	// ErrSealed is returned when registering types after Seal.
	ErrSealed = errors.New("espalier: schema registry is sealed")

	// ErrNotSealed is returned when looking up types before Seal.
	ErrNotSealed = errors.New("espalier: schema registry is not sealed")

	// ErrKindMismatch is returned when a value does not fit a property kind.
	ErrKindMismatch = errors.New("espalier: value kind mismatch")
)
