package store

import (
	"bytes"
	"context"
	"fmt"
	"time"
)

// ID identifies a record. IDs are unique within a store.
type ID string

// Value is a property value: nil, string, int64, float64, bool, time.Time
// or []byte.
type Value = any

// Store is the durable storage capability consumed by the session engine.
type Store interface {
	// NewID allocates a fresh record id for the given type.
	NewID(typ string) ID

	// BeginSnapshot opens a read view of committed state. Every read through
	// the snapshot observes the same committed state.
	BeginSnapshot(ctx context.Context) (Snapshot, error)

	// Commit atomically applies changes computed against base. It returns a
	// *ConflictError when a concurrent commit invalidated base.
	Commit(ctx context.Context, base Snapshot, changes *Changes) error

	// Close releases the store.
	Close() error
}

// Snapshot is a read view of committed state.
type Snapshot interface {
	// TypeOf returns the type tag of a live record.
	TypeOf(ctx context.Context, id ID) (string, bool, error)

	// ReadProperty returns the committed value of a property.
	ReadProperty(ctx context.Context, id ID, field string) (Value, bool, error)

	// ReadLinks returns the committed targets of a link field.
	ReadLinks(ctx context.Context, id ID, field string) ([]ID, error)

	// IterateByType returns the ids of all live records of exactly typ.
	IterateByType(ctx context.Context, typ string) ([]ID, error)

	// IterateByIndex returns the owners of a unique index key.
	IterateByIndex(ctx context.Context, scope, key string) ([]ID, error)

	// Incoming returns records of sourceType whose field links to target.
	Incoming(ctx context.Context, target ID, sourceType, field string) ([]ID, error)

	// Release frees resources held by the snapshot. Safe to call twice.
	Release()
}

// Op is the kind of durable write applied to a record.
type Op int

const (
	// OpCreate allocates a new record.
	OpCreate Op = iota + 1
	// OpUpdate writes changed properties and links of an existing record.
	OpUpdate
	// OpDelete removes a record together with its properties and links.
	OpDelete
)

// String returns the name of the operation.
func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// Write is a change to a single record.
type Write struct {
	ID   ID
	Type string
	Op   Op

	// Properties holds new values of changed properties. A nil value
	// removes the property.
	Properties map[string]Value

	// Links holds the complete new target set of each changed link field.
	Links map[string][]ID
}

// Claim reserves (or releases) a key of a unique index for a record.
type Claim struct {
	Scope string
	Key   string
	ID    ID
}

// Changes is the change description handed to Commit.
type Changes struct {
	Writes []Write

	// Claims are unique index keys taken by this commit.
	Claims []Claim

	// Releases are unique index keys given up by this commit.
	Releases []Claim

	// Requires lists records that must still exist at commit time, such as
	// committed targets of newly added links. Commit advances their version,
	// so a concurrent commit based on an older snapshot that updates or
	// deletes them conflicts.
	Requires []ID
}

// Empty reports whether the change description has nothing to write.
func (c *Changes) Empty() bool {
	return c == nil || (len(c.Writes) == 0 && len(c.Claims) == 0 && len(c.Releases) == 0)
}

// ConflictError reports that a commit raced with another commit.
type ConflictError struct {
	// ID is the record that caused the conflict, if known.
	ID ID

	// Reason describes the conflict.
	Reason string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("espalier: commit conflict on %s: %s", e.ID, e.Reason)
	}
	return fmt.Sprintf("espalier: commit conflict: %s", e.Reason)
}

// Is reports whether target is ErrConflict.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// NewConflictError creates a ConflictError.
func NewConflictError(id ID, reason string) *ConflictError {
	return &ConflictError{ID: id, Reason: reason}
}

// Equal reports whether two property values are the same.
func Equal(a, b Value) bool {
	switch av := a.(type) {
	case nil:
		return b == nil
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	default:
		return a == b
	}
}
