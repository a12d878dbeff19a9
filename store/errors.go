package store

import "errors"

var (
	// ErrConflict matches every *ConflictError.
	ErrConflict = errors.New("espalier: commit conflict")

	// ErrNotFound is returned when a record doesn't exist or is deleted.
	ErrNotFound = errors.New("espalier: record not found")

	// ErrSnapshotReleased is returned when reading through a released snapshot.
	ErrSnapshotReleased = errors.New("espalier: snapshot released")

	// ErrForeignSnapshot is returned when committing against a snapshot that
	// belongs to another store.
	ErrForeignSnapshot = errors.New("espalier: snapshot belongs to another store")

	// ErrTransactionTooLarge is returned when a commit exceeds the backend's
	// transaction size limit.
	ErrTransactionTooLarge = errors.New("espalier: transaction too large")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("espalier: store closed")

	// ErrInvalidValue is returned when a property value cannot be encoded.
	ErrInvalidValue = errors.New("espalier: unsupported property value")
)
