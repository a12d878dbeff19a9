package notify

import "errors"

var (
	// ErrQueueClosed is returned when enqueuing after Close.
	ErrQueueClosed = errors.New("espalier: notification queue closed")

	// ErrQueueFull is returned when a bounded queue has no room left.
	ErrQueueFull = errors.New("espalier: notification queue full")
)
