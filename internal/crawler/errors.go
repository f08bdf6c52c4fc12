package crawler

import "errors"

var (
	// ErrValidation marks input rejected before reaching storage.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is returned when a requested document does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTransientFetch marks fetch failures worth retrying.
	ErrTransientFetch = errors.New("transient fetch failure")
	// ErrForbidden marks a 401 or 403 answer from the target host.
	ErrForbidden = errors.New("forbidden")
	// ErrQueueClosed is returned by a frontier after Close.
	ErrQueueClosed = errors.New("queue closed")
	// ErrQueueFull is returned when a bounded frontier has no room.
	ErrQueueFull = errors.New("queue full")
)
