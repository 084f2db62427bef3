package store

import "errors"

var (
	// ErrNotFound is returned for missing entities, operations or metadata
	ErrNotFound = errors.New("store: not found")

	// ErrStorageUnavailable wraps failures of the underlying storage medium
	ErrStorageUnavailable = errors.New("store: storage unavailable")

	// ErrClosed is returned by calls made after Close
	ErrClosed = errors.New("store: closed")
)
