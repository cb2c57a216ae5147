package queue

import "errors"

// Common errors returned by queue stores.
var (
	// ErrDuplicateItem is returned by Enqueue when a non-terminal item
	// already references the payload. Callers get it synchronously and must
	// not retry.
	ErrDuplicateItem = errors.New("queue item already active for payload")

	// ErrItemNotFound is returned by operations referencing an unknown item
	// id.
	ErrItemNotFound = errors.New("queue item not found")

	// ErrMaxRetriesExceeded marks an item that has exhausted its attempts
	// and is failed terminal.
	ErrMaxRetriesExceeded = errors.New("queue item exceeded max retries")
)
