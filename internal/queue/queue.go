// Package queue defines the persistent work queue that feeds the analysis
// pipeline: the item lifecycle, the priority ordering, and the Store
// interface the worker pool drives.
package queue

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// Priority orders items within the queue. Lower values are more urgent, so
// the dequeue order is ORDER BY priority ASC, created_at ASC.
type Priority int

// Priority levels.
const (
	PriorityHigh   Priority = 0
	PriorityNormal Priority = 1
	PriorityLow    Priority = 2
)

// String returns the lowercase name of the priority.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the defined priority levels.
func (p Priority) Valid() bool {
	return p >= PriorityHigh && p <= PriorityLow
}

// ParsePriority converts a priority name to its Priority value.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "high":
		return PriorityHigh, true
	case "normal":
		return PriorityNormal, true
	case "low":
		return PriorityLow, true
	default:
		return PriorityNormal, false
	}
}

// Status represents the current state of a queue item.
type Status string

// Possible item status values.
const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status ends the item lifecycle. A failed item
// is only conditionally terminal; it becomes re-armable while attempts
// remain, which MarkForRetry decides.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Item is a unit of background work.
type Item struct {
	// ID is the durable surrogate key.
	ID uuid.UUID

	// PayloadRef identifies the work, e.g. the path of a dropped file. It is
	// unique among items that have not reached a terminal state.
	PayloadRef string

	// Priority orders the pending set.
	Priority Priority

	// Status is the current lifecycle state.
	Status Status

	// Attempts counts how many times a worker has claimed and failed the
	// item, plus stale recoveries.
	Attempts int

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	// ErrorMessage holds the last failure for operator inspection.
	ErrorMessage string
}

// Stats summarizes the queue by status.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// Store persists queue items and owns every state transition.
// Version: 1.0
type Store interface {
	// Enqueue adds a new pending item. It returns ErrDuplicateItem if a
	// non-terminal item already references payloadRef.
	Enqueue(ctx context.Context, payloadRef string, priority Priority) (uuid.UUID, error)

	// DequeueNext atomically claims the pending item with the smallest
	// (priority, createdAt) ordering, transitions it to processing with
	// startedAt set, and returns it. It returns (nil, nil) when the queue
	// has no pending items. No two callers ever claim the same item.
	DequeueNext(ctx context.Context) (*Item, error)

	// GetItem returns the item with the given id, or ErrItemNotFound.
	GetItem(ctx context.Context, id uuid.UUID) (*Item, error)

	// MarkCompleted transitions an item to completed with completedAt set.
	MarkCompleted(ctx context.Context, id uuid.UUID) error

	// MarkFailed transitions an item to failed, stores the error message,
	// and increments attempts.
	MarkFailed(ctx context.Context, id uuid.UUID, message string) error

	// MarkForRetry re-arms a failed item to pending if attempts are below
	// the configured maximum. It returns false, leaving the item failed
	// terminal, once attempts are exhausted.
	MarkForRetry(ctx context.Context, id uuid.UUID) (bool, error)

	// Requeue returns a processing item to pending without consuming an
	// attempt. Used when the circuit breaker rejects a call: the item goes
	// back for the scheduler's next normal pass.
	Requeue(ctx context.Context, id uuid.UUID) error

	// RecoverStaleItems returns every processing item whose startedAt is
	// older than staleAfter back to pending, incrementing attempts, and
	// reports how many were recovered. Called on startup and periodically.
	RecoverStaleItems(ctx context.Context, staleAfter time.Duration) (int, error)

	// RearmFailed re-arms failed items that still have attempts remaining.
	// Called on startup so a crash between a failure and its delayed retry
	// never strands an item.
	RearmFailed(ctx context.Context) (int, error)

	// CleanupOlderThan purges completed items older than age to bound
	// storage growth and reports how many were removed.
	CleanupOlderThan(ctx context.Context, age time.Duration) (int, error)

	// Stats returns per-status counts.
	Stats(ctx context.Context) (Stats, error)

	// WithTx returns a Store bound to the provided transaction so multiple
	// operations can share a single unit of work.
	WithTx(tx *sql.Tx) Store
}
