package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/phrazzld/focusqueue/internal/platform/logger"
	"github.com/phrazzld/focusqueue/internal/queue"
	"github.com/phrazzld/focusqueue/internal/store"
)

// itemColumns is the column list shared by every query that scans an item.
const itemColumns = "id, payload_ref, priority, status, attempts, created_at, started_at, completed_at, error_message"

// QueueStore implements the queue.Store interface using SQLite.
type QueueStore struct {
	db         store.DBTX
	maxRetries int
}

// NewQueueStore creates a new QueueStore. maxRetries is the attempt budget
// enforced by MarkForRetry and RearmFailed.
func NewQueueStore(db store.DBTX, maxRetries int) *QueueStore {
	return &QueueStore{
		db:         db,
		maxRetries: maxRetries,
	}
}

// WithTx returns a new QueueStore bound to the provided transaction.
func (s *QueueStore) WithTx(tx *sql.Tx) queue.Store {
	return &QueueStore{
		db:         tx,
		maxRetries: s.maxRetries,
	}
}

// Enqueue inserts a new pending item. The partial unique index on active
// payload_refs rejects a second enqueue while the first is still in flight.
func (s *QueueStore) Enqueue(
	ctx context.Context,
	payloadRef string,
	priority queue.Priority,
) (uuid.UUID, error) {
	log := logger.FromContext(ctx)

	id := uuid.New()
	query := `
		INSERT INTO queue_items (id, payload_ref, priority, status, attempts, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		id,
		payloadRef,
		int(priority),
		queue.StatusPending,
		time.Now().UTC(),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			log.Warn("duplicate payload ignored",
				"payload_ref", payloadRef)
			return uuid.Nil, queue.ErrDuplicateItem
		}
		log.Error("failed to enqueue item",
			"payload_ref", payloadRef,
			"error", err)
		return uuid.Nil, fmt.Errorf("failed to enqueue item: %w", err)
	}

	return id, nil
}

// DequeueNext claims the most urgent pending item. The claim is a single
// UPDATE statement, so concurrent callers can never take the same item:
// SQLite serializes the writes and each row flips to processing exactly once.
func (s *QueueStore) DequeueNext(ctx context.Context) (*queue.Item, error) {
	query := `
		UPDATE queue_items
		SET status = ?, started_at = ?
		WHERE id = (
			SELECT id FROM queue_items
			WHERE status = ?
			ORDER BY priority ASC, created_at ASC
			LIMIT 1
		)
		RETURNING ` + itemColumns

	row := s.db.QueryRowContext(ctx, query,
		queue.StatusProcessing,
		time.Now().UTC(),
		queue.StatusPending,
	)

	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		logger.FromContext(ctx).Error("failed to dequeue next item", "error", err)
		return nil, fmt.Errorf("failed to dequeue next item: %w", err)
	}

	return item, nil
}

// GetItem returns the item with the given id.
func (s *QueueStore) GetItem(ctx context.Context, id uuid.UUID) (*queue.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM queue_items WHERE id = ?`

	item, err := scanItem(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrItemNotFound
		}
		return nil, fmt.Errorf("failed to get item: %w", err)
	}

	return item, nil
}

// MarkCompleted transitions an item to completed.
func (s *QueueStore) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE queue_items
		SET status = ?, completed_at = ?
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, queue.StatusCompleted, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark item completed: %w", err)
	}

	return requireRow(result, id)
}

// MarkFailed transitions an item to failed, storing the error message and
// consuming one attempt.
func (s *QueueStore) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	query := `
		UPDATE queue_items
		SET status = ?,
		    error_message = ?,
		    attempts = attempts + 1
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, queue.StatusFailed, message, id)
	if err != nil {
		return fmt.Errorf("failed to mark item failed: %w", err)
	}

	return requireRow(result, id)
}

// MarkForRetry re-arms a failed item to pending while attempts remain.
func (s *QueueStore) MarkForRetry(ctx context.Context, id uuid.UUID) (bool, error) {
	query := `
		UPDATE queue_items
		SET status = ?, started_at = NULL
		WHERE id = ? AND status = ? AND attempts < ?
	`

	result, err := s.db.ExecContext(ctx, query,
		queue.StatusPending,
		id,
		queue.StatusFailed,
		s.maxRetries,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark item for retry: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return true, nil
	}

	// Nothing updated: distinguish a missing item from an exhausted one.
	if _, err := s.GetItem(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// Requeue returns a processing item to pending without consuming an attempt.
func (s *QueueStore) Requeue(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE queue_items
		SET status = ?, started_at = NULL
		WHERE id = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, query, queue.StatusPending, id, queue.StatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to requeue item: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetItem(ctx, id); err != nil {
			return err
		}
		// The item exists but already left processing; nothing to do.
	}

	return nil
}

// RecoverStaleItems returns processing items abandoned by a crashed worker
// to pending, each costing one attempt.
func (s *QueueStore) RecoverStaleItems(ctx context.Context, staleAfter time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	query := `
		UPDATE queue_items
		SET status = ?, attempts = attempts + 1, started_at = NULL
		WHERE status = ? AND started_at < ?
	`

	result, err := s.db.ExecContext(ctx, query, queue.StatusPending, queue.StatusProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale items: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(rows), nil
}

// RearmFailed re-arms failed items with attempts remaining. A crash between
// a failure and its scheduled retry otherwise strands the item failed.
func (s *QueueStore) RearmFailed(ctx context.Context) (int, error) {
	query := `
		UPDATE queue_items
		SET status = ?, started_at = NULL
		WHERE status = ? AND attempts < ?
	`

	result, err := s.db.ExecContext(ctx, query, queue.StatusPending, queue.StatusFailed, s.maxRetries)
	if err != nil {
		return 0, fmt.Errorf("failed to rearm failed items: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(rows), nil
}

// CleanupOlderThan purges completed items older than age.
func (s *QueueStore) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-age)
	query := `
		DELETE FROM queue_items
		WHERE status = ? AND completed_at < ?
	`

	result, err := s.db.ExecContext(ctx, query, queue.StatusCompleted, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up completed items: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return int(rows), nil
}

// Stats returns per-status counts.
func (s *QueueStore) Stats(ctx context.Context) (queue.Stats, error) {
	query := `
		SELECT status, COUNT(*)
		FROM queue_items
		GROUP BY status
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return queue.Stats{}, fmt.Errorf("failed to query queue stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var stats queue.Stats
	for rows.Next() {
		var status queue.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return queue.Stats{}, fmt.Errorf("failed to scan stats row: %w", err)
		}

		switch status {
		case queue.StatusPending:
			stats.Pending = count
		case queue.StatusProcessing:
			stats.Processing = count
		case queue.StatusCompleted:
			stats.Completed = count
		case queue.StatusFailed:
			stats.Failed = count
		}
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return queue.Stats{}, fmt.Errorf("error iterating stats rows: %w", err)
	}

	return stats, nil
}

// rowScanner lets scanItem work on both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*queue.Item, error) {
	var (
		item         queue.Item
		priority     int
		startedAt    sql.NullTime
		completedAt  sql.NullTime
		errorMessage sql.NullString
	)

	err := row.Scan(
		&item.ID,
		&item.PayloadRef,
		&priority,
		&item.Status,
		&item.Attempts,
		&item.CreatedAt,
		&startedAt,
		&completedAt,
		&errorMessage,
	)
	if err != nil {
		return nil, err
	}

	item.Priority = queue.Priority(priority)
	if startedAt.Valid {
		t := startedAt.Time
		item.StartedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		item.CompletedAt = &t
	}
	item.ErrorMessage = errorMessage.String

	return &item, nil
}

func requireRow(result sql.Result, id uuid.UUID) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", queue.ErrItemNotFound, id)
	}
	return nil
}

// Ensure QueueStore implements queue.Store.
var _ queue.Store = (*QueueStore)(nil)
