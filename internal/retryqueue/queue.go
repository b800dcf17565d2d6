// Package retryqueue durably records notifications whose delivery exhausted
// every sender so they can be reprocessed later. It is a log, not a
// scheduler: when to reprocess is the retry worker's decision, which keeps
// the hot request path free of timer complexity.
package retryqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/ingestion-service/internal/models"
	"github.com/example/ingestion-service/internal/store"
)

// ErrNotFound is returned when a status transition targets an unknown
// queued notification id.
var ErrNotFound = errors.New("retryqueue: queued notification not found")

const timeLayout = time.RFC3339Nano

// Option customises the queue at construction time.
type Option func(*Queue)

// WithClock replaces the clock used for enqueue timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		if now != nil {
			q.now = now
		}
	}
}

// Queue persists undeliverable notifications in insertion order.
type Queue struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a retry queue over the shared database connection.
func New(db *sql.DB, logger zerolog.Logger, opts ...Option) (*Queue, error) {
	if db == nil {
		return nil, errors.New("retryqueue: database dependency is required")
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	q := &Queue{
		db:     db,
		logger: logger.With().Str("component", "retry_queue").Logger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	return q, nil
}

// Enqueue stores the notification with status pending and zero attempts,
// preserving the final transport error for diagnostics. The returned id
// identifies the queued row for later status transitions.
func (q *Queue) Enqueue(ctx context.Context, n models.Notification, lastErr error) (string, error) {
	id := uuid.New().String()
	detail := ""
	if lastErr != nil {
		detail = lastErr.Error()
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queued_notifications
			(id, recipient, recipient_name, subject, html_body, kind, status, last_error, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		id, n.Recipient, n.RecipientName, n.Subject, n.HTMLBody, n.Kind,
		models.QueueStatusPending, detail, q.now().UTC().Format(timeLayout),
	)
	if err != nil {
		return "", store.WrapUnavailable(err)
	}

	q.logger.Info().
		Str("queued_id", id).
		Str("recipient", n.Recipient).
		Str("kind", n.Kind).
		Str("last_error", detail).
		Msg("notification queued for retry")
	return id, nil
}

// ListPending returns up to limit pending notifications in the order they
// were enqueued. Insertion order equals temporal order; there is no priority
// reordering.
func (q *Queue) ListPending(ctx context.Context, limit int) ([]models.QueuedNotification, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, recipient, recipient_name, subject, html_body, kind, status, last_error, attempts, created_at, sent_at
		FROM queued_notifications
		WHERE status = ?
		ORDER BY seq
		LIMIT ?`,
		models.QueueStatusPending, limit,
	)
	if err != nil {
		return nil, store.WrapUnavailable(err)
	}
	defer func() { _ = rows.Close() }()

	var result []models.QueuedNotification
	for rows.Next() {
		var (
			item      models.QueuedNotification
			name      sql.NullString
			lastError sql.NullString
			createdAt string
			sentAt    sql.NullString
		)
		if err := rows.Scan(
			&item.ID, &item.Recipient, &name, &item.Subject, &item.HTMLBody,
			&item.Kind, &item.Status, &lastError, &item.Attempts, &createdAt, &sentAt,
		); err != nil {
			return nil, store.WrapUnavailable(err)
		}

		item.RecipientName = name.String
		item.LastError = lastError.String
		if ts, err := time.Parse(timeLayout, createdAt); err == nil {
			item.CreatedAt = ts
		}
		if sentAt.Valid {
			if ts, err := time.Parse(timeLayout, sentAt.String); err == nil {
				item.SentAt = &ts
			}
		}
		result = append(result, item)
	}
	if err := rows.Err(); err != nil {
		return nil, store.WrapUnavailable(err)
	}
	return result, nil
}

// MarkSent records a successful redelivery. The attempt that succeeded is
// counted, so a sent row always has attempts >= 1 and a sent timestamp.
func (q *Queue) MarkSent(ctx context.Context, id string, sentAt time.Time) error {
	return q.transition(ctx, id, `
		UPDATE queued_notifications
		SET status = ?, sent_at = ?, attempts = attempts + 1, last_error = NULL
		WHERE id = ?`,
		models.QueueStatusSent, sentAt.UTC().Format(timeLayout), id,
	)
}

// RecordAttempt counts a failed redelivery attempt while keeping the row
// pending for a later pass.
func (q *Queue) RecordAttempt(ctx context.Context, id string, cause error) error {
	return q.transition(ctx, id, `
		UPDATE queued_notifications
		SET attempts = attempts + 1, last_error = ?
		WHERE id = ?`,
		errorDetail(cause), id,
	)
}

// MarkFailed counts a final failed attempt and parks the row as failed so the
// worker stops retrying it.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) error {
	return q.transition(ctx, id, `
		UPDATE queued_notifications
		SET status = ?, attempts = attempts + 1, last_error = ?
		WHERE id = ?`,
		models.QueueStatusFailed, errorDetail(cause), id,
	)
}

func (q *Queue) transition(ctx context.Context, id, query string, args ...any) error {
	res, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return store.WrapUnavailable(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return store.WrapUnavailable(err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func errorDetail(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
