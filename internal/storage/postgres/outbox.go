package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/order-cqrs/internal/event"
	"github.com/xenking/order-cqrs/internal/outbox"
	"github.com/xenking/order-cqrs/internal/projection"
)

const (
	outboxColumns = `id, event_id, event_type, order_id, sequence, payload, occurred_at,
		attempts, last_error, next_attempt_at, created_at, sent_at`

	pendingOutboxSQL = `SELECT ` + outboxColumns + ` FROM order_write.outbox
		WHERE sent_at IS NULL ORDER BY id LIMIT $1`

	markSentSQL = `UPDATE order_write.outbox SET sent_at = $2 WHERE id = $1`

	markRetrySQL = `UPDATE order_write.outbox
		SET attempts = $2, next_attempt_at = $3, last_error = $4 WHERE id = $1`

	outboxSummarySQL = `SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE attempts > 0),
			MIN(created_at)
		FROM order_write.outbox WHERE sent_at IS NULL`

	eventsAfterSQL = `SELECT ` + outboxColumns + ` FROM order_write.outbox
		WHERE order_id = $1 AND sequence > $2 ORDER BY sequence`

	eventsSinceSQL = `SELECT ` + outboxColumns + ` FROM order_write.outbox
		WHERE id > $1 ORDER BY id LIMIT $2`
)

var (
	_ outbox.Store           = (*OutboxStore)(nil)
	_ projection.EventSource = (*OutboxStore)(nil)
)

// OutboxStore implements outbox.Store and serves the event log kept in the
// outbox table.
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore returns an OutboxStore that uses the given pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

// Pending returns up to limit unsent rows ordered by ID.
func (s *OutboxStore) Pending(ctx context.Context, limit int) ([]outbox.Record, error) {
	rows, err := s.pool.Query(ctx, pendingOutboxSQL, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query pending outbox")
	}
	return pgx.CollectRows(rows, scanRecord)
}

// MarkSent stamps a row as published.
func (s *OutboxStore) MarkSent(ctx context.Context, id int64, at time.Time) error {
	if _, err := s.pool.Exec(ctx, markSentSQL, id, at); err != nil {
		return errors.Wrapf(err, "mark outbox %d sent", id)
	}
	return nil
}

// MarkRetry records a failed publish attempt.
func (s *OutboxStore) MarkRetry(ctx context.Context, id int64, attempts int, next time.Time, lastErr string) error {
	if _, err := s.pool.Exec(ctx, markRetrySQL, id, attempts, next, lastErr); err != nil {
		return errors.Wrapf(err, "mark outbox %d retry", id)
	}
	return nil
}

// Summary reports unsent outbox depth.
func (s *OutboxStore) Summary(ctx context.Context) (outbox.Summary, error) {
	var (
		sum    outbox.Summary
		oldest *time.Time
	)
	if err := s.pool.QueryRow(ctx, outboxSummarySQL).Scan(&sum.Pending, &sum.Failing, &oldest); err != nil {
		return outbox.Summary{}, errors.Wrap(err, "query outbox summary")
	}
	if oldest != nil {
		sum.OldestPendingAt = *oldest
	}
	return sum, nil
}

// EventsAfter returns the events of orderID with sequence greater than after.
func (s *OutboxStore) EventsAfter(ctx context.Context, orderID string, after int64) ([]event.Envelope, error) {
	rows, err := s.pool.Query(ctx, eventsAfterSQL, orderID, after)
	if err != nil {
		return nil, errors.Wrapf(err, "query events of order %q", orderID)
	}
	records, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, errors.Wrapf(err, "scan events of order %q", orderID)
	}
	out := make([]event.Envelope, len(records))
	for i, rec := range records {
		out[i] = rec.Event
	}
	return out, nil
}

// Scan calls fn for every logged event in commit order, batch rows at a
// time. It stops at the first error from fn.
func (s *OutboxStore) Scan(ctx context.Context, batch int, fn func(outbox.Record) error) error {
	var last int64
	for {
		rows, err := s.pool.Query(ctx, eventsSinceSQL, last, batch)
		if err != nil {
			return errors.Wrap(err, "query event log")
		}
		records, err := pgx.CollectRows(rows, scanRecord)
		if err != nil {
			return errors.Wrap(err, "scan event log")
		}
		for _, rec := range records {
			if err := fn(rec); err != nil {
				return err
			}
			last = rec.ID
		}
		if len(records) < batch {
			return nil
		}
	}
}

func scanRecord(row pgx.CollectableRow) (outbox.Record, error) {
	var (
		rec     outbox.Record
		typ     string
		payload []byte
	)
	err := row.Scan(
		&rec.ID, &rec.Event.EventID, &typ, &rec.Event.OrderID, &rec.Event.Sequence, &payload,
		&rec.Event.Timestamp, &rec.Attempts, &rec.LastError, &rec.NextAttemptAt, &rec.CreatedAt, &rec.SentAt,
	)
	rec.Event.Type = event.Type(typ)
	rec.Event.Payload = payload
	return rec, err
}
