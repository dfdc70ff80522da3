// Package outbox drains events stored alongside order mutations into the
// event channel.
package outbox

import (
	"context"
	"time"

	"github.com/xenking/order-cqrs/internal/event"
)

// Record is one outbox row. Rows are written in the same transaction as the
// aggregate change they describe and are never deleted: a sent row stays as
// part of the event log.
type Record struct {
	ID            int64
	Event         event.Envelope
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	SentAt        *time.Time
}

// Summary reports outbox depth for readiness and inspection.
type Summary struct {
	Pending         int
	Failing         int
	OldestPendingAt time.Time
}

// Store is the outbox persistence contract.
type Store interface {
	// Pending returns up to limit unsent rows ordered by ID, including rows
	// whose next attempt is not due yet.
	Pending(ctx context.Context, limit int) ([]Record, error)
	MarkSent(ctx context.Context, id int64, at time.Time) error
	MarkRetry(ctx context.Context, id int64, attempts int, next time.Time, lastErr string) error
	Summary(ctx context.Context) (Summary, error)
}

const maxRetryBackoff = 5 * time.Minute

// RetryBackoff returns the delay before attempt number attempt+1.
func RetryBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	if attempt > 9 {
		return maxRetryBackoff
	}
	d := time.Second << (attempt - 1)
	if d > maxRetryBackoff {
		return maxRetryBackoff
	}
	return d
}
