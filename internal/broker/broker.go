// Package broker carries event envelopes between the outbox dispatcher and
// the consumers of the order event stream.
package broker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/order-cqrs/internal/event"
)

// Publisher delivers envelopes to the event channel. Envelopes with the same
// OrderID must reach consumers in publish order.
type Publisher interface {
	Publish(ctx context.Context, env event.Envelope) error
}

// PublishError reports an envelope the channel did not accept. It is a
// transient infrastructure failure, distinct from invalid input; the outbox
// retries it with backoff.
type PublishError struct {
	EventID string
	Err     error
}

func (e *PublishError) Error() string {
	return "publish event " + e.EventID + ": " + e.Err.Error()
}

func (e *PublishError) Unwrap() error { return e.Err }

// Handler processes one envelope. A non-nil error redelivers the same
// envelope; later envelopes wait until it succeeds.
type Handler func(ctx context.Context, env event.Envelope) error

// Subscriber feeds envelopes to a Handler until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, h Handler) error
}

// deliver calls h until it succeeds or ctx is done.
func deliver(ctx context.Context, h Handler, env event.Envelope) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 30 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, h(ctx, env)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			zctx.From(ctx).Warn("Redelivering event",
				zap.String("event_id", env.EventID),
				zap.String("order_id", env.OrderID),
				zap.Int64("sequence", env.Sequence),
				zap.Duration("next", next),
				zap.Error(err),
			)
		}),
	)
	return err
}
