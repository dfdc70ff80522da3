package outbox

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/xenking/order-cqrs/internal/broker"
)

// Leaser elects the single active dispatcher. Acquire both takes and renews
// the lease.
type Leaser interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// DispatcherOptions tunes the dispatcher. Zero fields take defaults.
type DispatcherOptions struct {
	Interval       time.Duration
	BatchSize      int
	PublishTimeout time.Duration
	// AlertAttempts logs failing rows at error level from this attempt on.
	AlertAttempts int

	Now           func() time.Time
	Lease         Leaser
	MeterProvider metric.MeterProvider
}

func (o *DispatcherOptions) setDefaults() {
	if o.Interval <= 0 {
		o.Interval = 200 * time.Millisecond
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	if o.AlertAttempts <= 0 {
		o.AlertAttempts = 8
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.MeterProvider == nil {
		o.MeterProvider = noop.NewMeterProvider()
	}
}

// Result counts what one dispatch pass did.
type Result struct {
	Sent    int
	Failed  int
	Skipped int
}

// Dispatcher publishes pending outbox rows in ID order. When a row of an
// order fails, later rows of the same order wait for the next pass.
type Dispatcher struct {
	store Store
	pub   broker.Publisher
	opts  DispatcherOptions

	published metric.Int64Counter
	failed    metric.Int64Counter
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(store Store, pub broker.Publisher, opts DispatcherOptions) (*Dispatcher, error) {
	opts.setDefaults()

	meter := opts.MeterProvider.Meter("outbox")
	published, err := meter.Int64Counter("outbox.published",
		metric.WithDescription("Outbox rows published to the event channel"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create published counter")
	}
	failed, err := meter.Int64Counter("outbox.failed",
		metric.WithDescription("Failed outbox publish attempts"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create failed counter")
	}
	return &Dispatcher{
		store:     store,
		pub:       pub,
		opts:      opts,
		published: published,
		failed:    failed,
	}, nil
}

// Run dispatches on every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	lg := zctx.From(ctx).Named("outbox")
	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	leader := false
	defer func() {
		if leader && d.opts.Lease != nil {
			releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := d.opts.Lease.Release(releaseCtx); err != nil {
				lg.Warn("Release dispatcher lease", zap.Error(err))
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		isLeader, err := d.acquire(ctx)
		if err != nil {
			lg.Warn("Acquire dispatcher lease", zap.Error(err))
			continue
		}
		if isLeader != leader {
			lg.Info("Dispatcher leadership changed", zap.Bool("leader", isLeader))
			leader = isLeader
		}
		if !leader {
			continue
		}

		if _, err := d.DispatchOnce(ctx); err != nil && ctx.Err() == nil {
			lg.Error("Dispatch outbox", zap.Error(err))
		}
	}
}

func (d *Dispatcher) acquire(ctx context.Context) (bool, error) {
	if d.opts.Lease == nil {
		return true, nil
	}
	return d.opts.Lease.Acquire(ctx)
}

// DispatchOnce makes one pass over pending rows.
func (d *Dispatcher) DispatchOnce(ctx context.Context) (Result, error) {
	var res Result

	records, err := d.store.Pending(ctx, d.opts.BatchSize)
	if err != nil {
		return res, errors.Wrap(err, "load pending")
	}

	lg := zctx.From(ctx)
	now := d.opts.Now()
	blocked := make(map[string]struct{})
	for _, rec := range records {
		orderID := rec.Event.OrderID
		if _, ok := blocked[orderID]; ok {
			res.Skipped++
			continue
		}
		if rec.NextAttemptAt.After(now) {
			blocked[orderID] = struct{}{}
			res.Skipped++
			continue
		}

		if err := d.publish(ctx, rec); err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			blocked[orderID] = struct{}{}
			res.Failed++

			attempts := rec.Attempts + 1
			next := now.Add(RetryBackoff(attempts))
			if markErr := d.store.MarkRetry(ctx, rec.ID, attempts, next, err.Error()); markErr != nil {
				return res, errors.Wrapf(markErr, "mark retry %d", rec.ID)
			}
			d.failed.Add(ctx, 1, metric.WithAttributes(
				attribute.String("event_type", string(rec.Event.Type)),
				attribute.String("reason", failureReason(err)),
			))

			log := lg.Warn
			if attempts >= d.opts.AlertAttempts {
				log = lg.Error
			}
			log("Publish outbox event",
				zap.Int64("outbox_id", rec.ID),
				zap.String("event_id", rec.Event.EventID),
				zap.String("order_id", orderID),
				zap.Int("attempts", attempts),
				zap.Time("next_attempt_at", next),
				zap.Error(err),
			)
			continue
		}

		if err := d.store.MarkSent(ctx, rec.ID, d.opts.Now()); err != nil {
			// The event is out; a duplicate on the next pass is tolerated by
			// consumers, a reordering is not, so stop here.
			return res, errors.Wrapf(err, "mark sent %d", rec.ID)
		}
		res.Sent++
		d.published.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", string(rec.Event.Type))))
	}
	return res, nil
}

func (d *Dispatcher) publish(ctx context.Context, rec Record) error {
	ctx, cancel := context.WithTimeout(ctx, d.opts.PublishTimeout)
	defer cancel()
	return d.pub.Publish(ctx, rec.Event)
}

// failureReason labels a publish failure for metrics.
func failureReason(err error) string {
	var pubErr *broker.PublishError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &pubErr):
		return "rejected"
	default:
		return "error"
	}
}
