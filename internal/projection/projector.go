package projection

import (
	"context"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/xenking/order-cqrs/internal/event"
	"github.com/xenking/order-cqrs/internal/readmodel"
)

// EventSource serves the durable event log for gap reconciliation.
type EventSource interface {
	// EventsAfter returns the events of orderID with sequence > after, in
	// sequence order.
	EventsAfter(ctx context.Context, orderID string, after int64) ([]event.Envelope, error)
}

// Options tunes the projector. Zero fields take defaults.
type Options struct {
	// Source enables gap reconciliation. Without it a gap is returned to the
	// subscriber, which redelivers until the missing event arrives.
	Source EventSource
	// ExpectedEvents sizes the dedup filter.
	ExpectedEvents uint
	Now            func() time.Time
	MeterProvider  metric.MeterProvider
}

func (o *Options) setDefaults() {
	if o.ExpectedEvents == 0 {
		o.ExpectedEvents = 1_000_000
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.MeterProvider == nil {
		o.MeterProvider = noop.NewMeterProvider()
	}
}

// Projector is the single writer of the read model. Handle is meant to be
// passed to a broker.Subscriber.
type Projector struct {
	store readmodel.Store
	opts  Options

	mu   sync.Mutex
	seen *bloom.BloomFilter

	applied metric.Int64Counter
	gaps    metric.Int64Counter
}

// New creates a Projector writing to store.
func New(store readmodel.Store, opts Options) (*Projector, error) {
	opts.setDefaults()

	meter := opts.MeterProvider.Meter("projection")
	applied, err := meter.Int64Counter("projection.events",
		metric.WithDescription("Events handled by the projector by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create events counter")
	}
	gaps, err := meter.Int64Counter("projection.gaps",
		metric.WithDescription("Sequence gaps detected by the projector"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create gaps counter")
	}
	return &Projector{
		store:   store,
		opts:    opts,
		seen:    bloom.NewWithEstimates(opts.ExpectedEvents, 0.001),
		applied: applied,
		gaps:    gaps,
	}, nil
}

// Handle applies env to the read model exactly once.
func (p *Projector) Handle(ctx context.Context, env event.Envelope) error {
	if err := env.Validate(); err != nil {
		return errors.Wrap(err, "invalid envelope")
	}

	// The filter has no false negatives, so a miss skips the store lookup.
	if p.maybeSeen(env.EventID) {
		seen, err := p.store.Seen(ctx, env.EventID)
		if err != nil {
			return errors.Wrap(err, "check processed")
		}
		if seen {
			p.record(ctx, env, "duplicate")
			return nil
		}
	}

	err := p.apply(ctx, env)
	var gap *SequenceGapError
	if errors.As(err, &gap) {
		p.gaps.Add(ctx, 1)
		zctx.From(ctx).Warn("Sequence gap",
			zap.String("order_id", gap.OrderID),
			zap.Int64("have", gap.Have),
			zap.Int64("got", gap.Got),
		)
		if p.opts.Source == nil {
			return err
		}
		if err := p.reconcile(ctx, gap.OrderID, gap.Have); err != nil {
			return errors.Wrapf(err, "reconcile order %s", gap.OrderID)
		}
		err = p.apply(ctx, env)
	}
	if err != nil {
		p.record(ctx, env, "error")
		return err
	}
	return nil
}

// reconcile replays the event log of orderID after sequence have.
func (p *Projector) reconcile(ctx context.Context, orderID string, have int64) error {
	events, err := p.opts.Source.EventsAfter(ctx, orderID, have)
	if err != nil {
		return errors.Wrap(err, "load events")
	}
	for _, env := range events {
		if err := p.apply(ctx, env); err != nil {
			return errors.Wrapf(err, "replay event %s", env.EventID)
		}
	}
	zctx.From(ctx).Info("Reconciled order projection",
		zap.String("order_id", orderID),
		zap.Int64("from", have),
		zap.Int("events", len(events)),
	)
	return nil
}

func (p *Projector) apply(ctx context.Context, env event.Envelope) error {
	outcome := "applied"
	err := p.store.Apply(ctx, env, func(cur *readmodel.OrderView) (*readmodel.OrderView, error) {
		next, err := Apply(cur, env, p.opts.Now())
		if err == nil && next == nil {
			outcome = "stale"
		}
		return next, err
	})
	switch {
	case errors.Is(err, readmodel.ErrDuplicate):
		outcome = "duplicate"
	case err != nil:
		return err
	}
	p.markSeen(env.EventID)
	p.record(ctx, env, outcome)
	return nil
}

func (p *Projector) maybeSeen(eventID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seen.TestString(eventID)
}

func (p *Projector) markSeen(eventID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen.AddString(eventID)
}

func (p *Projector) record(ctx context.Context, env event.Envelope, outcome string) {
	p.applied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", string(env.Type)),
		attribute.String("outcome", outcome),
	))
}
