package order

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/order-cqrs/internal/event"
)

// ServiceOptions tunes the command handler. Zero fields take defaults.
type ServiceOptions struct {
	// Timeout bounds one command including all retries.
	Timeout time.Duration
	// MaxAttempts bounds persistence attempts per command.
	MaxAttempts int
	// InitialBackoff is the first retry delay; later delays grow
	// exponentially up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Now   func() time.Time
	NewID func() string

	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
}

func (o *ServiceOptions) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 50 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	if o.MeterProvider == nil {
		o.MeterProvider = metricnoop.NewMeterProvider()
	}
	if o.TracerProvider == nil {
		o.TracerProvider = tracenoop.NewTracerProvider()
	}
}

// Service is the command handler of the write side. Each command is
// validated, applied to the aggregate in memory, and persisted together with
// its event in one repository call. Publication happens later from the
// outbox, so a command completes once the event is durably stored.
type Service struct {
	orders  Repository
	numbers NumberGenerator
	opts    ServiceOptions

	tracer   trace.Tracer
	commands metric.Int64Counter
}

// NewService creates an order Service backed by orders.
func NewService(orders Repository, opts ServiceOptions) (*Service, error) {
	opts.setDefaults()

	commands, err := opts.MeterProvider.Meter("order").Int64Counter("order.commands",
		metric.WithDescription("Processed order commands by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create commands counter")
	}
	return &Service{
		orders:   orders,
		opts:     opts,
		tracer:   opts.TracerProvider.Tracer("order"),
		commands: commands,
	}, nil
}

// CreateOrder validates cmd, builds a PENDING order and stores it along with
// its OrderCreated event.
func (s *Service) CreateOrder(ctx context.Context, cmd CreateOrder) (_ *Order, rerr error) {
	ctx, finish := s.begin(ctx, "CreateOrder")
	defer func() { finish(rerr) }()

	if err := ValidateCreate(cmd); err != nil {
		return nil, err
	}

	now := s.opts.Now()
	o := &Order{
		ID:              s.opts.NewID(),
		UserID:          cmd.Issuer.UserID,
		Customer:        cmd.Customer,
		OrderNumber:     s.numbers.Next(now),
		Status:          StatusPending,
		Items:           append([]Item(nil), cmd.Items...),
		TotalAmount:     Total(cmd.Items),
		ShippingAddress: cmd.ShippingAddress,
		BillingAddress:  cmd.BillingAddress,
		Notes:           cmd.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
		Version:         1,
	}
	// The ID and event ID are kept across attempts. A duplicate on a retry
	// is checked against the store, since only a committed earlier attempt
	// holds this ID.
	eventID := s.opts.NewID()
	err := s.retry(ctx, "create order", func(attempt int) error {
		env, err := newEnvelope(eventID, o, event.OrderCreated, createdPayload(o), now)
		if err != nil {
			return backoff.Permanent(err)
		}
		err = s.orders.Create(ctx, o, []event.Envelope{env})
		if err == nil {
			return nil
		}
		duplicate := errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrOrderNumberTaken)
		if duplicate && attempt > 1 {
			stored, getErr := s.orders.Get(ctx, o.ID)
			switch {
			case getErr == nil:
				o = stored
				return nil
			case !errors.Is(getErr, ErrOrderNotFound):
				return getErr
			}
		}
		switch {
		case errors.Is(err, ErrOrderNumberTaken):
			// Numbers are unique per process only; another instance took it.
			o.OrderNumber = s.numbers.Next(s.opts.Now())
			return err
		case errors.Is(err, ErrAlreadyExists) && attempt == 1:
			return backoff.Permanent(err)
		default:
			return err
		}
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

func createdPayload(o *Order) CreatedPayload {
	return CreatedPayload{
		UserID:          o.UserID,
		UserEmail:       o.Customer.Email,
		UserName:        o.Customer.Name,
		OrderNumber:     o.OrderNumber,
		Status:          o.Status,
		Items:           o.Items,
		TotalAmount:     o.TotalAmount,
		ShippingAddress: o.ShippingAddress,
		BillingAddress:  o.BillingAddress,
		Notes:           o.Notes,
		CreatedAt:       o.CreatedAt,
	}
}

// UpdateOrderStatus moves an order to cmd.NewStatus.
func (s *Service) UpdateOrderStatus(ctx context.Context, cmd UpdateOrderStatus) (_ *Order, rerr error) {
	ctx, finish := s.begin(ctx, "UpdateOrderStatus")
	defer func() { finish(rerr) }()

	if err := ValidateStatusUpdate(cmd); err != nil {
		return nil, err
	}
	updatedBy := cmd.UpdatedBy
	if updatedBy == "" {
		updatedBy = cmd.Issuer.UserID
	}
	return s.mutate(ctx, "update order status", cmd.OrderID, func(o *Order, now time.Time) (event.Type, any, error) {
		old := o.Status
		apply := o.transition
		if cmd.NewStatus == StatusCancelled {
			apply = func(_ Status, at time.Time) error { return o.cancel(cmd.Reason, at) }
		}
		if err := apply(cmd.NewStatus, now); err != nil {
			return "", nil, err
		}
		return event.OrderStatusUpdated, StatusUpdatedPayload{
			OldStatus: old,
			NewStatus: o.Status,
			Reason:    cmd.Reason,
			UpdatedBy: updatedBy,
			UpdatedAt: now,
		}, nil
	})
}

// CancelOrder cancels an order. Only the owner or an admin may cancel.
func (s *Service) CancelOrder(ctx context.Context, cmd CancelOrder) (_ *Order, rerr error) {
	ctx, finish := s.begin(ctx, "CancelOrder")
	defer func() { finish(rerr) }()

	if err := ValidateCancel(cmd); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "cancel order", cmd.OrderID, func(o *Order, now time.Time) (event.Type, any, error) {
		if !cmd.Issuer.Admin && o.UserID != cmd.Issuer.UserID {
			return "", nil, ErrAccessDenied
		}
		old := o.Status
		if err := o.cancel(cmd.Reason, now); err != nil {
			return "", nil, err
		}
		return event.OrderCancelled, CancelledPayload{
			OldStatus:       old,
			Reason:          cmd.Reason,
			RefundRequested: cmd.RefundRequested,
			CancelledAt:     now,
		}, nil
	})
}

// ConfirmOrderPayment records a payment whose amount must equal the order
// total exactly.
func (s *Service) ConfirmOrderPayment(ctx context.Context, cmd ConfirmOrderPayment) (_ *Order, rerr error) {
	ctx, finish := s.begin(ctx, "ConfirmOrderPayment")
	defer func() { finish(rerr) }()

	if err := ValidatePayment(cmd); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "confirm order payment", cmd.OrderID, func(o *Order, now time.Time) (event.Type, any, error) {
		old := o.Status
		if err := o.confirmPayment(cmd.PaymentID, cmd.PaymentMethod, cmd.Amount, now); err != nil {
			return "", nil, err
		}
		return event.OrderPaymentConfirmed, PaymentConfirmedPayload{
			OldStatus:     old,
			NewStatus:     o.Status,
			PaymentID:     cmd.PaymentID,
			Amount:        cmd.Amount,
			PaymentMethod: cmd.PaymentMethod,
			ConfirmedAt:   now,
		}, nil
	})
}

type mutation func(o *Order, now time.Time) (event.Type, any, error)

// mutate loads the order, applies fn to a copy and stores the copy if the
// stored version did not move. A version conflict reloads and re-runs fn.
func (s *Service) mutate(ctx context.Context, op, id string, fn mutation) (*Order, error) {
	var result *Order
	err := s.retry(ctx, op, func(int) error {
		cur, err := s.orders.Get(ctx, id)
		if err != nil {
			return err
		}
		next := cur.Clone()
		now := s.opts.Now()
		typ, payload, err := fn(next, now)
		if err != nil {
			return err
		}
		env, err := newEnvelope(s.opts.NewID(), next, typ, payload, now)
		if err != nil {
			return backoff.Permanent(err)
		}
		if err := s.orders.Update(ctx, next, cur.Version, []event.Envelope{env}); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// retry runs fn under the command timeout with bounded exponential backoff.
// Domain errors stop the loop immediately.
func (s *Service) retry(ctx context.Context, op string, fn func(attempt int) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.InitialBackoff
	b.MaxInterval = s.opts.MaxBackoff

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := fn(attempts)
		if err != nil && isDomainError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.opts.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			zctx.From(ctx).Warn("Retrying order command",
				zap.String("op", op),
				zap.Int("attempt", attempts),
				zap.Duration("next", next),
				zap.Error(err),
			)
		}),
	)
	switch {
	case err == nil:
		return nil
	case isDomainError(err):
		return errors.Wrap(err, op)
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return errors.Wrapf(ErrTimeout, "%s after %d attempt(s)", op, attempts)
	case errors.Is(err, context.Canceled):
		return errors.Wrap(err, op)
	default:
		return &InfrastructureError{Op: op, Attempts: attempts, Err: err}
	}
}

// begin starts a span for command and returns a func that records the
// outcome on the span and the commands counter.
func (s *Service) begin(ctx context.Context, command string) (context.Context, func(error)) {
	ctx, span := s.tracer.Start(ctx, "order."+command)
	return ctx, func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = Kind(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		s.commands.Add(ctx, 1, metric.WithAttributes(
			attribute.String("command", command),
			attribute.String("outcome", outcome),
		))
		span.End()
	}
}
