// Package query serves the read side of orders from the projection store.
// Results may lag the write side; every view carries the time it was last
// projected.
package query

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/xenking/order-cqrs/internal/domain/order"
	"github.com/xenking/order-cqrs/internal/readmodel"
)

const (
	DefaultPageSize      = 20
	DefaultAdminPageSize = 50
	MaxPageSize          = 100
)

// Options tunes the query handler. Zero fields take defaults.
type Options struct {
	Timeout        time.Duration
	Now            func() time.Time
	TracerProvider trace.TracerProvider
}

func (o *Options) setDefaults() {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.TracerProvider == nil {
		o.TracerProvider = noop.NewTracerProvider()
	}
}

// Handler answers order queries. It is safe for concurrent use.
type Handler struct {
	views  readmodel.Store
	opts   Options
	tracer trace.Tracer
}

// NewHandler creates a query Handler over views.
func NewHandler(views readmodel.Store, opts Options) *Handler {
	opts.setDefaults()
	return &Handler{
		views:  views,
		opts:   opts,
		tracer: opts.TracerProvider.Tracer("query"),
	}
}

// UserOrders selects a page of one user's orders.
type UserOrders struct {
	UserID        string
	Page          int
	Size          int
	SortBy        string
	SortDirection string
	Statuses      []order.Status
	From          time.Time
	To            time.Time
}

// AdminOrders selects a page of all orders.
type AdminOrders struct {
	Page          int
	Size          int
	Status        *order.Status
	Search        string
	SortBy        string
	SortDirection string
}

// GetUserOrders returns a page of orders owned by q.UserID, newest first
// unless another sort is requested.
func (h *Handler) GetUserOrders(ctx context.Context, q UserOrders) (_ readmodel.Page, rerr error) {
	ctx, cancel, finish := h.begin(ctx, "GetUserOrders")
	defer cancel()
	defer func() { finish(rerr) }()

	if strings.TrimSpace(q.UserID) == "" {
		return readmodel.Page{}, &order.ValidationError{Field: "userId", Constraint: "is required"}
	}
	f, err := pageFilter(q.Page, q.Size, DefaultPageSize, q.SortBy, q.SortDirection)
	if err != nil {
		return readmodel.Page{}, err
	}
	if err := validateRange(q.From, q.To); err != nil {
		return readmodel.Page{}, err
	}
	f.UserID = q.UserID
	f.Statuses = q.Statuses
	f.From = q.From
	f.To = q.To

	page, err := h.views.List(ctx, f)
	if err != nil {
		return readmodel.Page{}, storeError(ctx, "list user orders", err)
	}
	return page, nil
}

// GetOrderByID returns the order if userID owns it.
func (h *Handler) GetOrderByID(ctx context.Context, orderID, userID string) (_ *readmodel.OrderView, rerr error) {
	ctx, cancel, finish := h.begin(ctx, "GetOrderByID")
	defer cancel()
	defer func() { finish(rerr) }()

	return h.owned(ctx, orderID, userID)
}

// GetOrderTracking returns progress information for an order userID owns.
func (h *Handler) GetOrderTracking(ctx context.Context, orderID, userID string) (_ *Tracking, rerr error) {
	ctx, cancel, finish := h.begin(ctx, "GetOrderTracking")
	defer cancel()
	defer func() { finish(rerr) }()

	v, err := h.owned(ctx, orderID, userID)
	if err != nil {
		return nil, err
	}
	return NewTracking(v), nil
}

// GetOrderAnalytics aggregates the orders userID created in [from, to].
func (h *Handler) GetOrderAnalytics(ctx context.Context, userID string, from, to time.Time) (_ readmodel.Analytics, rerr error) {
	ctx, cancel, finish := h.begin(ctx, "GetOrderAnalytics")
	defer cancel()
	defer func() { finish(rerr) }()

	if strings.TrimSpace(userID) == "" {
		return readmodel.Analytics{}, &order.ValidationError{Field: "userId", Constraint: "is required"}
	}
	if err := validateRange(from, to); err != nil {
		return readmodel.Analytics{}, err
	}
	res, err := h.views.Analytics(ctx, readmodel.AnalyticsFilter{UserID: userID, From: from, To: to})
	if err != nil {
		return readmodel.Analytics{}, storeError(ctx, "order analytics", err)
	}
	return res, nil
}

// GetOrdersForAdmin returns a page of all orders without ownership checks.
func (h *Handler) GetOrdersForAdmin(ctx context.Context, q AdminOrders) (_ readmodel.Page, rerr error) {
	ctx, cancel, finish := h.begin(ctx, "GetOrdersForAdmin")
	defer cancel()
	defer func() { finish(rerr) }()

	f, err := pageFilter(q.Page, q.Size, DefaultAdminPageSize, q.SortBy, q.SortDirection)
	if err != nil {
		return readmodel.Page{}, err
	}
	if q.Status != nil {
		f.Statuses = []order.Status{*q.Status}
	}
	f.Search = strings.TrimSpace(q.Search)

	page, err := h.views.List(ctx, f)
	if err != nil {
		return readmodel.Page{}, storeError(ctx, "list admin orders", err)
	}
	return page, nil
}

// GetOrderForAdmin returns any order.
func (h *Handler) GetOrderForAdmin(ctx context.Context, orderID string) (_ *readmodel.OrderView, rerr error) {
	ctx, cancel, finish := h.begin(ctx, "GetOrderForAdmin")
	defer cancel()
	defer func() { finish(rerr) }()

	return h.get(ctx, orderID)
}

// GetStatistics aggregates all orders created within period.
func (h *Handler) GetStatistics(ctx context.Context, period Period) (_ readmodel.Analytics, rerr error) {
	ctx, cancel, finish := h.begin(ctx, "GetStatistics")
	defer cancel()
	defer func() { finish(rerr) }()

	from, to := period.Range(h.opts.Now())
	res, err := h.views.Analytics(ctx, readmodel.AnalyticsFilter{From: from, To: to})
	if err != nil {
		return readmodel.Analytics{}, storeError(ctx, "order statistics", err)
	}
	return res, nil
}

func (h *Handler) owned(ctx context.Context, orderID, userID string) (*readmodel.OrderView, error) {
	v, err := h.get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if v.UserID != userID {
		return nil, order.ErrAccessDenied
	}
	return v, nil
}

func (h *Handler) get(ctx context.Context, orderID string) (*readmodel.OrderView, error) {
	if strings.TrimSpace(orderID) == "" {
		return nil, &order.ValidationError{Field: "orderId", Constraint: "is required"}
	}
	v, err := h.views.Get(ctx, orderID)
	if errors.Is(err, readmodel.ErrNotFound) {
		return nil, order.ErrOrderNotFound
	}
	if err != nil {
		return nil, storeError(ctx, "get order", err)
	}
	return v, nil
}

// begin bounds the query by the configured timeout and starts its span.
func (h *Handler) begin(ctx context.Context, name string) (context.Context, context.CancelFunc, func(error)) {
	ctx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	ctx, span := h.tracer.Start(ctx, "query."+name)
	return ctx, cancel, func(err error) {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}
}

func storeError(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errors.Wrap(order.ErrTimeout, op)
	}
	return &order.InfrastructureError{Op: op, Attempts: 1, Err: err}
}

func pageFilter(page, size, defaultSize int, sortBy, direction string) (readmodel.Filter, error) {
	if page < 0 {
		return readmodel.Filter{}, &order.ValidationError{Field: "page", Constraint: "must not be negative"}
	}
	switch {
	case size == 0:
		size = defaultSize
	case size < 0 || size > MaxPageSize:
		return readmodel.Filter{}, &order.ValidationError{Field: "size", Constraint: "must be between 1 and 100"}
	}
	sort, err := readmodel.ParseSort(sortBy)
	if err != nil {
		return readmodel.Filter{}, err
	}
	desc, err := readmodel.ParseDirection(direction)
	if err != nil {
		return readmodel.Filter{}, err
	}
	return readmodel.Filter{Sort: sort, Desc: desc, Page: page, Size: size}, nil
}

func validateRange(from, to time.Time) error {
	if !from.IsZero() && !to.IsZero() && from.After(to) {
		return &order.ValidationError{Field: "fromDate", Constraint: "must not be after toDate"}
	}
	return nil
}
