// Package readmodel defines the denormalized order projection served by the
// query side and the contract of the store that holds it.
package readmodel

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/order-cqrs/internal/domain/order"
	"github.com/xenking/order-cqrs/internal/event"
)

var (
	// ErrNotFound is returned when no projection exists for an order.
	ErrNotFound = errors.New("order view not found")
	// ErrDuplicate is returned by Store.Apply for an already processed event.
	ErrDuplicate = errors.New("event already processed")
)

// PaymentStatus summarizes the payment side of an order.
type PaymentStatus string

const (
	PaymentPending         PaymentStatus = "PENDING"
	PaymentProcessing      PaymentStatus = "PROCESSING"
	PaymentPaid            PaymentStatus = "PAID"
	PaymentRefundRequested PaymentStatus = "REFUND_REQUESTED"
	PaymentRefunded        PaymentStatus = "REFUNDED"
	PaymentVoided          PaymentStatus = "VOIDED"
)

// OrderView is the read-side record of one order.
type OrderView struct {
	ID                 string
	UserID             string
	UserEmail          string
	UserName           string
	OrderNumber        string
	Status             order.Status
	Items              []ItemView
	ItemCount          int
	TotalAmount        decimal.Decimal
	ShippingAddress    string
	BillingAddress     string
	Notes              string
	CancellationReason string
	PaymentStatus      PaymentStatus
	PaymentID          string
	PaymentMethod      string
	EstimatedDelivery  *time.Time
	ShippedAt          *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time

	// LastSequence is the sequence of the last event applied.
	LastSequence int64
	// ProjectedAt is when the last event was applied.
	ProjectedAt time.Time
}

// ItemView is a line item with its subtotal.
type ItemView struct {
	ProductID string
	Quantity  int
	UnitPrice decimal.Decimal
	Subtotal  decimal.Decimal
}

// Clone returns a deep copy of v.
func (v *OrderView) Clone() *OrderView {
	c := *v
	c.Items = append([]ItemView(nil), v.Items...)
	c.EstimatedDelivery = cloneTime(v.EstimatedDelivery)
	c.ShippedAt = cloneTime(v.ShippedAt)
	c.CompletedAt = cloneTime(v.CompletedAt)
	c.CancelledAt = cloneTime(v.CancelledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ApplyFunc derives the next view from the current one, which is nil before
// the first event. Returning a nil view records the event without changing
// the projection.
type ApplyFunc func(cur *OrderView) (*OrderView, error)

// Store holds order views. It has a single writer, the projector, and any
// number of concurrent readers.
type Store interface {
	// Apply runs fn on the current view of env.OrderID and stores the result
	// together with env.EventID as processed, atomically. It returns
	// ErrDuplicate if env.EventID was processed before.
	Apply(ctx context.Context, env event.Envelope, fn ApplyFunc) error
	// Seen reports whether eventID was processed.
	Seen(ctx context.Context, eventID string) (bool, error)

	Get(ctx context.Context, orderID string) (*OrderView, error)
	List(ctx context.Context, f Filter) (Page, error)
	Analytics(ctx context.Context, f AnalyticsFilter) (Analytics, error)
}

// Page is one page of a listing.
type Page struct {
	Items      []OrderView
	TotalCount int
	Page       int
	Size       int
	// ProjectedAt is the latest ProjectedAt among Items, zero for an empty
	// page.
	ProjectedAt time.Time
}

// NewPage builds a page of items and stamps it with their latest projection
// time.
func NewPage(items []OrderView, total, page, size int) Page {
	p := Page{Items: items, TotalCount: total, Page: page, Size: size}
	for i := range items {
		if items[i].ProjectedAt.After(p.ProjectedAt) {
			p.ProjectedAt = items[i].ProjectedAt
		}
	}
	return p
}

// TotalPages returns the number of pages of Size covering TotalCount.
func (p Page) TotalPages() int {
	if p.Size <= 0 {
		return 0
	}
	return (p.TotalCount + p.Size - 1) / p.Size
}

// Analytics aggregates orders in a period. Revenue counts PAID and DELIVERED
// orders only.
type Analytics struct {
	OrderCount        int
	TotalRevenue      decimal.Decimal
	AverageOrderValue decimal.Decimal
	ByStatus          map[order.Status]int
	Daily             []DailyBucket
	// AsOf is the latest ProjectedAt among the aggregated views, zero when
	// none matched.
	AsOf time.Time
}

// DailyBucket aggregates orders created on one UTC day.
type DailyBucket struct {
	Date       time.Time
	OrderCount int
	Revenue    decimal.Decimal
}

// Revenue reports whether orders in status s count toward revenue.
func Revenue(s order.Status) bool {
	return s == order.StatusPaid || s == order.StatusDelivered
}

// AverageOrderValue returns revenue / count rounded to cents, or zero.
func AverageOrderValue(revenue decimal.Decimal, count int) decimal.Decimal {
	if count == 0 {
		return decimal.Zero
	}
	return revenue.Div(decimal.NewFromInt(int64(count))).Round(2)
}
