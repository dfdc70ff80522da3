package order

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/order-cqrs/internal/event"
)

// Order is the write-side aggregate for one customer order.
type Order struct {
	ID                 string
	UserID             string
	Customer           Customer
	OrderNumber        string
	Status             Status
	Items              []Item
	TotalAmount        decimal.Decimal
	ShippingAddress    string
	BillingAddress     string
	CancellationReason string
	Notes              string
	PaymentID          string
	PaymentMethod      string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time

	// Version is incremented on every mutation and equals the sequence of
	// the most recent event emitted for this order.
	Version int64
}

// Item represents a single line item in an order.
type Item struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// Customer is the display snapshot of the order owner taken at creation.
type Customer struct {
	Email string
	Name  string
}

// Repository defines persistence operations for order aggregates. Create and
// Update must store the aggregate and its events in one transaction.
type Repository interface {
	Get(ctx context.Context, id string) (*Order, error)
	Create(ctx context.Context, o *Order, events []event.Envelope) error
	// Update stores o only if the stored version still equals
	// expectedVersion, and returns ErrVersionConflict otherwise.
	Update(ctx context.Context, o *Order, expectedVersion int64, events []event.Envelope) error
}

// Total computes Σ(quantity × unit price) over items.
func Total(items []Item) decimal.Decimal {
	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return total
}

// ItemCount returns the number of units across all line items.
func (o *Order) ItemCount() int {
	n := 0
	for _, it := range o.Items {
		n += it.Quantity
	}
	return n
}

// Clone returns a deep copy of o.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = append([]Item(nil), o.Items...)
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		c.CompletedAt = &t
	}
	if o.CancelledAt != nil {
		t := *o.CancelledAt
		c.CancelledAt = &t
	}
	return &c
}

// transition moves o to status to if the lifecycle graph allows it.
func (o *Order) transition(to Status, at time.Time) error {
	if err := ValidateTransition(o.Status, to); err != nil {
		return err
	}
	o.Status = to
	o.UpdatedAt = at
	o.Version++

	switch to {
	case StatusDelivered:
		o.CompletedAt = &at
	case StatusCancelled:
		o.CancelledAt = &at
	}
	return nil
}

// cancel moves o to CANCELLED and records the reason.
func (o *Order) cancel(reason string, at time.Time) error {
	if err := o.transition(StatusCancelled, at); err != nil {
		return err
	}
	o.CancellationReason = reason
	return nil
}

// confirmPayment checks the amount and moves o to PAID. A CONFIRMED order is
// stepped through PAYMENT_PROCESSING first; both edges are checked against
// the lifecycle graph.
func (o *Order) confirmPayment(paymentID, method string, amount decimal.Decimal, at time.Time) error {
	if !amount.Equal(o.TotalAmount) {
		return &AmountMismatchError{Expected: o.TotalAmount, Actual: amount}
	}
	next := o.Clone()
	if next.Status == StatusConfirmed {
		if err := next.transition(StatusPaymentProcessing, at); err != nil {
			return err
		}
		// Both steps are a single event.
		next.Version--
	}
	if err := next.transition(StatusPaid, at); err != nil {
		return &InvalidTransitionError{From: o.Status, To: StatusPaid}
	}
	next.PaymentID = paymentID
	next.PaymentMethod = method
	*o = *next
	return nil
}
