// Package projection folds order events into read-model views.
package projection

import (
	"fmt"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/order-cqrs/internal/domain/order"
	"github.com/xenking/order-cqrs/internal/event"
	"github.com/xenking/order-cqrs/internal/readmodel"
)

const (
	deliveryWindow = 7 * 24 * time.Hour
	transitWindow  = 3 * 24 * time.Hour
)

// SequenceGapError reports an event that arrived before one it depends on.
type SequenceGapError struct {
	OrderID string
	// Have is the last applied sequence, zero if the order is unknown.
	Have int64
	Got  int64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("order %s: sequence gap: have %d, got %d", e.OrderID, e.Have, e.Got)
}

// Apply folds env into cur and returns the next view. It returns a nil view
// when env is older than what cur already reflects. now stamps ProjectedAt.
func Apply(cur *readmodel.OrderView, env event.Envelope, now time.Time) (*readmodel.OrderView, error) {
	var have int64
	if cur != nil {
		have = cur.LastSequence
	}
	switch {
	case env.Sequence <= have:
		return nil, nil
	case env.Sequence > have+1:
		return nil, &SequenceGapError{OrderID: env.OrderID, Have: have, Got: env.Sequence}
	}

	payload, err := order.DecodePayload(env)
	if err != nil {
		return nil, err
	}

	_, isCreated := payload.(order.CreatedPayload)
	if isCreated != (cur == nil) {
		return nil, errors.Errorf("order %s: unexpected %s at sequence %d", env.OrderID, env.Type, env.Sequence)
	}

	var next *readmodel.OrderView
	switch p := payload.(type) {
	case order.CreatedPayload:
		next = created(env, p)
	case order.StatusUpdatedPayload:
		next = cur.Clone()
		statusUpdated(next, p, env.Timestamp)
	case order.CancelledPayload:
		next = cur.Clone()
		cancelled(next, p)
	case order.PaymentConfirmedPayload:
		next = cur.Clone()
		paymentConfirmed(next, p)
	default:
		return nil, errors.Errorf("unsupported payload %T", payload)
	}
	next.LastSequence = env.Sequence
	next.ProjectedAt = now
	return next, nil
}

func created(env event.Envelope, p order.CreatedPayload) *readmodel.OrderView {
	v := &readmodel.OrderView{
		ID:              env.OrderID,
		UserID:          p.UserID,
		UserEmail:       p.UserEmail,
		UserName:        p.UserName,
		OrderNumber:     p.OrderNumber,
		Status:          p.Status,
		Items:           make([]readmodel.ItemView, 0, len(p.Items)),
		TotalAmount:     p.TotalAmount,
		ShippingAddress: p.ShippingAddress,
		BillingAddress:  p.BillingAddress,
		Notes:           p.Notes,
		PaymentStatus:   readmodel.PaymentPending,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.CreatedAt,
	}
	for _, it := range p.Items {
		v.Items = append(v.Items, readmodel.ItemView{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			Subtotal:  order.Total([]order.Item{it}),
		})
		v.ItemCount += it.Quantity
	}
	eta := p.CreatedAt.Add(deliveryWindow)
	v.EstimatedDelivery = &eta
	return v
}

func statusUpdated(v *readmodel.OrderView, p order.StatusUpdatedPayload, at time.Time) {
	if !p.UpdatedAt.IsZero() {
		at = p.UpdatedAt
	}
	v.Status = p.NewStatus
	v.UpdatedAt = at

	switch p.NewStatus {
	case order.StatusPaymentProcessing:
		v.PaymentStatus = readmodel.PaymentProcessing
	case order.StatusPaid:
		v.PaymentStatus = readmodel.PaymentPaid
	case order.StatusShipped:
		v.ShippedAt = &at
		eta := at.Add(transitWindow)
		v.EstimatedDelivery = &eta
	case order.StatusDelivered:
		v.CompletedAt = &at
		v.EstimatedDelivery = nil
	case order.StatusCancelled:
		v.CancelledAt = &at
		v.CancellationReason = p.Reason
		v.PaymentStatus = readmodel.PaymentVoided
		v.EstimatedDelivery = nil
	case order.StatusRefunded:
		v.PaymentStatus = readmodel.PaymentRefunded
		v.EstimatedDelivery = nil
	}
}

func cancelled(v *readmodel.OrderView, p order.CancelledPayload) {
	v.Status = order.StatusCancelled
	v.UpdatedAt = p.CancelledAt
	v.CancelledAt = &p.CancelledAt
	v.CancellationReason = p.Reason
	v.EstimatedDelivery = nil
	if p.RefundRequested {
		v.PaymentStatus = readmodel.PaymentRefundRequested
	} else {
		v.PaymentStatus = readmodel.PaymentVoided
	}
}

func paymentConfirmed(v *readmodel.OrderView, p order.PaymentConfirmedPayload) {
	v.Status = p.NewStatus
	v.UpdatedAt = p.ConfirmedAt
	v.PaymentID = p.PaymentID
	v.PaymentMethod = p.PaymentMethod
	v.PaymentStatus = readmodel.PaymentPaid
}
