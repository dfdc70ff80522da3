package order

import (
	"encoding/json"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/order-cqrs/internal/event"
)

// CreatedPayload is the payload of event.OrderCreated. It carries the full
// order so the read side never has to query the write store.
type CreatedPayload struct {
	UserID          string          `json:"userId"`
	UserEmail       string          `json:"userEmail,omitempty"`
	UserName        string          `json:"userName,omitempty"`
	OrderNumber     string          `json:"orderNumber"`
	Status          Status          `json:"status"`
	Items           []Item          `json:"items"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
	ShippingAddress string          `json:"shippingAddress"`
	BillingAddress  string          `json:"billingAddress"`
	Notes           string          `json:"notes,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// StatusUpdatedPayload is the payload of event.OrderStatusUpdated.
type StatusUpdatedPayload struct {
	OldStatus Status    `json:"oldStatus"`
	NewStatus Status    `json:"newStatus"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedBy string    `json:"updatedBy,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CancelledPayload is the payload of event.OrderCancelled.
type CancelledPayload struct {
	OldStatus       Status    `json:"oldStatus"`
	Reason          string    `json:"reason,omitempty"`
	RefundRequested bool      `json:"refundRequested"`
	CancelledAt     time.Time `json:"cancelledAt"`
}

// PaymentConfirmedPayload is the payload of event.OrderPaymentConfirmed.
type PaymentConfirmedPayload struct {
	OldStatus     Status          `json:"oldStatus"`
	NewStatus     Status          `json:"newStatus"`
	PaymentID     string          `json:"paymentId"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"paymentMethod,omitempty"`
	ConfirmedAt   time.Time       `json:"confirmedAt"`
}

// newEnvelope builds the envelope for the event that moved o to its current
// version.
func newEnvelope(id string, o *Order, typ event.Type, payload any, at time.Time) (event.Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return event.Envelope{}, errors.Wrapf(err, "marshal %s payload", typ)
	}
	return event.Envelope{
		EventID:   id,
		Type:      typ,
		OrderID:   o.ID,
		Sequence:  o.Version,
		Timestamp: at,
		Payload:   data,
	}, nil
}

// DecodePayload unmarshals env.Payload into the payload type for env.Type.
func DecodePayload(env event.Envelope) (any, error) {
	var (
		target any
		err    error
	)
	switch env.Type {
	case event.OrderCreated:
		var p CreatedPayload
		err = json.Unmarshal(env.Payload, &p)
		target = p
	case event.OrderStatusUpdated:
		var p StatusUpdatedPayload
		err = json.Unmarshal(env.Payload, &p)
		target = p
	case event.OrderCancelled:
		var p CancelledPayload
		err = json.Unmarshal(env.Payload, &p)
		target = p
	case event.OrderPaymentConfirmed:
		var p PaymentConfirmedPayload
		err = json.Unmarshal(env.Payload, &p)
		target = p
	default:
		return nil, errors.Errorf("unknown event type %q", env.Type)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s payload", env.Type)
	}
	return target, nil
}
