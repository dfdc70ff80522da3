package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Issuer identifies the caller of a command as supplied by the gateway.
type Issuer struct {
	UserID string
	Admin  bool
}

// CreateOrder places a new order for Issuer.UserID.
type CreateOrder struct {
	CommandID string
	Timestamp time.Time
	Issuer    Issuer

	Customer        Customer
	Items           []Item
	ShippingAddress string
	BillingAddress  string
	Notes           string
}

// UpdateOrderStatus moves an order along the lifecycle graph.
type UpdateOrderStatus struct {
	CommandID string
	Timestamp time.Time
	Issuer    Issuer

	OrderID   string
	NewStatus Status
	Reason    string
	// UpdatedBy defaults to Issuer.UserID.
	UpdatedBy string
}

// CancelOrder cancels an order that has not been paid yet.
type CancelOrder struct {
	CommandID string
	Timestamp time.Time
	Issuer    Issuer

	OrderID         string
	Reason          string
	RefundRequested bool
}

// ConfirmOrderPayment records a settled payment for an order.
type ConfirmOrderPayment struct {
	CommandID string
	Timestamp time.Time
	Issuer    Issuer

	OrderID       string
	PaymentID     string
	Amount        decimal.Decimal
	PaymentMethod string
}
