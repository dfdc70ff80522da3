package order

import (
	"fmt"
	"strings"
)

// ValidateCreate checks a CreateOrder payload without touching any store.
func ValidateCreate(cmd CreateOrder) error {
	if strings.TrimSpace(cmd.Issuer.UserID) == "" {
		return &ValidationError{Field: "userId", Constraint: "is required"}
	}
	if len(cmd.Items) == 0 {
		return ErrEmptyOrder
	}
	for i, it := range cmd.Items {
		if err := ValidateItem(i, it); err != nil {
			return err
		}
	}
	if strings.TrimSpace(cmd.ShippingAddress) == "" {
		return &ValidationError{Field: "shippingAddress", Constraint: "is required"}
	}
	if strings.TrimSpace(cmd.BillingAddress) == "" {
		return &ValidationError{Field: "billingAddress", Constraint: "is required"}
	}
	return nil
}

// ValidateItem checks a single line item at position i.
func ValidateItem(i int, it Item) error {
	if strings.TrimSpace(it.ProductID) == "" {
		return &ValidationError{Field: fmt.Sprintf("items[%d].productId", i), Constraint: "is required"}
	}
	if it.Quantity <= 0 {
		return &InvalidItemError{Index: i, ProductID: it.ProductID, Field: "quantity"}
	}
	if !it.UnitPrice.IsPositive() {
		return &InvalidItemError{Index: i, ProductID: it.ProductID, Field: "unitPrice"}
	}
	return nil
}

// ValidateStatusUpdate checks an UpdateOrderStatus payload.
func ValidateStatusUpdate(cmd UpdateOrderStatus) error {
	if strings.TrimSpace(cmd.OrderID) == "" {
		return &ValidationError{Field: "orderId", Constraint: "is required"}
	}
	if !cmd.NewStatus.Valid() {
		return &ValidationError{Field: "status", Constraint: "must be one of " + strings.Join(statusList(), ", ")}
	}
	return nil
}

// ValidateCancel checks a CancelOrder payload.
func ValidateCancel(cmd CancelOrder) error {
	if strings.TrimSpace(cmd.OrderID) == "" {
		return &ValidationError{Field: "orderId", Constraint: "is required"}
	}
	return nil
}

// ValidatePayment checks a ConfirmOrderPayment payload.
func ValidatePayment(cmd ConfirmOrderPayment) error {
	switch {
	case strings.TrimSpace(cmd.OrderID) == "":
		return &ValidationError{Field: "orderId", Constraint: "is required"}
	case strings.TrimSpace(cmd.PaymentID) == "":
		return &ValidationError{Field: "paymentId", Constraint: "is required"}
	case !cmd.Amount.IsPositive():
		return &ValidationError{Field: "amount", Constraint: "must be greater than 0"}
	}
	return nil
}

// ValidateTransition reports why from -> to is not allowed, or nil.
func ValidateTransition(from, to Status) error {
	if to == StatusCancelled && !from.Cancellable() {
		return &IllegalCancellationError{Status: from}
	}
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}
