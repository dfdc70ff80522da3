package query

import (
	"time"

	"github.com/xenking/order-cqrs/internal/domain/order"
	"github.com/xenking/order-cqrs/internal/readmodel"
)

// Tracking is the customer-facing progress of an order.
type Tracking struct {
	OrderID           string
	OrderNumber       string
	Status            order.Status
	Description       string
	Progress          int
	EstimatedDelivery *time.Time
	UpdatedAt         time.Time
	ProjectedAt       time.Time
}

var trackingByStatus = map[order.Status]struct {
	description string
	progress    int
}{
	order.StatusPending:           {"Order received and being processed", 10},
	order.StatusConfirmed:         {"Order confirmed, preparing for shipment", 25},
	order.StatusPaymentProcessing: {"Processing payment", 40},
	order.StatusPaid:              {"Payment confirmed, preparing order", 50},
	order.StatusPreparing:         {"Order is being prepared", 70},
	order.StatusShipped:           {"Order shipped, in transit", 85},
	order.StatusDelivered:         {"Order delivered successfully", 100},
	order.StatusCancelled:         {"Order cancelled", 0},
	order.StatusRefunded:          {"Order refunded", 0},
}

// NewTracking derives tracking information from a view.
func NewTracking(v *readmodel.OrderView) *Tracking {
	t := trackingByStatus[v.Status]
	return &Tracking{
		OrderID:           v.ID,
		OrderNumber:       v.OrderNumber,
		Status:            v.Status,
		Description:       t.description,
		Progress:          t.progress,
		EstimatedDelivery: v.EstimatedDelivery,
		UpdatedAt:         v.UpdatedAt,
		ProjectedAt:       v.ProjectedAt,
	}
}
