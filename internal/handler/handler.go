// Package handler exposes order commands and queries over HTTP under /api.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/xenking/order-cqrs/internal/domain/order"
	"github.com/xenking/order-cqrs/internal/query"
	"github.com/xenking/order-cqrs/internal/readmodel"
)

// Commands is the write side used by the handler.
type Commands interface {
	CreateOrder(ctx context.Context, cmd order.CreateOrder) (*order.Order, error)
	UpdateOrderStatus(ctx context.Context, cmd order.UpdateOrderStatus) (*order.Order, error)
	CancelOrder(ctx context.Context, cmd order.CancelOrder) (*order.Order, error)
	ConfirmOrderPayment(ctx context.Context, cmd order.ConfirmOrderPayment) (*order.Order, error)
}

// Queries is the read side used by the handler.
type Queries interface {
	GetUserOrders(ctx context.Context, q query.UserOrders) (readmodel.Page, error)
	GetOrderByID(ctx context.Context, orderID, userID string) (*readmodel.OrderView, error)
	GetOrderTracking(ctx context.Context, orderID, userID string) (*query.Tracking, error)
	GetOrderAnalytics(ctx context.Context, userID string, from, to time.Time) (readmodel.Analytics, error)
	GetOrdersForAdmin(ctx context.Context, q query.AdminOrders) (readmodel.Page, error)
	GetOrderForAdmin(ctx context.Context, orderID string) (*readmodel.OrderView, error)
	GetStatistics(ctx context.Context, period query.Period) (readmodel.Analytics, error)
}

var (
	_ Commands = (*order.Service)(nil)
	_ Queries  = (*query.Handler)(nil)
)

// HandlerConfig holds non-dependency configuration for the Handler.
type HandlerConfig struct {
	// Now stamps commands; defaults to time.Now.
	Now func() time.Time
}

// Handler serves the order API.
type Handler struct {
	commands Commands
	queries  Queries
	security *SecurityHandler
	now      func() time.Time
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(cfg HandlerConfig, commands Commands, queries Queries, security *SecurityHandler) *Handler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Handler{
		commands: commands,
		queries:  queries,
		security: security,
		now:      cfg.Now,
	}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	s := h.security

	mux.Handle("POST /api/orders", s.Require(h.createOrder))
	mux.Handle("PUT /api/orders/{id}/status", s.Require(h.updateOrderStatus, RoleAdmin))
	mux.Handle("POST /api/orders/{id}/cancel", s.Require(h.cancelOrder))
	mux.Handle("POST /api/orders/{id}/payment", s.Require(h.confirmOrderPayment, RoleAdmin, RolePayments))

	mux.Handle("GET /api/orders", s.Require(h.getUserOrders))
	mux.Handle("GET /api/orders/analytics", s.Require(h.getOrderAnalytics))
	mux.Handle("GET /api/orders/{id}", s.Require(h.getOrder))
	mux.Handle("GET /api/orders/{id}/tracking", s.Require(h.getOrderTracking))

	mux.Handle("GET /api/admin/orders", s.Require(h.getOrdersForAdmin, RoleAdmin))
	mux.Handle("GET /api/admin/orders/{id}", s.Require(h.getOrderForAdmin, RoleAdmin))
	mux.Handle("GET /api/admin/statistics", s.Require(h.getStatistics, RoleAdmin))
}

// issuer returns the authenticated caller. Require guarantees presence.
func issuer(r *http.Request) (Identity, order.Issuer) {
	id, _ := identityFrom(r.Context())
	return id, order.Issuer{UserID: id.UserID, Admin: id.Admin()}
}

// commandID prefers the client's Idempotency-Key so retried requests carry
// the same command ID in logs.
func commandID(r *http.Request) string {
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		return key
	}
	return uuid.NewString()
}
