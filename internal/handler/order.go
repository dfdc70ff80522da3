package handler

import (
	"net/http"

	"github.com/go-faster/jx"

	"github.com/xenking/order-cqrs/internal/domain/order"
)

// createOrder places an order for the caller. The customer snapshot comes
// from the gateway identity.
func (h *Handler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := readBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	id, iss := issuer(r)
	o, err := h.commands.CreateOrder(r.Context(), order.CreateOrder{
		CommandID:       commandID(r),
		Timestamp:       h.now(),
		Issuer:          iss,
		Customer:        order.Customer{Email: id.Email, Name: id.Name},
		Items:           req.Items,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		Notes:           req.Notes,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/orders/"+o.ID)
	writeOrder(w, http.StatusCreated, o)
}

func (h *Handler) updateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := readBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	status, err := order.ParseStatus(req.Status)
	if err != nil {
		writeError(w, r, err)
		return
	}

	_, iss := issuer(r)
	o, err := h.commands.UpdateOrderStatus(r.Context(), order.UpdateOrderStatus{
		CommandID: commandID(r),
		Timestamp: h.now(),
		Issuer:    iss,
		OrderID:   r.PathValue("id"),
		NewStatus: status,
		Reason:    req.Reason,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOrder(w, http.StatusOK, o)
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	var req cancelOrderRequest
	if err := readBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	_, iss := issuer(r)
	o, err := h.commands.CancelOrder(r.Context(), order.CancelOrder{
		CommandID:       commandID(r),
		Timestamp:       h.now(),
		Issuer:          iss,
		OrderID:         r.PathValue("id"),
		Reason:          req.Reason,
		RefundRequested: req.RefundRequested,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOrder(w, http.StatusOK, o)
}

func (h *Handler) confirmOrderPayment(w http.ResponseWriter, r *http.Request) {
	var req confirmPaymentRequest
	if err := readBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	_, iss := issuer(r)
	o, err := h.commands.ConfirmOrderPayment(r.Context(), order.ConfirmOrderPayment{
		CommandID:     commandID(r),
		Timestamp:     h.now(),
		Issuer:        iss,
		OrderID:       r.PathValue("id"),
		PaymentID:     req.PaymentID,
		Amount:        req.Amount,
		PaymentMethod: req.PaymentMethod,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOrder(w, http.StatusOK, o)
}

func writeOrder(w http.ResponseWriter, status int, o *order.Order) {
	writeJSON(w, status, func(e *jx.Encoder) { encodeOrder(e, o) })
}
