package readmodel

import (
	"strings"
	"time"

	"github.com/xenking/order-cqrs/internal/domain/order"
)

// SortField is a whitelisted listing sort key.
type SortField string

const (
	SortCreatedAt   SortField = "createdAt"
	SortUpdatedAt   SortField = "updatedAt"
	SortTotalAmount SortField = "totalAmount"
	SortOrderNumber SortField = "orderNumber"
	SortStatus      SortField = "status"
)

var sortFields = []SortField{SortCreatedAt, SortUpdatedAt, SortTotalAmount, SortOrderNumber, SortStatus}

// ParseSort validates a sort key; empty selects SortCreatedAt.
func ParseSort(s string) (SortField, error) {
	if s == "" {
		return SortCreatedAt, nil
	}
	for _, f := range sortFields {
		if strings.EqualFold(string(f), s) {
			return f, nil
		}
	}
	names := make([]string, len(sortFields))
	for i, f := range sortFields {
		names[i] = string(f)
	}
	return "", &order.ValidationError{Field: "sortBy", Constraint: "must be one of " + strings.Join(names, ", ")}
}

// ParseDirection validates a sort direction; empty selects descending.
func ParseDirection(s string) (desc bool, err error) {
	switch strings.ToLower(s) {
	case "", "desc":
		return true, nil
	case "asc":
		return false, nil
	default:
		return false, &order.ValidationError{Field: "sortDirection", Constraint: "must be asc or desc"}
	}
}

// Filter selects and orders a page of views.
type Filter struct {
	// UserID restricts the listing to one owner; empty lists all orders.
	UserID   string
	Statuses []order.Status
	// From and To bound CreatedAt, inclusive. Zero values are open.
	From time.Time
	To   time.Time
	// Search matches a case-insensitive substring of the order number or
	// user email.
	Search string

	Sort SortField
	Desc bool
	// Page is zero-based.
	Page int
	Size int
}

// Offset returns the index of the first row of the page.
func (f Filter) Offset() int {
	return f.Page * f.Size
}

// Match reports whether v passes the filter predicates.
func (f Filter) Match(v *OrderView) bool {
	if f.UserID != "" && v.UserID != f.UserID {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, v.Status) {
		return false
	}
	if !f.From.IsZero() && v.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && v.CreatedAt.After(f.To) {
		return false
	}
	if f.Search != "" {
		q := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(v.OrderNumber), q) && !strings.Contains(strings.ToLower(v.UserEmail), q) {
			return false
		}
	}
	return true
}

func containsStatus(list []order.Status, s order.Status) bool {
	for _, st := range list {
		if st == s {
			return true
		}
	}
	return false
}

// AnalyticsFilter selects the orders aggregated by Store.Analytics.
type AnalyticsFilter struct {
	// UserID restricts analytics to one owner; empty covers all orders.
	UserID string
	From   time.Time
	To     time.Time
}

// Match reports whether v falls into the analytics period.
func (f AnalyticsFilter) Match(v *OrderView) bool {
	return Filter{UserID: f.UserID, From: f.From, To: f.To}.Match(v)
}
