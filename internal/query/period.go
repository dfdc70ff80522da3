package query

import (
	"strings"
	"time"

	"github.com/xenking/order-cqrs/internal/domain/order"
)

// Period is a named statistics window ending now.
type Period string

const (
	PeriodToday      Period = "today"
	PeriodLast7Days  Period = "last7days"
	PeriodLast30Days Period = "last30days"
	PeriodLast90Days Period = "last90days"
)

// ParsePeriod validates a period name; empty selects PeriodLast30Days.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PeriodLast30Days, nil
	case PeriodToday, PeriodLast7Days, PeriodLast30Days, PeriodLast90Days:
		return p, nil
	default:
		return "", &order.ValidationError{Field: "period", Constraint: "must be one of today, last7days, last30days, last90days"}
	}
}

// Range returns the inclusive bounds of p relative to now.
func (p Period) Range(now time.Time) (from, to time.Time) {
	now = now.UTC()
	switch p {
	case PeriodToday:
		return now.Truncate(24 * time.Hour), now
	case PeriodLast7Days:
		return now.AddDate(0, 0, -7), now
	case PeriodLast90Days:
		return now.AddDate(0, 0, -90), now
	default:
		return now.AddDate(0, 0, -30), now
	}
}
