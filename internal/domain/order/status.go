package order

import "strings"

// Status is the lifecycle state of an order. The zero value is not a valid
// status; use ParseStatus for untrusted input.
type Status uint8

const (
	statusUnknown Status = iota
	StatusPending
	StatusConfirmed
	StatusPaymentProcessing
	StatusPaid
	StatusPreparing
	StatusShipped
	StatusDelivered
	StatusCancelled
	StatusRefunded
)

var statusNames = [...]string{
	statusUnknown:           "UNKNOWN",
	StatusPending:           "PENDING",
	StatusConfirmed:         "CONFIRMED",
	StatusPaymentProcessing: "PAYMENT_PROCESSING",
	StatusPaid:              "PAID",
	StatusPreparing:         "PREPARING",
	StatusShipped:           "SHIPPED",
	StatusDelivered:         "DELIVERED",
	StatusCancelled:         "CANCELLED",
	StatusRefunded:          "REFUNDED",
}

// Statuses lists every valid status in lifecycle order.
var Statuses = []Status{
	StatusPending,
	StatusConfirmed,
	StatusPaymentProcessing,
	StatusPaid,
	StatusPreparing,
	StatusShipped,
	StatusDelivered,
	StatusCancelled,
	StatusRefunded,
}

// transitions is the lifecycle graph. Terminal states have no entry.
var transitions = map[Status][]Status{
	StatusPending:           {StatusConfirmed, StatusCancelled},
	StatusConfirmed:         {StatusPaymentProcessing, StatusCancelled},
	StatusPaymentProcessing: {StatusPaid, StatusCancelled},
	StatusPaid:              {StatusPreparing, StatusRefunded},
	StatusPreparing:         {StatusShipped},
	StatusShipped:           {StatusDelivered},
}

// String returns the wire name of the status.
func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return statusNames[statusUnknown]
}

// Valid reports whether s is one of the nine lifecycle states.
func (s Status) Valid() bool {
	return s > statusUnknown && s <= StatusRefunded
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// Cancellable reports whether an order in status s may be cancelled.
func (s Status) Cancellable() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusPaymentProcessing:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the lifecycle graph has an edge from -> to.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseStatus converts a wire name (case-insensitive) into a Status.
func ParseStatus(s string) (Status, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for _, st := range Statuses {
		if st.String() == name {
			return st, nil
		}
	}
	return statusUnknown, &ValidationError{Field: "status", Constraint: "must be one of " + strings.Join(statusList(), ", ")}
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	st, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

func statusList() []string {
	out := make([]string, len(Statuses))
	for i, st := range Statuses {
		out[i] = st.String()
	}
	return out
}
