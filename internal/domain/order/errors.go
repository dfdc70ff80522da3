package order

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Sentinel errors for order commands and queries.
var (
	ErrEmptyOrder    = errors.New("order must have at least one item")
	ErrOrderNotFound = errors.New("order not found")
	ErrAccessDenied  = errors.New("access denied")
	ErrTimeout       = errors.New("operation timed out")

	// ErrVersionConflict is returned by a Repository when the stored version
	// no longer matches the version the aggregate was loaded at.
	ErrVersionConflict = errors.New("order version conflict")
	// ErrAlreadyExists is returned by Repository.Create for a duplicate ID.
	ErrAlreadyExists = errors.New("order already exists")
	// ErrOrderNumberTaken is returned by Repository.Create when another order
	// already holds the order number.
	ErrOrderNumberTaken = errors.New("order number already taken")
)

// ValidationError reports a command field that violates a constraint.
type ValidationError struct {
	Field      string
	Constraint string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Constraint)
}

// InvalidItemError reports a line item with a non-positive quantity or price.
type InvalidItemError struct {
	Index     int
	ProductID string
	Field     string
}

func (e *InvalidItemError) Error() string {
	return fmt.Sprintf("item %d (product %q): %s must be greater than 0", e.Index, e.ProductID, e.Field)
}

// InvalidTransitionError reports a status change outside the lifecycle graph.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition: %s -> %s", e.From, e.To)
}

// IllegalCancellationError reports a cancel attempt from a non-cancellable status.
type IllegalCancellationError struct {
	Status Status
}

func (e *IllegalCancellationError) Error() string {
	return fmt.Sprintf("cannot cancel order in status %s", e.Status)
}

// AmountMismatchError reports a payment amount that differs from the order total.
type AmountMismatchError struct {
	Expected decimal.Decimal
	Actual   decimal.Decimal
}

func (e *AmountMismatchError) Error() string {
	return fmt.Sprintf("payment amount %s does not match order total %s", e.Actual, e.Expected)
}

// InfrastructureError wraps a persistence or publication failure that
// remained after the retry policy was exhausted. Callers may retry later.
type InfrastructureError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: unavailable after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// ErrorKind groups errors by how a caller should react to them.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindNotFound
	KindAccessDenied
	KindConflict
	KindUnavailable
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindAccessDenied:
		return "access_denied"
	case KindConflict:
		return "conflict"
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	default:
		return "internal"
	}
}

// Retryable reports whether the same request may succeed if repeated.
func (k ErrorKind) Retryable() bool {
	return k == KindUnavailable || k == KindTimeout
}

// Kind classifies err. Validation and state errors are never retryable.
func Kind(err error) ErrorKind {
	var (
		valErr      *ValidationError
		itemErr     *InvalidItemError
		transErr    *InvalidTransitionError
		cancelErr   *IllegalCancellationError
		mismatchErr *AmountMismatchError
		infraErr    *InfrastructureError
	)
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrEmptyOrder), errors.As(err, &valErr), errors.As(err, &itemErr):
		return KindValidation
	case errors.Is(err, ErrOrderNotFound):
		return KindNotFound
	case errors.Is(err, ErrAccessDenied):
		return KindAccessDenied
	case errors.As(err, &transErr), errors.As(err, &cancelErr), errors.As(err, &mismatchErr):
		return KindConflict
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &infraErr):
		return KindUnavailable
	default:
		return KindInternal
	}
}

// isDomainError reports whether err is a domain rule violation that must be
// returned to the caller as-is rather than retried.
func isDomainError(err error) bool {
	switch Kind(err) {
	case KindValidation, KindNotFound, KindAccessDenied, KindConflict:
		return true
	default:
		return false
	}
}
