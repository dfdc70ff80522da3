package handler

import (
	"fmt"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/order-cqrs/internal/domain/order"
)

var statusByKind = map[order.ErrorKind]int{
	order.KindValidation:   http.StatusBadRequest,
	order.KindNotFound:     http.StatusNotFound,
	order.KindAccessDenied: http.StatusForbidden,
	order.KindConflict:     http.StatusConflict,
	order.KindUnavailable:  http.StatusServiceUnavailable,
	order.KindTimeout:      http.StatusGatewayTimeout,
	order.KindInternal:     http.StatusInternalServerError,
}

// writeError maps a command or query error to its HTTP response. Internal
// errors are logged and their details withheld from the caller.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := order.Kind(err)
	status := statusByKind[kind]
	p := problem{Message: err.Error()}

	var (
		ve *order.ValidationError
		ie *order.InvalidItemError
	)
	switch {
	case errors.As(err, &ve):
		p.Field, p.Constraint = ve.Field, ve.Constraint
	case errors.As(err, &ie):
		p.Field = fmt.Sprintf("items[%d].%s", ie.Index, ie.Field)
		p.Constraint = "must be greater than 0"
	case errors.Is(err, order.ErrEmptyOrder):
		p.Field, p.Constraint = "items", "must not be empty"
	}

	lg := zctx.From(r.Context())
	switch kind {
	case order.KindInternal:
		lg.Error("Request failed", zap.Error(err))
		p.Message = "internal error"
	case order.KindUnavailable, order.KindTimeout:
		lg.Warn("Request failed", zap.Error(err), zap.Stringer("kind", kind))
		w.Header().Set("Retry-After", "1")
	}
	writeProblem(w, status, p)
}
