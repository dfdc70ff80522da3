package handler

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/jx"

	"github.com/xenking/order-cqrs/internal/domain/order"
	"github.com/xenking/order-cqrs/internal/query"
	"github.com/xenking/order-cqrs/internal/readmodel"
)

func (h *Handler) getUserOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		p   params
		req = query.UserOrders{
			SortBy:        q.Get("sortBy"),
			SortDirection: q.Get("sortDirection"),
		}
	)
	req.Page = p.integer(q, "page")
	req.Size = p.integer(q, "size")
	req.Statuses = p.statuses(q, "status")
	req.From = p.instant(q, "fromDate", false)
	req.To = p.instant(q, "toDate", true)
	if p.err != nil {
		writeError(w, r, p.err)
		return
	}

	id, _ := issuer(r)
	req.UserID = id.UserID
	page, err := h.queries.GetUserOrders(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writePage(w, page)
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	id, _ := issuer(r)
	v, err := h.queries.GetOrderByID(r.Context(), r.PathValue("id"), id.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeView(w, v)
}

func (h *Handler) getOrderTracking(w http.ResponseWriter, r *http.Request) {
	id, _ := issuer(r)
	t, err := h.queries.GetOrderTracking(r.Context(), r.PathValue("id"), id.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeTracking(e, t) })
}

func (h *Handler) getOrderAnalytics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var p params
	from := p.instant(q, "fromDate", false)
	to := p.instant(q, "toDate", true)
	if p.err != nil {
		writeError(w, r, p.err)
		return
	}

	id, _ := issuer(r)
	res, err := h.queries.GetOrderAnalytics(r.Context(), id.UserID, from, to)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeAnalytics(w, res)
}

func (h *Handler) getOrdersForAdmin(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		p   params
		req = query.AdminOrders{
			Search:        q.Get("search"),
			SortBy:        q.Get("sortBy"),
			SortDirection: q.Get("sortDirection"),
		}
	)
	req.Page = p.integer(q, "page")
	req.Size = p.integer(q, "size")
	if raw := q.Get("status"); raw != "" {
		st, err := order.ParseStatus(raw)
		if err != nil {
			writeError(w, r, err)
			return
		}
		req.Status = &st
	}
	if p.err != nil {
		writeError(w, r, p.err)
		return
	}

	page, err := h.queries.GetOrdersForAdmin(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writePage(w, page)
}

func (h *Handler) getOrderForAdmin(w http.ResponseWriter, r *http.Request) {
	v, err := h.queries.GetOrderForAdmin(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeView(w, v)
}

func (h *Handler) getStatistics(w http.ResponseWriter, r *http.Request) {
	period, err := query.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.queries.GetStatistics(r.Context(), period)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeAnalytics(w, res)
}

func writePage(w http.ResponseWriter, page readmodel.Page) {
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodePage(e, page) })
}

func writeView(w http.ResponseWriter, v *readmodel.OrderView) {
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeView(e, v) })
}

func writeAnalytics(w http.ResponseWriter, a readmodel.Analytics) {
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeAnalytics(e, a) })
}

// params parses query parameters, keeping the first error.
type params struct {
	err error
}

func (p *params) fail(field, constraint string) {
	if p.err == nil {
		p.err = &order.ValidationError{Field: field, Constraint: constraint}
	}
}

func (p *params) integer(q url.Values, key string) int {
	raw := q.Get(key)
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, "must be an integer")
	}
	return v
}

// statuses reads a comma separated or repeated status list.
func (p *params) statuses(q url.Values, key string) []order.Status {
	var out []order.Status
	for _, raw := range q[key] {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name == "" {
				continue
			}
			st, err := order.ParseStatus(name)
			if err != nil {
				p.fail(key, "unknown status "+strconv.Quote(name))
				continue
			}
			out = append(out, st)
		}
	}
	return out
}

// instant accepts RFC 3339 timestamps or dates. A date used as an upper bound
// covers the whole day.
func (p *params) instant(q url.Values, key string, endOfDay bool) time.Time {
	raw := q.Get(key)
	if raw == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		p.fail(key, "must be an RFC 3339 timestamp or a YYYY-MM-DD date")
		return time.Time{}
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t
}
