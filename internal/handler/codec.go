package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/xenking/order-cqrs/internal/domain/order"
	"github.com/xenking/order-cqrs/internal/query"
	"github.com/xenking/order-cqrs/internal/readmodel"
)

const maxBodyBytes = 1 << 20

// --- Requests ---

type createOrderRequest struct {
	Items           []order.Item
	ShippingAddress string
	BillingAddress  string
	Notes           string
}

func (req *createOrderRequest) Decode(d *jx.Decoder) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "items":
			return d.Arr(func(d *jx.Decoder) error {
				var it order.Item
				if err := decodeItem(d, &it); err != nil {
					return errors.Wrapf(err, "items[%d]", len(req.Items))
				}
				req.Items = append(req.Items, it)
				return nil
			})
		case "shippingAddress":
			return decodeStr(d, &req.ShippingAddress)
		case "billingAddress":
			return decodeStr(d, &req.BillingAddress)
		case "notes":
			return decodeStr(d, &req.Notes)
		default:
			return d.Skip()
		}
	})
}

func decodeItem(d *jx.Decoder, it *order.Item) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "productId":
			return decodeStr(d, &it.ProductID)
		case "quantity":
			v, err := d.Int()
			it.Quantity = v
			return err
		case "unitPrice":
			return decodeDecimal(d, &it.UnitPrice)
		default:
			return d.Skip()
		}
	})
}

type updateStatusRequest struct {
	Status string
	Reason string
}

func (req *updateStatusRequest) Decode(d *jx.Decoder) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "status":
			return decodeStr(d, &req.Status)
		case "reason":
			return decodeStr(d, &req.Reason)
		default:
			return d.Skip()
		}
	})
}

type cancelOrderRequest struct {
	Reason          string
	RefundRequested bool
}

func (req *cancelOrderRequest) Decode(d *jx.Decoder) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "reason":
			return decodeStr(d, &req.Reason)
		case "refundRequested":
			v, err := d.Bool()
			req.RefundRequested = v
			return err
		default:
			return d.Skip()
		}
	})
}

type confirmPaymentRequest struct {
	PaymentID     string
	Amount        decimal.Decimal
	PaymentMethod string
}

func (req *confirmPaymentRequest) Decode(d *jx.Decoder) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "paymentId":
			return decodeStr(d, &req.PaymentID)
		case "amount":
			return decodeDecimal(d, &req.Amount)
		case "paymentMethod":
			return decodeStr(d, &req.PaymentMethod)
		default:
			return d.Skip()
		}
	})
}

type decodable interface {
	Decode(d *jx.Decoder) error
}

// readBody decodes a JSON request body into v. Malformed bodies are reported
// as a validation error on "body".
func readBody(r *http.Request, v decodable) error {
	data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return errors.Wrap(err, "read body")
	}
	if err := v.Decode(jx.DecodeBytes(data)); err != nil {
		return &order.ValidationError{Field: "body", Constraint: "must be a valid JSON object: " + err.Error()}
	}
	return nil
}

func decodeStr(d *jx.Decoder, dst *string) error {
	v, err := d.Str()
	*dst = v
	return err
}

// decodeDecimal accepts both JSON numbers and numeric strings.
func decodeDecimal(d *jx.Decoder, dst *decimal.Decimal) error {
	var raw string
	switch d.Next() {
	case jx.String:
		v, err := d.Str()
		if err != nil {
			return err
		}
		raw = v
	default:
		v, err := d.Num()
		if err != nil {
			return err
		}
		raw = v.String()
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return errors.Wrapf(err, "parse amount %q", raw)
	}
	*dst = v
	return nil
}

// --- Responses ---

func encodeMoney(e *jx.Encoder, v decimal.Decimal) {
	e.Num(jx.Num(v.StringFixed(2)))
}

func encodeTime(e *jx.Encoder, t time.Time) {
	e.Str(t.UTC().Format(time.RFC3339Nano))
}

func encodeOptTime(e *jx.Encoder, field string, t *time.Time) {
	if t == nil {
		return
	}
	e.FieldStart(field)
	encodeTime(e, *t)
}

func optTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func encodeOptStr(e *jx.Encoder, field, v string) {
	if v == "" {
		return
	}
	e.FieldStart(field)
	e.Str(v)
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(o.ID)
	e.FieldStart("orderNumber")
	e.Str(o.OrderNumber)
	e.FieldStart("userId")
	e.Str(o.UserID)
	e.FieldStart("status")
	e.Str(o.Status.String())
	e.FieldStart("items")
	e.ArrStart()
	for _, it := range o.Items {
		e.ObjStart()
		e.FieldStart("productId")
		e.Str(it.ProductID)
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		e.FieldStart("unitPrice")
		encodeMoney(e, it.UnitPrice)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("totalAmount")
	encodeMoney(e, o.TotalAmount)
	e.FieldStart("shippingAddress")
	e.Str(o.ShippingAddress)
	e.FieldStart("billingAddress")
	e.Str(o.BillingAddress)
	encodeOptStr(e, "notes", o.Notes)
	encodeOptStr(e, "cancellationReason", o.CancellationReason)
	encodeOptStr(e, "paymentId", o.PaymentID)
	encodeOptStr(e, "paymentMethod", o.PaymentMethod)
	e.FieldStart("createdAt")
	encodeTime(e, o.CreatedAt)
	e.FieldStart("updatedAt")
	encodeTime(e, o.UpdatedAt)
	encodeOptTime(e, "completedAt", o.CompletedAt)
	encodeOptTime(e, "cancelledAt", o.CancelledAt)
	e.FieldStart("version")
	e.Int64(o.Version)
	e.ObjEnd()
}

func encodeView(e *jx.Encoder, v *readmodel.OrderView) {
	e.ObjStart()
	e.FieldStart("id")
	e.Str(v.ID)
	e.FieldStart("orderNumber")
	e.Str(v.OrderNumber)
	e.FieldStart("userId")
	e.Str(v.UserID)
	encodeOptStr(e, "userEmail", v.UserEmail)
	encodeOptStr(e, "userName", v.UserName)
	e.FieldStart("status")
	e.Str(v.Status.String())
	e.FieldStart("items")
	e.ArrStart()
	for _, it := range v.Items {
		e.ObjStart()
		e.FieldStart("productId")
		e.Str(it.ProductID)
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		e.FieldStart("unitPrice")
		encodeMoney(e, it.UnitPrice)
		e.FieldStart("subtotal")
		encodeMoney(e, it.Subtotal)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("itemCount")
	e.Int(v.ItemCount)
	e.FieldStart("totalAmount")
	encodeMoney(e, v.TotalAmount)
	e.FieldStart("shippingAddress")
	e.Str(v.ShippingAddress)
	e.FieldStart("billingAddress")
	e.Str(v.BillingAddress)
	encodeOptStr(e, "notes", v.Notes)
	encodeOptStr(e, "cancellationReason", v.CancellationReason)
	e.FieldStart("paymentStatus")
	e.Str(string(v.PaymentStatus))
	encodeOptStr(e, "paymentId", v.PaymentID)
	encodeOptStr(e, "paymentMethod", v.PaymentMethod)
	encodeOptTime(e, "estimatedDelivery", v.EstimatedDelivery)
	encodeOptTime(e, "shippedAt", v.ShippedAt)
	e.FieldStart("createdAt")
	encodeTime(e, v.CreatedAt)
	e.FieldStart("updatedAt")
	encodeTime(e, v.UpdatedAt)
	encodeOptTime(e, "completedAt", v.CompletedAt)
	encodeOptTime(e, "cancelledAt", v.CancelledAt)
	e.FieldStart("version")
	e.Int64(v.LastSequence)
	e.FieldStart("projectedAt")
	encodeTime(e, v.ProjectedAt)
	e.ObjEnd()
}

func encodePage(e *jx.Encoder, p readmodel.Page) {
	e.ObjStart()
	e.FieldStart("items")
	e.ArrStart()
	for i := range p.Items {
		encodeView(e, &p.Items[i])
	}
	e.ArrEnd()
	e.FieldStart("totalCount")
	e.Int(p.TotalCount)
	e.FieldStart("page")
	e.Int(p.Page)
	e.FieldStart("size")
	e.Int(p.Size)
	e.FieldStart("totalPages")
	e.Int(p.TotalPages())
	encodeOptTime(e, "projectedAt", optTime(p.ProjectedAt))
	e.ObjEnd()
}

func encodeTracking(e *jx.Encoder, t *query.Tracking) {
	e.ObjStart()
	e.FieldStart("orderId")
	e.Str(t.OrderID)
	e.FieldStart("orderNumber")
	e.Str(t.OrderNumber)
	e.FieldStart("status")
	e.Str(t.Status.String())
	e.FieldStart("description")
	e.Str(t.Description)
	e.FieldStart("progress")
	e.Int(t.Progress)
	encodeOptTime(e, "estimatedDelivery", t.EstimatedDelivery)
	e.FieldStart("updatedAt")
	encodeTime(e, t.UpdatedAt)
	e.FieldStart("projectedAt")
	encodeTime(e, t.ProjectedAt)
	e.ObjEnd()
}

func encodeAnalytics(e *jx.Encoder, a readmodel.Analytics) {
	e.ObjStart()
	e.FieldStart("orderCount")
	e.Int(a.OrderCount)
	e.FieldStart("totalRevenue")
	encodeMoney(e, a.TotalRevenue)
	e.FieldStart("averageOrderValue")
	encodeMoney(e, a.AverageOrderValue)
	e.FieldStart("byStatus")
	e.ObjStart()
	for _, st := range order.Statuses {
		if n := a.ByStatus[st]; n > 0 {
			e.FieldStart(st.String())
			e.Int(n)
		}
	}
	e.ObjEnd()
	e.FieldStart("daily")
	e.ArrStart()
	for _, b := range a.Daily {
		e.ObjStart()
		e.FieldStart("date")
		e.Str(b.Date.Format(time.DateOnly))
		e.FieldStart("orderCount")
		e.Int(b.OrderCount)
		e.FieldStart("revenue")
		encodeMoney(e, b.Revenue)
		e.ObjEnd()
	}
	e.ArrEnd()
	encodeOptTime(e, "asOf", optTime(a.AsOf))
	e.ObjEnd()
}

// problem is the error response body.
type problem struct {
	Message    string
	Field      string
	Constraint string
}

func writeProblem(w http.ResponseWriter, status int, p problem) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Int(status)
		e.FieldStart("message")
		e.Str(p.Message)
		encodeOptStr(e, "field", p.Field)
		encodeOptStr(e, "constraint", p.Constraint)
		e.ObjEnd()
	})
}

func writeJSON(w http.ResponseWriter, status int, encode func(e *jx.Encoder)) {
	var e jx.Encoder
	encode(&e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
