// Package event defines the envelope that carries order domain events from
// the write side to every consumer of the event channel.
package event

import (
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// Type names a domain event.
type Type string

// Order event types.
const (
	OrderCreated          Type = "OrderCreated"
	OrderStatusUpdated    Type = "OrderStatusUpdated"
	OrderCancelled        Type = "OrderCancelled"
	OrderPaymentConfirmed Type = "OrderPaymentConfirmed"
)

// Envelope is the durable contract between the write and read sides.
// Consumers dedup on EventID and order on (OrderID, Sequence).
type Envelope struct {
	EventID   string
	Type      Type
	OrderID   string
	Sequence  int64
	Timestamp time.Time
	// Payload is the JSON document for Type.
	Payload []byte
}

// Encode writes e as a JSON object.
func (e Envelope) Encode(enc *jx.Encoder) {
	enc.ObjStart()
	enc.FieldStart("eventId")
	enc.Str(e.EventID)
	enc.FieldStart("eventType")
	enc.Str(string(e.Type))
	enc.FieldStart("orderId")
	enc.Str(e.OrderID)
	enc.FieldStart("sequence")
	enc.Int64(e.Sequence)
	enc.FieldStart("timestamp")
	enc.Str(e.Timestamp.UTC().Format(time.RFC3339Nano))
	enc.FieldStart("payload")
	if len(e.Payload) == 0 {
		enc.Null()
	} else {
		enc.Raw(e.Payload)
	}
	enc.ObjEnd()
}

// Decode reads e from a JSON object. Unknown fields are skipped.
func (e *Envelope) Decode(d *jx.Decoder) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "eventId":
			v, err := d.Str()
			if err != nil {
				return errors.Wrap(err, "eventId")
			}
			e.EventID = v
		case "eventType":
			v, err := d.Str()
			if err != nil {
				return errors.Wrap(err, "eventType")
			}
			e.Type = Type(v)
		case "orderId":
			v, err := d.Str()
			if err != nil {
				return errors.Wrap(err, "orderId")
			}
			e.OrderID = v
		case "sequence":
			v, err := d.Int64()
			if err != nil {
				return errors.Wrap(err, "sequence")
			}
			e.Sequence = v
		case "timestamp":
			v, err := d.Str()
			if err != nil {
				return errors.Wrap(err, "timestamp")
			}
			ts, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return errors.Wrap(err, "timestamp")
			}
			e.Timestamp = ts
		case "payload":
			raw, err := d.Raw()
			if err != nil {
				return errors.Wrap(err, "payload")
			}
			e.Payload = append([]byte(nil), raw...)
		default:
			return d.Skip()
		}
		return nil
	})
}

// MarshalJSON implements json.Marshaler.
func (e Envelope) MarshalJSON() ([]byte, error) {
	var enc jx.Encoder
	e.Encode(&enc)
	return enc.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	return e.Decode(jx.DecodeBytes(data))
}

// Validate checks the fields every consumer relies on.
func (e Envelope) Validate() error {
	switch {
	case e.EventID == "":
		return errors.New("event id is required")
	case e.OrderID == "":
		return errors.New("order id is required")
	case e.Sequence <= 0:
		return errors.Errorf("event %s: sequence must be greater than zero", e.EventID)
	case e.Type == "":
		return errors.Errorf("event %s: type is required", e.EventID)
	}
	return nil
}
