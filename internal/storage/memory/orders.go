// Package memory implements the write and read stores in process memory.
// It backs the memory storage driver and end-to-end tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xenking/order-cqrs/internal/domain/order"
	"github.com/xenking/order-cqrs/internal/event"
	"github.com/xenking/order-cqrs/internal/outbox"
	"github.com/xenking/order-cqrs/internal/projection"
)

// Orders is the write store: aggregates plus their outbox.
type Orders struct {
	mu     sync.Mutex
	orders  map[string]*order.Order
	numbers map[string]struct{}
	outbox  []outbox.Record
	nextID int64
	now    func() time.Time
}

var (
	_ order.Repository       = (*Orders)(nil)
	_ outbox.Store           = (*Orders)(nil)
	_ projection.EventSource = (*Orders)(nil)
)

// NewOrders creates an empty write store.
func NewOrders() *Orders {
	return &Orders{
		orders:  make(map[string]*order.Order),
		numbers: make(map[string]struct{}),
		now:     time.Now,
	}
}

// Get returns a copy of the stored order.
func (s *Orders) Get(ctx context.Context, id string) (*order.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrOrderNotFound
	}
	return o.Clone(), nil
}

// Create stores a new order and its events.
func (s *Orders) Create(ctx context.Context, o *order.Order, events []event.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[o.ID]; ok {
		return order.ErrAlreadyExists
	}
	if _, ok := s.numbers[o.OrderNumber]; ok {
		return order.ErrOrderNumberTaken
	}
	s.orders[o.ID] = o.Clone()
	s.numbers[o.OrderNumber] = struct{}{}
	s.enqueue(events)
	return nil
}

// Update replaces the order if its stored version equals expectedVersion.
func (s *Orders) Update(ctx context.Context, o *order.Order, expectedVersion int64, events []event.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.orders[o.ID]
	if !ok {
		return order.ErrOrderNotFound
	}
	if cur.Version != expectedVersion {
		return order.ErrVersionConflict
	}
	s.orders[o.ID] = o.Clone()
	s.enqueue(events)
	return nil
}

func (s *Orders) enqueue(events []event.Envelope) {
	now := s.now()
	for _, env := range events {
		s.nextID++
		s.outbox = append(s.outbox, outbox.Record{
			ID:            s.nextID,
			Event:         env,
			NextAttemptAt: now,
			CreatedAt:     now,
		})
	}
}

// Pending returns unsent outbox rows in ID order.
func (s *Orders) Pending(_ context.Context, limit int) ([]outbox.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outbox.Record
	for _, rec := range s.outbox {
		if rec.SentAt != nil {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, rec)
	}
	return out, nil
}

// MarkSent stamps an outbox row as published.
func (s *Orders) MarkSent(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec := s.record(id); rec != nil {
		rec.SentAt = &at
	}
	return nil
}

// MarkRetry records a failed publish attempt.
func (s *Orders) MarkRetry(_ context.Context, id int64, attempts int, next time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec := s.record(id); rec != nil {
		rec.Attempts = attempts
		rec.NextAttemptAt = next
		rec.LastError = lastErr
	}
	return nil
}

func (s *Orders) record(id int64) *outbox.Record {
	i := sort.Search(len(s.outbox), func(i int) bool { return s.outbox[i].ID >= id })
	if i < len(s.outbox) && s.outbox[i].ID == id {
		return &s.outbox[i]
	}
	return nil
}

// Summary reports unsent outbox rows.
func (s *Orders) Summary(context.Context) (outbox.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum outbox.Summary
	for _, rec := range s.outbox {
		if rec.SentAt != nil {
			continue
		}
		if sum.Pending == 0 {
			sum.OldestPendingAt = rec.CreatedAt
		}
		sum.Pending++
		if rec.Attempts > 0 {
			sum.Failing++
		}
	}
	return sum, nil
}

// EventsAfter returns the logged events of orderID after sequence after.
func (s *Orders) EventsAfter(_ context.Context, orderID string, after int64) ([]event.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Envelope
	for _, rec := range s.outbox {
		if rec.Event.OrderID == orderID && rec.Event.Sequence > after {
			out = append(out, rec.Event)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

// Events returns every logged event in commit order.
func (s *Orders) Events(context.Context) ([]event.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Envelope, len(s.outbox))
	for i, rec := range s.outbox {
		out[i] = rec.Event
	}
	return out, nil
}

// Scan calls fn for every logged record in commit order. It stops at the
// first error from fn.
func (s *Orders) Scan(ctx context.Context, _ int, fn func(outbox.Record) error) error {
	s.mu.Lock()
	records := append([]outbox.Record(nil), s.outbox...)
	s.mu.Unlock()

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}
