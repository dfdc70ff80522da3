package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/order-cqrs/internal/domain/order"
	"github.com/xenking/order-cqrs/internal/event"
	"github.com/xenking/order-cqrs/internal/readmodel"
)

// Views is the read store.
type Views struct {
	mu        sync.RWMutex
	views     map[string]*readmodel.OrderView
	processed map[string]struct{}
}

var _ readmodel.Store = (*Views)(nil)

// NewViews creates an empty read store.
func NewViews() *Views {
	return &Views{
		views:     make(map[string]*readmodel.OrderView),
		processed: make(map[string]struct{}),
	}
}

// Apply runs fn and stores its result with env.EventID as processed.
func (s *Views) Apply(ctx context.Context, env event.Envelope, fn readmodel.ApplyFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processed[env.EventID]; ok {
		return readmodel.ErrDuplicate
	}
	var cur *readmodel.OrderView
	if v, ok := s.views[env.OrderID]; ok {
		cur = v.Clone()
	}
	next, err := fn(cur)
	if err != nil {
		return err
	}
	if next != nil {
		s.views[env.OrderID] = next.Clone()
	}
	s.processed[env.EventID] = struct{}{}
	return nil
}

// Seen reports whether eventID was processed.
func (s *Views) Seen(_ context.Context, eventID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.processed[eventID]
	return ok, nil
}

// Get returns a copy of the view of orderID.
func (s *Views) Get(ctx context.Context, orderID string) (*readmodel.OrderView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.views[orderID]
	if !ok {
		return nil, readmodel.ErrNotFound
	}
	return v.Clone(), nil
}

// List returns the page of views selected by f.
func (s *Views) List(ctx context.Context, f readmodel.Filter) (readmodel.Page, error) {
	if err := ctx.Err(); err != nil {
		return readmodel.Page{}, err
	}
	matched := s.match(f.Match)
	slices.SortFunc(matched, func(a, b *readmodel.OrderView) int {
		c := compare(a, b, f.Sort)
		if c == 0 {
			c = cmp.Compare(a.ID, b.ID)
		}
		if f.Desc {
			return -c
		}
		return c
	})

	start := min(f.Offset(), len(matched))
	end := min(start+f.Size, len(matched))
	items := make([]readmodel.OrderView, 0, end-start)
	for _, v := range matched[start:end] {
		items = append(items, *v)
	}
	return readmodel.NewPage(items, len(matched), f.Page, f.Size), nil
}

// Analytics aggregates the views selected by f.
func (s *Views) Analytics(ctx context.Context, f readmodel.AnalyticsFilter) (readmodel.Analytics, error) {
	if err := ctx.Err(); err != nil {
		return readmodel.Analytics{}, err
	}
	res := readmodel.Analytics{
		TotalRevenue: decimal.Zero,
		ByStatus:     make(map[order.Status]int),
	}
	days := make(map[time.Time]*readmodel.DailyBucket)
	for _, v := range s.match(f.Match) {
		res.OrderCount++
		res.ByStatus[v.Status]++
		if v.ProjectedAt.After(res.AsOf) {
			res.AsOf = v.ProjectedAt
		}

		day := v.CreatedAt.UTC().Truncate(24 * time.Hour)
		b, ok := days[day]
		if !ok {
			b = &readmodel.DailyBucket{Date: day, Revenue: decimal.Zero}
			days[day] = b
		}
		b.OrderCount++
		if readmodel.Revenue(v.Status) {
			res.TotalRevenue = res.TotalRevenue.Add(v.TotalAmount)
			b.Revenue = b.Revenue.Add(v.TotalAmount)
		}
	}
	res.AverageOrderValue = readmodel.AverageOrderValue(res.TotalRevenue, res.OrderCount)

	res.Daily = make([]readmodel.DailyBucket, 0, len(days))
	for _, b := range days {
		res.Daily = append(res.Daily, *b)
	}
	slices.SortFunc(res.Daily, func(a, b readmodel.DailyBucket) int { return a.Date.Compare(b.Date) })
	return res, nil
}

func (s *Views) match(pred func(*readmodel.OrderView) bool) []*readmodel.OrderView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*readmodel.OrderView
	for _, v := range s.views {
		if pred(v) {
			out = append(out, v.Clone())
		}
	}
	return out
}

func compare(a, b *readmodel.OrderView, field readmodel.SortField) int {
	switch field {
	case readmodel.SortUpdatedAt:
		return a.UpdatedAt.Compare(b.UpdatedAt)
	case readmodel.SortTotalAmount:
		return a.TotalAmount.Cmp(b.TotalAmount)
	case readmodel.SortOrderNumber:
		return cmp.Compare(a.OrderNumber, b.OrderNumber)
	case readmodel.SortStatus:
		return cmp.Compare(a.Status.String(), b.Status.String())
	default:
		return a.CreatedAt.Compare(b.CreatedAt)
	}
}
