package order

import (
	"strconv"
	"sync"
	"time"
)

// NumberGenerator issues human-readable order numbers of the form
// ORD-<unix millis>. Numbers from one generator are strictly increasing even
// when the clock stalls or steps back.
type NumberGenerator struct {
	mu   sync.Mutex
	last int64
}

// Next returns the order number for an order created at now.
func (g *NumberGenerator) Next(now time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := now.UnixMilli()
	if ms <= g.last {
		ms = g.last + 1
	}
	g.last = ms
	return "ORD-" + strconv.FormatInt(ms, 10)
}
