package broker

import (
	"context"
	"slices"
	"sync"

	"github.com/xenking/order-cqrs/internal/event"
)

// Memory is an in-process event log. Every subscriber reads the full log
// from the beginning in publish order.
type Memory struct {
	mu   sync.Mutex
	log  []event.Envelope
	wake chan struct{}
}

var (
	_ Publisher  = (*Memory)(nil)
	_ Subscriber = (*Memory)(nil)
)

// NewMemory creates an empty in-process log.
func NewMemory() *Memory {
	return &Memory{wake: make(chan struct{})}
}

// Publish appends env to the log.
func (m *Memory) Publish(ctx context.Context, env event.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = append(m.log, env)
	close(m.wake)
	m.wake = make(chan struct{})
	return nil
}

// Subscribe delivers the log to h and then waits for new envelopes.
func (m *Memory) Subscribe(ctx context.Context, h Handler) error {
	offset := 0
	for {
		m.mu.Lock()
		if offset < len(m.log) {
			env := m.log[offset]
			m.mu.Unlock()
			if err := deliver(ctx, h, env); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			offset++
			continue
		}
		wake := m.wake
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		}
	}
}

// Published returns a copy of the log.
func (m *Memory) Published() []event.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.log)
}
