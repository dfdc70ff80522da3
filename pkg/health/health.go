// Package health serves liveness and readiness probes.
//
// Every check runs in its own goroutine on a fixed interval. A check turns
// unhealthy only after FailureThreshold consecutive failures and healthy
// again after SuccessThreshold consecutive passes, so a single slow query
// does not flap the probe.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
)

// CheckFunc reports nil when the checked component is healthy.
type CheckFunc func(ctx context.Context) error

// Thresholds tune when a check changes state. Zero fields default to 3
// failures and 1 success.
type Thresholds struct {
	Failure int
	Success int
}

type probe struct {
	name     string
	timeout  time.Duration
	check    CheckFunc
	failures int
	passes   int

	healthy atomic.Bool
	lastErr atomic.Pointer[error]

	// Only touched by the goroutine calling run.
	fails int
	oks   int
}

func newProbe(name string, timeout time.Duration, check CheckFunc, th Thresholds) *probe {
	if th.Failure <= 0 {
		th.Failure = 3
	}
	if th.Success <= 0 {
		th.Success = 1
	}
	p := &probe{name: name, timeout: timeout, check: check, failures: th.Failure, passes: th.Success}
	p.healthy.Store(true)
	return p
}

func (p *probe) run(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.check(ctx)
	p.lastErr.Store(&err)
	if err != nil {
		p.oks = 0
		p.fails++
		if p.fails >= p.failures {
			p.healthy.Store(false)
		}
		return
	}
	p.fails = 0
	p.oks++
	if p.oks >= p.passes {
		p.healthy.Store(true)
	}
}

func (p *probe) failure() (string, bool) {
	if p.healthy.Load() {
		return "", false
	}
	if e := p.lastErr.Load(); e != nil && *e != nil {
		return (*e).Error(), true
	}
	return "check is unhealthy", true
}

// Health holds the registered probes and the manual readiness flag.
type Health struct {
	mu        sync.RWMutex
	liveness  []*probe
	readiness []*probe
	ready     atomic.Bool
	cancel    context.CancelFunc
}

// New returns a Health that is not ready until SetReady(true).
func New() *Health {
	return &Health{}
}

// AddLivenessCheck registers a check that decides whether the process should
// be restarted.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, check CheckFunc, th ...Thresholds) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.liveness = append(h.liveness, newProbe(name, timeout, check, first(th)))
}

// AddReadinessCheck registers a check that decides whether the process should
// receive traffic.
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, check CheckFunc, th ...Thresholds) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readiness = append(h.readiness, newProbe(name, timeout, check, first(th)))
}

func first(th []Thresholds) Thresholds {
	if len(th) == 0 {
		return Thresholds{}
	}
	return th[0]
}

// Start runs every registered check immediately and then every interval
// until Stop or ctx cancellation.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	h.cancel = cancel
	probes := append(append([]*probe(nil), h.liveness...), h.readiness...)
	h.mu.Unlock()

	for _, p := range probes {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				p.run(ctx)
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
				}
			}
		}()
	}
}

// Stop cancels the check goroutines. It is safe to call more than once.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// SetReady sets the manual readiness flag. It is cleared during shutdown so
// the load balancer drains the instance.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the flag is set and every readiness check passes.
func (h *Health) IsReady() bool {
	if !h.ready.Load() {
		return false
	}
	return len(h.failures(h.readinessProbes())) == 0
}

func (h *Health) livenessProbes() []*probe {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*probe(nil), h.liveness...)
}

func (h *Health) readinessProbes() []*probe {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*probe(nil), h.readiness...)
}

func (h *Health) failures(probes []*probe) map[string]string {
	out := make(map[string]string)
	for _, p := range probes {
		if msg, failed := p.failure(); failed {
			out[p.name] = msg
		}
	}
	return out
}

// LiveEndpoint serves /livez.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	writeReport(w, h.failures(h.livenessProbes()))
}

// ReadyEndpoint serves /readyz.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	failures := h.failures(h.readinessProbes())
	if !h.ready.Load() {
		failures["_readiness"] = "service is not ready"
	}
	writeReport(w, failures)
}

// Report is the body of both probe endpoints.
type Report struct {
	Status string
	Checks map[string]string
}

// Encode writes r as {"status":...,"checks":{...}}; checks is omitted when
// empty.
func (r Report) Encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("status")
	e.Str(r.Status)
	if len(r.Checks) > 0 {
		names := make([]string, 0, len(r.Checks))
		for name := range r.Checks {
			names = append(names, name)
		}
		sort.Strings(names)

		e.FieldStart("checks")
		e.ObjStart()
		for _, name := range names {
			e.FieldStart(name)
			e.Str(r.Checks[name])
		}
		e.ObjEnd()
	}
	e.ObjEnd()
}

// Decode reads r from JSON.
func (r *Report) Decode(d *jx.Decoder) error {
	return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "status":
			v, err := d.Str()
			r.Status = v
			return err
		case "checks":
			r.Checks = make(map[string]string)
			return d.ObjBytes(func(d *jx.Decoder, key []byte) error {
				v, err := d.Str()
				r.Checks[string(key)] = v
				return err
			})
		default:
			return d.Skip()
		}
	})
}

func writeReport(w http.ResponseWriter, failures map[string]string) {
	r := Report{Status: "ok"}
	status := http.StatusOK
	if len(failures) > 0 {
		r.Status = "unhealthy"
		r.Checks = failures
		status = http.StatusServiceUnavailable
	}

	var e jx.Encoder
	r.Encode(&e)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
