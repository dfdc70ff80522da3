package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Helpers ---

func passingCheck() CheckFunc {
	return func(context.Context) error { return nil }
}

func failingCheck(msg string) CheckFunc {
	return func(context.Context) error { return errors.New(msg) }
}

func serve(t *testing.T, endpoint http.HandlerFunc) (int, Report) {
	t.Helper()
	w := httptest.NewRecorder()
	endpoint(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var r Report
	require.NoError(t, r.Decode(jx.DecodeBytes(w.Body.Bytes())))
	return w.Code, r
}

func runN(p *probe, n int) {
	for range n {
		p.run(context.Background())
	}
}

// --- Tests ---

func TestLiveEndpoint(t *testing.T) {
	h := New()
	code, r := serve(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", r.Status)

	h.AddLivenessCheck("ok", time.Second, passingCheck())
	h.AddLivenessCheck("db", time.Second, failingCheck("connection refused"))

	// Below the failure threshold the probe stays healthy.
	runN(h.liveness[1], 2)
	code, _ = serve(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusOK, code)

	runN(h.liveness[1], 1)
	code, r = serve(t, h.LiveEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", r.Status)
	assert.Equal(t, map[string]string{"db": "connection refused"}, r.Checks)
}

func TestReadyEndpoint(t *testing.T) {
	h := New()
	h.AddReadinessCheck("postgres", time.Second, passingCheck())

	code, r := serve(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "service is not ready", r.Checks["_readiness"])
	assert.False(t, h.IsReady())

	h.SetReady(true)
	code, _ = serve(t, h.ReadyEndpoint)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, h.IsReady())

	h.SetReady(false)
	assert.False(t, h.IsReady())
}

func TestThresholds(t *testing.T) {
	failing := true
	h := New()
	h.AddReadinessCheck("flaky", time.Second, func(context.Context) error {
		if failing {
			return errors.New("down")
		}
		return nil
	}, Thresholds{Failure: 1, Success: 2})
	h.SetReady(true)
	p := h.readiness[0]

	runN(p, 1)
	assert.False(t, h.IsReady())

	failing = false
	runN(p, 1)
	assert.False(t, h.IsReady(), "one pass is below the success threshold")
	runN(p, 1)
	assert.True(t, h.IsReady())
}

func TestStartAndStop(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	h := New()
	h.AddLivenessCheck("counter", time.Second, func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return nil
	})

	h.Start(context.Background(), 10*time.Millisecond)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, time.Second, 5*time.Millisecond)
	h.Stop()
	h.Stop()
}

func TestConcurrentAccess(t *testing.T) {
	h := New()
	h.AddLivenessCheck("live", time.Second, failingCheck("err"))
	h.AddReadinessCheck("ready", time.Second, passingCheck())
	h.SetReady(true)
	h.Start(context.Background(), time.Millisecond)
	defer h.Stop()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				h.IsReady()
				h.LiveEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/livez", nil))
				h.ReadyEndpoint(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/readyz", nil))
			}
		}()
	}
	wg.Wait()
}

func TestGoroutineCountCheck(t *testing.T) {
	assert.NoError(t, GoroutineCountCheck(100000)(context.Background()))
	assert.ErrorContains(t, GoroutineCountCheck(0)(context.Background()), "exceeds threshold")
}

func TestLagCheck(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	tests := []struct {
		name    string
		oldest  time.Time
		err     error
		wantErr string
	}{
		{name: "nothing pending"},
		{name: "within bound", oldest: now.Add(-30 * time.Second)},
		{name: "lagging", oldest: now.Add(-5 * time.Minute), wantErr: "lag 5m0s exceeds 1m0s"},
		{name: "source error", err: errors.New("db down"), wantErr: "db down"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			check := LagCheck(func(context.Context) (time.Time, error) {
				return tt.oldest, tt.err
			}, time.Minute, clock)

			err := check(context.Background())
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.EqualError(t, err, tt.wantErr)
		})
	}
}
