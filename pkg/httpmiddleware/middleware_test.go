package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-faster/sdk/zctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWrap_FirstMiddlewareIsOutermost(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}

	h := Wrap(okHandler(), mark("a"), mark("b"), mark("c"))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestRecovery(t *testing.T) {
	h := Recovery()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	w := httptest.NewRecorder()
	require.NotPanics(t, func() {
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "close", w.Header().Get("Connection"))
	assert.JSONEq(t, `{"code":500,"message":"internal error"}`, w.Body.String())
}

func TestRecovery_ResponseStarted(t *testing.T) {
	h := Recovery()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		panic("late")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Empty(t, w.Body.String())
}

func TestRecovery_AbortHandlerPropagates(t *testing.T) {
	h := Recovery()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	tests := []struct {
		name     string
		incoming string
		reuse    bool
	}{
		{name: "generated when absent"},
		{name: "reused when valid", incoming: "req-123", reuse: true},
		{name: "replaced when too long", incoming: strings.Repeat("x", 129)},
		{name: "replaced when not printable", incoming: "bad\x01id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.incoming != "" {
				req.Header.Set("X-Request-ID", tt.incoming)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.NotEmpty(t, seen)
			assert.Equal(t, seen, w.Header().Get("X-Request-ID"))
			if tt.reuse {
				assert.Equal(t, tt.incoming, seen)
			} else {
				assert.NotEqual(t, tt.incoming, seen)
			}
		})
	}
}

func TestInjectLoggerAndLogRequests(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		zctx.From(r.Context()).Info("handling")
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	h := Wrap(mux, RequestID(), InjectLogger(zap.New(core)), LogRequests())

	req := httptest.NewRequest(http.MethodGet, "/api/orders/o1", nil)
	req.Header.Set("X-Request-ID", "req-1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "req-1", entries[0].ContextMap()["request_id"])

	done := entries[1]
	assert.Equal(t, zapcore.WarnLevel, done.Level)
	assert.Equal(t, "req-1", done.ContextMap()["request_id"])
	assert.Equal(t, int64(http.StatusServiceUnavailable), done.ContextMap()["status"])
}

func TestInstrument_PassesThrough(t *testing.T) {
	h := Instrument("test", tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())(okHandler())

	for _, path := range []string{"/livez", "/api/orders"} {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
	assert.True(t, isProbe("/readyz"))
	assert.False(t, isProbe("/api/orders"))
}
