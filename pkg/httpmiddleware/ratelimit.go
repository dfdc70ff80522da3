package httpmiddleware

import (
	"context"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	// ResetAt is when the current window ends.
	ResetAt time.Time
}

// Limiter counts requests per key.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (Decision, error)
}

// RateLimitConfig configures the rate limit middleware.
type RateLimitConfig struct {
	// Max is the maximum number of requests allowed per window.
	Max int
	// Window is the duration of each sliding window.
	Window time.Duration
	// KeyFunc extracts the rate limit key from a request.
	// If nil, the gateway user ID is used, falling back to the client IP.
	KeyFunc func(*http.Request) string
	// Limiter shares counts between instances. If nil, counts are kept in
	// process.
	Limiter Limiter
}

// RateLimit enforces a per-key limit, answering 429 with a JSON body once it
// is exceeded. Every response carries X-RateLimit-Limit, X-RateLimit-Remaining
// and X-RateLimit-Reset. When the limiter fails the request is let through.
//
// An in-process limiter created here never evicts idle keys; use
// RateLimitWithCleanup for long-running servers.
func RateLimit(cfg RateLimitConfig) Middleware {
	if cfg.Limiter == nil {
		cfg.Limiter = NewWindowLimiter(cfg.Max, cfg.Window)
	}
	return rateLimit(cfg)
}

// RateLimitWithCleanup is like RateLimit, but an in-process limiter evicts
// idle keys every two windows until ctx is done.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	if cfg.Limiter == nil {
		wl := NewWindowLimiter(cfg.Max, cfg.Window)
		go wl.Run(ctx)
		cfg.Limiter = wl
	}
	return rateLimit(cfg)
}

func rateLimit(cfg RateLimitConfig) Middleware {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = defaultKeyFunc
	}
	limit := strconv.Itoa(cfg.Max)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now()
			d, err := cfg.Limiter.Allow(r.Context(), cfg.KeyFunc(r), now)
			if err != nil {
				zctx.From(r.Context()).Warn("Rate limiter unavailable", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			wait := max(d.ResetAt.Sub(now), 0)
			h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			h.Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, rateLimitedBody)
		})
	}
}

const rateLimitedBody = `{"code":429,"message":"rate limit exceeded"}`

// defaultKeyFunc keys authenticated callers by the user ID the gateway
// forwarded and everyone else by client IP.
func defaultKeyFunc(r *http.Request) string {
	if user := r.Header.Get("X-User-ID"); user != "" {
		return "user:" + user
	}
	return "ip:" + clientIP(r)
}

// clientIP checks X-Forwarded-For first, then X-Real-IP, then falls back to
// RemoteAddr.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// slidingCount weights the previous window by the share of it still inside
// the sliding window ending at now.
func slidingCount(prev, curr float64, currStart, now time.Time, window time.Duration) float64 {
	overlap := 1 - now.Sub(currStart).Seconds()/window.Seconds()
	if overlap < 0 {
		overlap = 0
	}
	return prev*overlap + curr
}

func remainingOf(limit int, count float64) int {
	return max(int(float64(limit)-count), 0)
}
