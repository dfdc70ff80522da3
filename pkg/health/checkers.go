package health

import (
	"context"
	"runtime"
	"time"

	"github.com/go-faster/errors"
)

// GoroutineCountCheck fails when more than threshold goroutines are running.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(_ context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}

// Pinger is implemented by connection pools.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck fails when p cannot be reached.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		return p.Ping(ctx)
	}
}

// LagCheck fails when the oldest unprocessed item reported by oldest is older
// than maxAge. A zero time means nothing is pending.
func LagCheck(oldest func(ctx context.Context) (time.Time, error), maxAge time.Duration, now func() time.Time) CheckFunc {
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) error {
		t, err := oldest(ctx)
		if err != nil {
			return err
		}
		if t.IsZero() {
			return nil
		}
		if lag := now().Sub(t); lag > maxAge {
			return errors.Errorf("lag %s exceeds %s", lag.Round(time.Second), maxAge)
		}
		return nil
	}
}
