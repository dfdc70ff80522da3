package httpmiddleware

import (
	"context"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

// slidingScript counts a request in KEYS[1] unless the weighted sum of the
// previous window KEYS[2] and the current one reaches ARGV[1]. It returns
// {allowed, previous, current}.
var slidingScript = redis.NewScript(`
local prev = tonumber(redis.call("GET", KEYS[2]) or "0")
local curr = tonumber(redis.call("GET", KEYS[1]) or "0")
if prev * tonumber(ARGV[3]) + curr >= tonumber(ARGV[1]) then
	return {0, prev, curr}
end
curr = redis.call("INCR", KEYS[1])
if curr == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return {1, prev, curr}
`)

// RedisLimiter is a sliding window Limiter shared by every instance using
// the same redis and prefix.
type RedisLimiter struct {
	client redis.Cmdable
	prefix string
	limit  int
	window time.Duration
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter allows limit requests per key in any interval of length
// window.
func NewRedisLimiter(client redis.Cmdable, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, limit: limit, window: window}
}

// Allow counts a request for key if it fits the limit.
func (l *RedisLimiter) Allow(ctx context.Context, key string, now time.Time) (Decision, error) {
	start := now.Truncate(l.window)
	overlap := 1 - now.Sub(start).Seconds()/l.window.Seconds()

	// The hash tag keeps both windows of a key on one cluster slot.
	base := l.prefix + "{" + key + "}:"
	keys := []string{
		base + strconv.FormatInt(start.UnixMilli(), 10),
		base + strconv.FormatInt(start.Add(-l.window).UnixMilli(), 10),
	}
	res, err := slidingScript.Run(ctx, l.client, keys,
		l.limit,
		(2 * l.window).Milliseconds(),
		strconv.FormatFloat(overlap, 'f', 6, 64),
	).Int64Slice()
	if err != nil {
		return Decision{}, errors.Wrap(err, "run rate limit script")
	}
	if len(res) != 3 {
		return Decision{}, errors.Errorf("unexpected rate limit reply %v", res)
	}

	count := slidingCount(float64(res[1]), float64(res[2]), start, now, l.window)
	return Decision{
		Allowed:   res[0] == 1,
		Remaining: remainingOf(l.limit, count),
		ResetAt:   start.Add(l.window),
	}, nil
}
