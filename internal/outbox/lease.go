package outbox

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

// renewScript extends the lease only while owner still holds it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lease only while owner still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a Leaser backed by a single redis key with a TTL.
type RedisLease struct {
	client redis.Cmdable
	key    string
	owner  string
	ttl    time.Duration
}

var _ Leaser = (*RedisLease)(nil)

// NewRedisLease creates a lease on key held as owner. The lease expires ttl
// after the last successful Acquire.
func NewRedisLease(client redis.Cmdable, key, owner string, ttl time.Duration) *RedisLease {
	return &RedisLease{client: client, key: key, owner: owner, ttl: ttl}
}

// Acquire renews the lease if owner holds it, or takes it if it is free.
func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	renewed, err := renewScript.Run(ctx, l.client, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, errors.Wrap(err, "renew lease")
	}
	if renewed == 1 {
		return true, nil
	}

	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "take lease")
	}
	return ok, nil
}

// Release gives the lease up if owner holds it.
func (l *RedisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err(); err != nil {
		return errors.Wrap(err, "release lease")
	}
	return nil
}
