package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "ratelimit:"

// incrementScript returns {admitted, count, pttl}. The expiry is set once per
// window so the window is fixed from its first admission.
var incrementScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
if current >= tonumber(ARGV[1]) then
	return {0, current, redis.call('PTTL', KEYS[1])}
end
local count = redis.call('INCR', KEYS[1])
if count == 1 then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, count, redis.call('PTTL', KEYS[1])}
`)

// RedisStore shares windows across instances through Redis.
type RedisStore struct {
	client redis.Scripter
	clock  func() time.Time
}

func NewRedisStore(client redis.Scripter, clock func() time.Time) *RedisStore {
	if clock == nil {
		clock = time.Now
	}
	return &RedisStore{client: client, clock: clock}
}

func (s *RedisStore) Increment(ctx context.Context, key string, limit int, window time.Duration) (Window, error) {
	values, err := incrementScript.Run(ctx, s.client, []string{redisKeyPrefix + key}, limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Window{}, fmt.Errorf("ratelimit: redis increment: %w", err)
	}
	if len(values) != 3 {
		return Window{}, fmt.Errorf("ratelimit: unexpected script reply of %d values", len(values))
	}
	ttl := time.Duration(values[2]) * time.Millisecond
	if ttl < 0 {
		ttl = window
	}
	return Window{
		Count:    int(values[1]),
		Admitted: values[0] == 1,
		ResetAt:  s.clock().Add(ttl),
	}, nil
}
