package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pscheid92/pricepulse/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

// slidingWindowScript prunes, counts and conditionally records one event in
// a sorted set scored by millisecond timestamps.
// KEYS: [1]=window key
// ARGV: [1]=now_ms, [2]=window_ms, [3]=max, [4]=member
// Returns {allowed, count, oldest_ms}.
var slidingWindowScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', now - window)
local count = redis.call('ZCARD', KEYS[1])
if count >= limit then
  local oldest = redis.call('ZRANGE', KEYS[1], 0, 0, 'WITHSCORES')
  local oldest_ms = 0
  if oldest[2] then oldest_ms = tonumber(oldest[2]) end
  return {0, count, oldest_ms}
end
redis.call('ZADD', KEYS[1], now, ARGV[4])
redis.call('PEXPIRE', KEYS[1], window)
return {1, count + 1, 0}
`)

// SlidingWindowStore is the shared ratelimit.Store used when several
// instances serve the same clients.
type SlidingWindowStore struct {
	rdb goredis.Scripter
}

var _ ratelimit.Store = (*SlidingWindowStore)(nil)

func NewSlidingWindowStore(rdb goredis.Scripter) *SlidingWindowStore {
	return &SlidingWindowStore{rdb: rdb}
}

func (s *SlidingWindowStore) Hit(ctx context.Context, key string, now time.Time, p ratelimit.Policy) (ratelimit.Decision, error) {
	nowMs := now.UnixMilli()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	res, err := slidingWindowScript.Run(ctx, s.rdb, []string{key},
		nowMs,
		p.Window.Milliseconds(),
		p.Max,
		member,
	).Int64Slice()
	if err != nil {
		return ratelimit.Decision{}, fmt.Errorf("sliding window script failed: %w", err)
	}
	if len(res) != 3 {
		return ratelimit.Decision{}, fmt.Errorf("sliding window script returned %d values", len(res))
	}

	d := ratelimit.Decision{Allowed: res[0] == 1, Count: int(res[1])}
	if !d.Allowed && res[2] > 0 {
		d.Oldest = time.UnixMilli(res[2]).UTC()
	}
	return d, nil
}
