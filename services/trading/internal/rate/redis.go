package rate

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "vgx:trading:rl:"

var errUnexpectedReply = errors.New("unexpected redis response")

var windowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])

local current = redis.call("INCR", key)
if current == 1 then
  redis.call("PEXPIRE", key, window_ms)
end

local ttl = redis.call("PTTL", key)
if ttl < 0 then
  ttl = window_ms
end

if current > limit then
  return {0, ttl}
end
return {1, ttl}
`)

// RedisLimiter shares counters across replicas.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLimiter(client redis.UniversalClient, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisLimiter{client: client, prefix: prefix}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, policy Policy, _ time.Time) (bool, time.Duration, error) {
	if policy.Limit <= 0 {
		return true, 0, nil
	}
	windowMS := policy.Window.Milliseconds()
	if windowMS <= 0 {
		return false, 0, errors.New("invalid rate limit window")
	}

	res, err := windowScript.Run(ctx, l.client, []string{l.prefix + key}, policy.Limit, windowMS).Int64Slice()
	if err != nil {
		return false, 0, err
	}
	if len(res) != 2 {
		return false, 0, errUnexpectedReply
	}

	retryAfter := time.Duration(res[1]) * time.Millisecond
	if retryAfter < 0 {
		retryAfter = 0
	}
	if res[0] == 1 {
		return true, 0, nil
	}
	return false, retryAfter, nil
}
