package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript charges ARGV[2] units against the window when they fit
// under ARGV[3] and sets the window expiry on first use. Returns
// {allowed, used, remaining window ms}.
var fixedWindowScript = redis.NewScript(`
local used = tonumber(redis.call("GET", KEYS[1]) or "0")
local cost = tonumber(ARGV[2])
local allowed = 0
if used + cost <= tonumber(ARGV[3]) then
  used = redis.call("INCRBY", KEYS[1], cost)
  allowed = 1
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  if used > 0 then
    redis.call("PEXPIRE", KEYS[1], ARGV[1])
  end
  ttl = tonumber(ARGV[1])
end
return {allowed, used, ttl}
`)

// RedisLimiter is a fixed-window counter shared by every proxy instance.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLimiter(client redis.UniversalClient, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "crm"
	}
	return &RedisLimiter{client: client, prefix: prefix + ":rl"}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, cost int, policy RateLimitPolicy) (Decision, error) {
	policy = normalizePolicy(policy)
	cost = max(cost, 1)
	args := []any{policy.Window.Milliseconds(), cost, policy.Limit}
	res, err := fixedWindowScript.Run(ctx, l.client, []string{l.prefix + ":" + key}, args...).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}
	used, ttl := int(res[1]), time.Duration(res[2])*time.Millisecond
	d := Decision{
		Allowed:   res[0] == 1,
		Remaining: max(policy.Limit-used, 0),
		ResetAt:   time.Now().Add(ttl),
	}
	if !d.Allowed {
		d.RetryAfter = ttl
		d.Reason = "window"
	}
	return d, nil
}
