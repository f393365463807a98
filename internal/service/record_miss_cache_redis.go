package service

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// recordMissScript writes one miss as hash field ARGV[1] with expiry ARGV[2]
// (unix ms) and stretches the hash lifetime to at least ARGV[3] ms.
var recordMissScript = redis.NewScript(`
redis.call("HSET", KEYS[1], ARGV[1], ARGV[2])
local ttl = tonumber(ARGV[3])
if redis.call("PTTL", KEYS[1]) < ttl then
  redis.call("PEXPIRE", KEYS[1], ttl)
end
return 1
`)

// RedisRecordMissCache keeps one hash per CRM resource, record id to the
// unix-ms instant the miss stops counting. Forgetting a resource is a
// single DEL.
type RedisRecordMissCache struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisRecordMissCache(client redis.UniversalClient, prefix string) *RedisRecordMissCache {
	if prefix == "" {
		prefix = "crm"
	}
	return &RedisRecordMissCache{client: client, prefix: prefix + ":miss", now: time.Now}
}

func (c *RedisRecordMissCache) Get(ctx context.Context, resource, id string) (bool, error) {
	if c.client == nil {
		return false, nil
	}
	key := c.resourceKey(resource)
	raw, err := c.client.HGet(ctx, key, id).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	until, err := strconv.ParseInt(raw, 10, 64)
	if err == nil && c.now().UnixMilli() < until {
		return true, nil
	}
	// stale or unreadable field
	if err := c.client.HDel(ctx, key, id).Err(); err != nil {
		return false, err
	}
	return false, nil
}

func (c *RedisRecordMissCache) Set(ctx context.Context, resource, id string, ttl time.Duration) error {
	if c.client == nil || ttl <= 0 {
		return nil
	}
	until := c.now().Add(ttl).UnixMilli()
	args := []any{id, until, max(ttl.Milliseconds(), 1)}
	return recordMissScript.Run(ctx, c.client, []string{c.resourceKey(resource)}, args...).Err()
}

func (c *RedisRecordMissCache) InvalidateNamespace(ctx context.Context, resource string) error {
	if c.client == nil {
		return nil
	}
	return c.client.Del(ctx, c.resourceKey(resource)).Err()
}

func (c *RedisRecordMissCache) resourceKey(resource string) string {
	return c.prefix + ":" + normalizeToken(resource)
}
