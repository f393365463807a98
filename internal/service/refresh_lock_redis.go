package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseLeaseScript deletes the lease only if it is still owned by the caller.
var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type RedisRefreshLock struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRefreshLock(client redis.UniversalClient, prefix string) *RedisRefreshLock {
	if prefix == "" {
		prefix = "crm_refresh_lock"
	}
	return &RedisRefreshLock{client: client, prefix: prefix}
}

func (l *RedisRefreshLock) Acquire(ctx context.Context, sessionID string, ttl time.Duration) (string, bool, error) {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(sessionID), token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisRefreshLock) Release(ctx context.Context, sessionID, holderToken string) error {
	err := releaseLeaseScript.Run(ctx, l.client, []string{l.key(sessionID)}, holderToken).Err()
	if err == redis.Nil {
		return nil
	}
	return err
}

func (l *RedisRefreshLock) key(sessionID string) string {
	return l.prefix + ":" + sessionID
}
