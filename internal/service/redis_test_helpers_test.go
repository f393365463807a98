package service

import (
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// newRedisClientForTest returns a miniredis server and a client bound to it.
// Tests drive expiry with server.FastForward.
func newRedisClientForTest(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	return server, client
}

// requireTTL fails unless key exists with a ttl in (0, max].
func requireTTL(t *testing.T, server *miniredis.Miniredis, key string, max time.Duration) {
	t.Helper()
	if !server.Exists(key) {
		t.Fatalf("expected key %q to exist", key)
	}
	ttl := server.TTL(key)
	if ttl <= 0 || ttl > max {
		t.Fatalf("key %q ttl=%v, want within (0, %v]", key, ttl, max)
	}
}
