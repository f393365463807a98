package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sandeepkv93/crm-export-proxy/internal/domain"
)

type RedisHandshakeStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisHandshakeStore(client redis.UniversalClient, prefix string) *RedisHandshakeStore {
	if prefix == "" {
		prefix = "crm_oauth_handshake"
	}
	return &RedisHandshakeStore{client: client, prefix: prefix}
}

func (s *RedisHandshakeStore) Put(ctx context.Context, handshake *domain.PendingHandshake, ttl time.Duration) error {
	if handshake == nil || handshake.State == "" {
		return nil
	}
	if ttl <= 0 {
		return domain.ErrNonPositiveTTL
	}
	payload, err := json.Marshal(handshake)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(handshake.State), payload, ttl).Err()
}

func (s *RedisHandshakeStore) Consume(ctx context.Context, state string) (*domain.PendingHandshake, error) {
	raw, err := s.client.GetDel(ctx, s.key(state)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrHandshakeNotFound
	}
	if err != nil {
		return nil, err
	}
	var h domain.PendingHandshake
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("decode handshake: %w", err)
	}
	return &h, nil
}

func (s *RedisHandshakeStore) key(state string) string {
	return fmt.Sprintf("%s:%s", s.prefix, state)
}
