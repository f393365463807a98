package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sandeepkv93/crm-export-proxy/internal/domain"
)

type RedisSessionStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisSessionStore(client redis.UniversalClient, prefix string) *RedisSessionStore {
	if prefix == "" {
		prefix = "crm_session"
	}
	return &RedisSessionStore{client: client, prefix: prefix}
}

func (s *RedisSessionStore) Get(ctx context.Context, id string) (*domain.Session, error) {
	raw, err := s.client.Get(ctx, s.dataKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	var session domain.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("decode session %q: %w", id, err)
	}
	return &session, nil
}

func (s *RedisSessionStore) Put(ctx context.Context, session *domain.Session, ttl time.Duration) error {
	if session == nil || session.ID == "" {
		return nil
	}
	if ttl <= 0 {
		return domain.ErrNonPositiveTTL
	}
	now := time.Now().UTC()
	cp := *session
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	cp.EvictAt = now.Add(ttl)
	payload, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.dataKey(cp.ID), payload, ttl)
	pipe.SAdd(ctx, s.indexKey(), cp.ID)
	pipe.Expire(ctx, s.indexKey(), ttl+time.Minute)
	_, err = pipe.Exec(ctx)
	return err
}

// ListIDs returns ids whose record still exists and prunes index members whose
// record has already expired.
func (s *RedisSessionStore) ListIDs(ctx context.Context) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(members) == 0 {
		return []string{}, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(members))
	for i, id := range members {
		cmds[i] = pipe.Exists(ctx, s.dataKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}
	live := make([]string, 0, len(members))
	stale := make([]any, 0)
	for i, id := range members {
		if cmds[i].Val() > 0 {
			live = append(live, id)
			continue
		}
		stale = append(stale, id)
	}
	if len(stale) > 0 {
		_ = s.client.SRem(ctx, s.indexKey(), stale...).Err()
	}
	sort.Strings(live)
	return live, nil
}

func (s *RedisSessionStore) dataKey(id string) string {
	return fmt.Sprintf("%s:data:%s", s.prefix, id)
}

func (s *RedisSessionStore) indexKey() string {
	return s.prefix + ":index"
}
