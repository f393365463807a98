package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sandeepkv93/crm-export-proxy/internal/domain"
)

type RedisExportJobStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisExportJobStore(client redis.UniversalClient, prefix string) *RedisExportJobStore {
	if prefix == "" {
		prefix = "crm_export_job"
	}
	return &RedisExportJobStore{client: client, prefix: prefix}
}

func (s *RedisExportJobStore) Save(ctx context.Context, job *domain.ExportJob, ttl time.Duration) error {
	if job == nil || job.ID == "" {
		return nil
	}
	if ttl <= 0 {
		return domain.ErrNonPositiveTTL
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.jobKey(job.ID), payload, ttl).Err()
}

func (s *RedisExportJobStore) Get(ctx context.Context, id string) (*domain.ExportJob, error) {
	raw, err := s.client.Get(ctx, s.jobKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrExportJobNotFound
	}
	if err != nil {
		return nil, err
	}
	var job domain.ExportJob
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode export job %q: %w", id, err)
	}
	return &job, nil
}

func (s *RedisExportJobStore) Delete(ctx context.Context, id string) error {
	job, err := s.Get(ctx, id)
	if err != nil && err != domain.ErrExportJobNotFound {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.jobKey(id))
	if job != nil && job.QueryID != "" {
		pipe.Del(ctx, s.queryKey(job.SessionID, job.QueryID))
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisExportJobStore) BindQuery(ctx context.Context, sessionID, queryID, jobID string, ttl time.Duration) error {
	if ttl <= 0 {
		return domain.ErrNonPositiveTTL
	}
	return s.client.Set(ctx, s.queryKey(sessionID, queryID), jobID, ttl).Err()
}

func (s *RedisExportJobStore) LookupQuery(ctx context.Context, sessionID, queryID string) (string, error) {
	jobID, err := s.client.Get(ctx, s.queryKey(sessionID, queryID)).Result()
	if err == redis.Nil {
		return "", domain.ErrExportJobNotFound
	}
	if err != nil {
		return "", err
	}
	return jobID, nil
}

func (s *RedisExportJobStore) jobKey(id string) string {
	return fmt.Sprintf("%s:job:%s", s.prefix, id)
}

func (s *RedisExportJobStore) queryKey(sessionID, queryID string) string {
	return fmt.Sprintf("%s:query:%s:%s", s.prefix, sessionID, hashToken(queryID))
}
