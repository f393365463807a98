package service

import (
	"context"
	"sync"
	"time"

	"github.com/sandeepkv93/crm-export-proxy/internal/domain"
)

// ExportJobStore indexes export artifacts by job id, and async query artifacts
// by the (session, query) pair that produced them.
type ExportJobStore interface {
	Save(ctx context.Context, job *domain.ExportJob, ttl time.Duration) error
	Get(ctx context.Context, id string) (*domain.ExportJob, error)
	Delete(ctx context.Context, id string) error
	BindQuery(ctx context.Context, sessionID, queryID, jobID string, ttl time.Duration) error
	LookupQuery(ctx context.Context, sessionID, queryID string) (string, error)
}

type exportJobEntry struct {
	job       domain.ExportJob
	expiresAt time.Time
}

type queryBinding struct {
	jobID     string
	expiresAt time.Time
}

type InMemoryExportJobStore struct {
	mu      sync.RWMutex
	jobs    map[string]exportJobEntry
	queries map[string]queryBinding
}

func NewInMemoryExportJobStore() *InMemoryExportJobStore {
	return &InMemoryExportJobStore{
		jobs:    make(map[string]exportJobEntry),
		queries: make(map[string]queryBinding),
	}
}

func (s *InMemoryExportJobStore) Save(_ context.Context, job *domain.ExportJob, ttl time.Duration) error {
	if job == nil || job.ID == "" {
		return nil
	}
	if ttl <= 0 {
		return domain.ErrNonPositiveTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = exportJobEntry{job: *job, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *InMemoryExportJobStore) Get(_ context.Context, id string) (*domain.ExportJob, error) {
	s.mu.RLock()
	entry, ok := s.jobs[id]
	s.mu.RUnlock()
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, domain.ErrExportJobNotFound
	}
	job := entry.job
	return &job, nil
}

func (s *InMemoryExportJobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	for key, binding := range s.queries {
		if binding.jobID == id {
			delete(s.queries, key)
		}
	}
	return nil
}

func (s *InMemoryExportJobStore) BindQuery(_ context.Context, sessionID, queryID, jobID string, ttl time.Duration) error {
	if ttl <= 0 {
		return domain.ErrNonPositiveTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries[queryKey(sessionID, queryID)] = queryBinding{jobID: jobID, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *InMemoryExportJobStore) LookupQuery(_ context.Context, sessionID, queryID string) (string, error) {
	s.mu.RLock()
	binding, ok := s.queries[queryKey(sessionID, queryID)]
	s.mu.RUnlock()
	if !ok || time.Now().After(binding.expiresAt) {
		return "", domain.ErrExportJobNotFound
	}
	return binding.jobID, nil
}

func queryKey(sessionID, queryID string) string {
	return sessionID + "|" + queryID
}
