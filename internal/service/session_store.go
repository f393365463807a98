package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sandeepkv93/crm-export-proxy/internal/domain"
)

// SessionStore persists sessions keyed by their opaque id. Records are evicted
// once the ttl passed to Put elapses; there is no explicit delete.
type SessionStore interface {
	Get(ctx context.Context, id string) (*domain.Session, error)
	Put(ctx context.Context, session *domain.Session, ttl time.Duration) error
	ListIDs(ctx context.Context) ([]string, error)
}

type InMemorySessionStore struct {
	mu   sync.RWMutex
	data map[string]domain.Session
}

func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{data: make(map[string]domain.Session)}
}

func (s *InMemorySessionStore) Get(_ context.Context, id string) (*domain.Session, error) {
	now := time.Now().UTC()
	s.mu.RLock()
	session, ok := s.data[id]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	if !now.Before(session.EvictAt) {
		s.mu.Lock()
		if current, ok2 := s.data[id]; ok2 && !now.Before(current.EvictAt) {
			delete(s.data, id)
		}
		s.mu.Unlock()
		return nil, domain.ErrSessionNotFound
	}
	return &session, nil
}

func (s *InMemorySessionStore) Put(_ context.Context, session *domain.Session, ttl time.Duration) error {
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
	s.mu.Lock()
	s.data[cp.ID] = cp
	s.mu.Unlock()
	return nil
}

func (s *InMemorySessionStore) ListIDs(_ context.Context) ([]string, error) {
	now := time.Now().UTC()
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.data))
	for id, session := range s.data {
		if now.Before(session.EvictAt) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
