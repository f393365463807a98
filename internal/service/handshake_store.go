package service

import (
	"context"
	"sync"
	"time"

	"github.com/sandeepkv93/crm-export-proxy/internal/domain"
)

// HandshakeStore holds pending OAuth handshakes between /auth and the redirect.
// Consume returns the record at most once.
type HandshakeStore interface {
	Put(ctx context.Context, handshake *domain.PendingHandshake, ttl time.Duration) error
	Consume(ctx context.Context, state string) (*domain.PendingHandshake, error)
}

type handshakeEntry struct {
	handshake domain.PendingHandshake
	expiresAt time.Time
}

type InMemoryHandshakeStore struct {
	mu    sync.Mutex
	store map[string]handshakeEntry
}

func NewInMemoryHandshakeStore() *InMemoryHandshakeStore {
	return &InMemoryHandshakeStore{store: make(map[string]handshakeEntry)}
}

func (s *InMemoryHandshakeStore) Put(_ context.Context, handshake *domain.PendingHandshake, ttl time.Duration) error {
	if handshake == nil || handshake.State == "" {
		return nil
	}
	if ttl <= 0 {
		return domain.ErrNonPositiveTTL
	}
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for state, entry := range s.store {
		if now.After(entry.expiresAt) {
			delete(s.store, state)
		}
	}
	s.store[handshake.State] = handshakeEntry{handshake: *handshake, expiresAt: now.Add(ttl)}
	return nil
}

func (s *InMemoryHandshakeStore) Consume(_ context.Context, state string) (*domain.PendingHandshake, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.store[state]
	if !ok {
		return nil, domain.ErrHandshakeNotFound
	}
	delete(s.store, state)
	if time.Now().UTC().After(entry.expiresAt) {
		return nil, domain.ErrHandshakeNotFound
	}
	h := entry.handshake
	return &h, nil
}
