package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RefreshLock is a lease-based mutual exclusion primitive keyed by session id.
// Leases expire on their own so a crashed holder cannot wedge a session.
type RefreshLock interface {
	Acquire(ctx context.Context, sessionID string, ttl time.Duration) (holderToken string, acquired bool, err error)
	Release(ctx context.Context, sessionID, holderToken string) error
}

type lease struct {
	holder    string
	expiresAt time.Time
}

// InMemoryRefreshLock only serializes refreshes inside one process. Use the
// redis or sql lock when more than one instance shares a session store.
type InMemoryRefreshLock struct {
	mu     sync.Mutex
	leases map[string]lease
}

func NewInMemoryRefreshLock() *InMemoryRefreshLock {
	return &InMemoryRefreshLock{leases: make(map[string]lease)}
}

func (l *InMemoryRefreshLock) Acquire(_ context.Context, sessionID string, ttl time.Duration) (string, bool, error) {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if current, ok := l.leases[sessionID]; ok && now.Before(current.expiresAt) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.leases[sessionID] = lease{holder: token, expiresAt: now.Add(ttl)}
	return token, true, nil
}

func (l *InMemoryRefreshLock) Release(_ context.Context, sessionID, holderToken string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if current, ok := l.leases[sessionID]; ok && current.holder == holderToken {
		delete(l.leases, sessionID)
	}
	return nil
}
