package service

import (
	"context"
	"sync"
	"time"
)

// RecordMissCache remembers (resource, id) pairs the CRM answered with 404 so
// repeated lookups of a deleted record do not burn the rate quota.
type RecordMissCache interface {
	Get(ctx context.Context, resource, id string) (bool, error)
	Set(ctx context.Context, resource, id string, ttl time.Duration) error
	InvalidateNamespace(ctx context.Context, resource string) error
}

type NoopRecordMissCache struct{}

func NewNoopRecordMissCache() *NoopRecordMissCache { return &NoopRecordMissCache{} }

func (NoopRecordMissCache) Get(context.Context, string, string) (bool, error) { return false, nil }

func (NoopRecordMissCache) Set(context.Context, string, string, time.Duration) error { return nil }

func (NoopRecordMissCache) InvalidateNamespace(context.Context, string) error { return nil }

type InMemoryRecordMissCache struct {
	mu    sync.Mutex
	byRes map[string]map[string]time.Time
	now   func() time.Time
}

func NewInMemoryRecordMissCache() *InMemoryRecordMissCache {
	return &InMemoryRecordMissCache{
		byRes: make(map[string]map[string]time.Time),
		now:   time.Now,
	}
}

func (c *InMemoryRecordMissCache) Get(_ context.Context, resource, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids, ok := c.byRes[resource]
	if !ok {
		return false, nil
	}
	expiresAt, ok := ids[id]
	if !ok {
		return false, nil
	}
	if !c.now().Before(expiresAt) {
		delete(ids, id)
		if len(ids) == 0 {
			delete(c.byRes, resource)
		}
		return false, nil
	}
	return true, nil
}

func (c *InMemoryRecordMissCache) Set(_ context.Context, resource, id string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ids, ok := c.byRes[resource]
	if !ok {
		ids = make(map[string]time.Time)
		c.byRes[resource] = ids
	}
	ids[id] = c.now().Add(ttl)
	return nil
}

func (c *InMemoryRecordMissCache) InvalidateNamespace(_ context.Context, resource string) error {
	c.mu.Lock()
	delete(c.byRes, resource)
	c.mu.Unlock()
	return nil
}
