package service

import (
	"context"
	"testing"
	"time"

	"github.com/sandeepkv93/crm-export-proxy/internal/domain"
)

func TestSessionServiceStatus(t *testing.T) {
	ctx := context.Background()
	store := NewInMemorySessionStore()
	svc := NewSessionService(store, true)

	status, err := svc.Status(ctx, "")
	if err != nil || status.Authenticated {
		t.Fatalf("empty store: %+v err=%v", status, err)
	}

	_ = store.Put(ctx, &domain.Session{ID: "only", AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Add(-time.Hour)}, time.Hour)
	status, err = svc.Status(ctx, "")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Authenticated || status.UID != "only" {
		t.Fatalf("expected single session volunteered, got %+v", status)
	}

	_ = store.Put(ctx, &domain.Session{ID: "second", AccessToken: "at", ExpiresAt: time.Now().Add(-time.Minute)}, time.Hour)
	status, _ = svc.Status(ctx, "")
	if status.Authenticated || status.UID != "" {
		t.Fatalf("expected no uid volunteered with two sessions, got %+v", status)
	}

	status, _ = svc.Status(ctx, "second")
	if status.Authenticated {
		t.Fatal("expired session without refresh token is not usable")
	}
	status, _ = svc.Status(ctx, "missing")
	if status.Authenticated {
		t.Fatal("unknown session must be unauthenticated")
	}
}

func TestSessionServiceStatusWithoutVolunteering(t *testing.T) {
	ctx := context.Background()
	store := NewInMemorySessionStore()
	svc := NewSessionService(store, false)
	_ = store.Put(ctx, &domain.Session{ID: "victim-uid", AccessToken: "at", RefreshToken: "rt", ExpiresAt: time.Now().Add(time.Hour)}, time.Hour)

	status, err := svc.Status(ctx, "")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Authenticated || status.UID != "" {
		t.Fatalf("anonymous status leaked a session: %+v", status)
	}
	status, _ = svc.Status(ctx, "victim-uid")
	if !status.Authenticated || status.UID != "victim-uid" {
		t.Fatalf("explicit uid must still resolve, got %+v", status)
	}
}

func TestInMemoryStoresHonourTTL(t *testing.T) {
	ctx := context.Background()
	sessions := NewInMemorySessionStore()
	_ = sessions.Put(ctx, &domain.Session{ID: "gone", AccessToken: "at"}, time.Nanosecond)
	time.Sleep(time.Millisecond)
	if _, err := sessions.Get(ctx, "gone"); err != domain.ErrSessionNotFound {
		t.Fatalf("expected evicted session, got %v", err)
	}
	if ids, _ := sessions.ListIDs(ctx); len(ids) != 0 {
		t.Fatalf("expected empty id list, got %v", ids)
	}

	handshakes := NewInMemoryHandshakeStore()
	_ = handshakes.Put(ctx, &domain.PendingHandshake{State: "st", SessionID: "uid"}, time.Minute)
	if _, err := handshakes.Consume(ctx, "st"); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if _, err := handshakes.Consume(ctx, "st"); err != domain.ErrHandshakeNotFound {
		t.Fatalf("expected single use, got %v", err)
	}

	lock := NewInMemoryRefreshLock()
	_, acquired, _ := lock.Acquire(ctx, "s", time.Nanosecond)
	if !acquired {
		t.Fatal("expected acquire")
	}
	time.Sleep(time.Millisecond)
	if _, acquired, _ := lock.Acquire(ctx, "s", time.Minute); !acquired {
		t.Fatal("expected expired in-memory lease to be reclaimable")
	}

	jobs := NewInMemoryExportJobStore()
	_ = jobs.Save(ctx, &domain.ExportJob{ID: "j", SessionID: "uid", QueryID: "q"}, time.Minute)
	_ = jobs.BindQuery(ctx, "uid", "q", "j", time.Minute)
	if id, err := jobs.LookupQuery(ctx, "uid", "q"); err != nil || id != "j" {
		t.Fatalf("LookupQuery: %q %v", id, err)
	}
	_ = jobs.Delete(ctx, "j")
	if _, err := jobs.LookupQuery(ctx, "uid", "q"); err != domain.ErrExportJobNotFound {
		t.Fatalf("expected binding dropped with job, got %v", err)
	}
}
