package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/sandeepkv93/crm-export-proxy/internal/domain"
	"github.com/sandeepkv93/crm-export-proxy/internal/observability"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrRefreshFailed    = errors.New("token refresh failed")
)

// defaultTokenLifetime is assumed when the token endpoint omits expires_in.
const defaultTokenLifetime = time.Hour

// TokenRefresher trades a refresh token for a new token set.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

type TokenManagerConfig struct {
	RefreshSkew  time.Duration
	LockTTL      time.Duration
	WaitInterval time.Duration
	WaitTimeout  time.Duration
	SessionTTL   time.Duration
}

// TokenManager hands out access tokens that are valid for at least
// RefreshSkew, refreshing at most once per session across every process that
// shares the same RefreshLock.
type TokenManager struct {
	sessions  SessionStore
	lock      RefreshLock
	refresher TokenRefresher
	cfg       TokenManagerConfig
	logger    *slog.Logger

	flight singleflight.Group
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewTokenManager(sessions SessionStore, lock RefreshLock, refresher TokenRefresher, cfg TokenManagerConfig, logger *slog.Logger) *TokenManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{
		sessions:  sessions,
		lock:      lock,
		refresher: refresher,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepCtx,
	}
}

// AccessToken returns a usable access token for sessionID.
func (m *TokenManager) AccessToken(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		return "", ErrNotAuthenticated
	}
	session, err := m.load(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if !session.NeedsRefresh(m.now(), m.cfg.RefreshSkew) {
		return session.AccessToken, nil
	}

	// Callers in this process share one refresh attempt; the lease below
	// covers callers in other processes.
	v, err, _ := m.flight.Do(sessionID, func() (any, error) {
		return m.refreshWithLock(context.WithoutCancel(ctx), sessionID)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *TokenManager) load(ctx context.Context, sessionID string) (*domain.Session, error) {
	session, err := m.sessions.Get(ctx, sessionID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil, ErrNotAuthenticated
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	return session, nil
}

func (m *TokenManager) refreshWithLock(ctx context.Context, sessionID string) (string, error) {
	holder, acquired, err := m.lock.Acquire(ctx, sessionID, m.cfg.LockTTL)
	if err != nil {
		observability.RecordRefreshLock(ctx, "error")
		return "", fmt.Errorf("acquire refresh lock: %w", err)
	}
	if acquired {
		observability.RecordRefreshLock(ctx, "acquired")
		defer func() {
			if err := m.lock.Release(context.WithoutCancel(ctx), sessionID, holder); err != nil {
				m.logger.WarnContext(ctx, "refresh lock release failed", "session_id", sessionID, "error", err)
			}
		}()
		session, err := m.load(ctx, sessionID)
		if err != nil {
			return "", err
		}
		if !session.NeedsRefresh(m.now(), m.cfg.RefreshSkew) {
			observability.RecordTokenRefresh(ctx, "already_fresh")
			return session.AccessToken, nil
		}
		return m.refresh(ctx, session)
	}

	observability.RecordRefreshLock(ctx, "contended")
	deadline := m.now().Add(m.cfg.WaitTimeout)
	for m.now().Before(deadline) {
		if err := m.sleep(ctx, m.cfg.WaitInterval); err != nil {
			return "", err
		}
		session, err := m.load(ctx, sessionID)
		if err != nil {
			return "", err
		}
		if !session.NeedsRefresh(m.now(), m.cfg.RefreshSkew) {
			observability.RecordTokenRefresh(ctx, "observed_peer")
			return session.AccessToken, nil
		}
	}

	// The holder never published a fresh token. Refreshing without the lease
	// risks a duplicate exchange but beats failing the caller.
	m.logger.WarnContext(ctx, "refresh wait timed out, refreshing without lease", "session_id", sessionID)
	session, err := m.load(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if !session.NeedsRefresh(m.now(), m.cfg.RefreshSkew) {
		return session.AccessToken, nil
	}
	observability.RecordTokenRefresh(ctx, "fallback")
	return m.refresh(ctx, session)
}

func (m *TokenManager) refresh(ctx context.Context, session *domain.Session) (string, error) {
	if session.RefreshToken == "" {
		observability.RecordTokenRefresh(ctx, "failed")
		return "", fmt.Errorf("%w: session has no refresh token", ErrRefreshFailed)
	}
	tok, err := m.refresher.Refresh(ctx, session.RefreshToken)
	if err != nil {
		observability.RecordTokenRefresh(ctx, "failed")
		m.logger.WarnContext(ctx, "token refresh failed", "session_id", session.ID, "reason", classifyOAuthError(err))
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if tok == nil || tok.AccessToken == "" {
		observability.RecordTokenRefresh(ctx, "failed")
		return "", fmt.Errorf("%w: empty access token", ErrRefreshFailed)
	}

	now := m.now()
	updated := *session
	updated.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		updated.RefreshToken = tok.RefreshToken
	}
	updated.ExpiresAt = tokenExpiry(tok, now)
	updated.UpdatedAt = now
	if err := m.sessions.Put(ctx, &updated, m.cfg.SessionTTL); err != nil {
		observability.RecordTokenRefresh(ctx, "persist_failed")
		return "", fmt.Errorf("persist refreshed session: %w", err)
	}
	observability.RecordTokenRefresh(ctx, "refreshed")
	m.logger.InfoContext(ctx, "access token refreshed", "session_id", session.ID, "expires_at", updated.ExpiresAt)
	return updated.AccessToken, nil
}

func tokenExpiry(tok *oauth2.Token, now time.Time) time.Time {
	if tok.Expiry.IsZero() {
		return now.Add(defaultTokenLifetime)
	}
	return tok.Expiry.UTC()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
