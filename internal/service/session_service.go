package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sandeepkv93/crm-export-proxy/internal/domain"
)

type SessionStatus struct {
	Authenticated bool       `json:"authenticated"`
	UID           string     `json:"uid,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

type SessionService struct {
	sessions     SessionStore
	volunteerUID bool
	now          func() time.Time
}

func NewSessionService(sessions SessionStore, volunteerUID bool) *SessionService {
	return &SessionService{sessions: sessions, volunteerUID: volunteerUID, now: func() time.Time { return time.Now().UTC() }}
}

// Status reports whether sessionID holds tokens. A session whose access token
// has lapsed still counts as authenticated while it has a refresh token.
// With no sessionID and volunteering enabled, the only stored session is
// reported if there is exactly one, so a single-user deployment can recover
// its uid.
func (s *SessionService) Status(ctx context.Context, sessionID string) (SessionStatus, error) {
	if sessionID == "" {
		if !s.volunteerUID {
			return SessionStatus{}, nil
		}
		ids, err := s.sessions.ListIDs(ctx)
		if err != nil {
			return SessionStatus{}, fmt.Errorf("list sessions: %w", err)
		}
		if len(ids) != 1 {
			return SessionStatus{}, nil
		}
		sessionID = ids[0]
	}
	session, err := s.sessions.Get(ctx, sessionID)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return SessionStatus{}, nil
	}
	if err != nil {
		return SessionStatus{}, fmt.Errorf("load session: %w", err)
	}
	usable := session.AccessToken != "" && (session.RefreshToken != "" || s.now().Before(session.ExpiresAt))
	if !usable {
		return SessionStatus{}, nil
	}
	expires := session.ExpiresAt
	return SessionStatus{Authenticated: true, UID: session.ID, ExpiresAt: &expires}, nil
}
