package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/sandeepkv93/crm-export-proxy/internal/domain"
	"github.com/sandeepkv93/crm-export-proxy/internal/observability"
	"github.com/sandeepkv93/crm-export-proxy/internal/security"
)

var ErrInvalidCallback = errors.New("invalid oauth callback")

type OAuthServiceConfig struct {
	UsePKCE      bool
	HandshakeTTL time.Duration
	SessionTTL   time.Duration
}

type OAuthService struct {
	provider   OAuthProvider
	handshakes HandshakeStore
	sessions   SessionStore
	signer     *security.StateSigner
	cfg        OAuthServiceConfig
	logger     *slog.Logger
	now        func() time.Time
}

func NewOAuthService(provider OAuthProvider, handshakes HandshakeStore, sessions SessionStore, signer *security.StateSigner, cfg OAuthServiceConfig, logger *slog.Logger) *OAuthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &OAuthService{
		provider:   provider,
		handshakes: handshakes,
		sessions:   sessions,
		signer:     signer,
		cfg:        cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// BeginAuth records a pending handshake and returns the provider URL the
// browser should be sent to. An empty sessionID starts a new session.
func (s *OAuthService) BeginAuth(ctx context.Context, sessionID string) (string, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	handshake := &domain.PendingHandshake{
		State:     uuid.NewString(),
		SessionID: sessionID,
		CreatedAt: s.now(),
	}
	var opts []oauth2.AuthCodeOption
	if s.cfg.UsePKCE {
		handshake.CodeVerifier = oauth2.GenerateVerifier()
		opts = append(opts, oauth2.S256ChallengeOption(handshake.CodeVerifier))
	}
	if err := s.handshakes.Put(ctx, handshake, s.cfg.HandshakeTTL); err != nil {
		return "", fmt.Errorf("store handshake: %w", err)
	}
	state, err := s.signer.Sign(handshake.State, s.cfg.HandshakeTTL)
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}
	return s.provider.AuthCodeURL(state, opts...), nil
}

// CompleteAuth validates the callback, exchanges the code and stores the
// resulting tokens under the session recorded at BeginAuth.
func (s *OAuthService) CompleteAuth(ctx context.Context, rawState, code string) (*domain.Session, error) {
	if rawState == "" || code == "" {
		observability.RecordAuthCallback(ctx, "missing_params")
		return nil, fmt.Errorf("%w: missing state or code", ErrInvalidCallback)
	}
	handshakeID, err := s.signer.Verify(rawState)
	if err != nil {
		observability.RecordAuthCallback(ctx, "invalid_state")
		return nil, fmt.Errorf("%w: %w", ErrInvalidCallback, err)
	}
	handshake, err := s.handshakes.Consume(ctx, handshakeID)
	if err != nil {
		observability.RecordAuthCallback(ctx, "unknown_state")
		if errors.Is(err, domain.ErrHandshakeNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCallback, err)
		}
		return nil, fmt.Errorf("consume handshake: %w", err)
	}

	var opts []oauth2.AuthCodeOption
	if handshake.CodeVerifier != "" {
		opts = append(opts, oauth2.VerifierOption(handshake.CodeVerifier))
	}
	tok, err := s.provider.Exchange(ctx, code, opts...)
	if err != nil {
		observability.RecordAuthCallback(ctx, classifyOAuthError(err))
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	if tok == nil || tok.AccessToken == "" {
		observability.RecordAuthCallback(ctx, "empty_token")
		return nil, errors.New("exchange code: empty access token")
	}

	now := s.now()
	session := &domain.Session{
		ID:           handshake.SessionID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tokenExpiry(tok, now),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.sessions.Put(ctx, session, s.cfg.SessionTTL); err != nil {
		observability.RecordAuthCallback(ctx, "persist_failed")
		return nil, fmt.Errorf("store session: %w", err)
	}
	observability.RecordAuthCallback(ctx, "success")
	s.logger.InfoContext(ctx, "oauth session established", "session_id", session.ID, "expires_at", session.ExpiresAt)
	return session, nil
}

// Refresh implements TokenRefresher on top of the configured provider.
func (s *OAuthService) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return s.provider.Refresh(ctx, refreshToken)
}

func classifyOAuthError(err error) string {
	if err == nil {
		return "none"
	}
	if errors.Is(err, context.Canceled) {
		return "context_canceled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode != "" {
			return "provider_" + strings.ToLower(retrieveErr.ErrorCode)
		}
		return "provider_rejected"
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "oauth2:") {
		return "oauth2_exchange"
	}
	return "unknown"
}
