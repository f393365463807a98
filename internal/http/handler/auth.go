package handler

import (
	"net/http"
	"net/url"
	"time"

	"github.com/sandeepkv93/crm-export-proxy/internal/http/middleware"
	"github.com/sandeepkv93/crm-export-proxy/internal/http/response"
	"github.com/sandeepkv93/crm-export-proxy/internal/observability"
)

type AuthHandlerConfig struct {
	PostAuthRedirect string
	SessionTTL       time.Duration
	SecureCookies    bool
}

type AuthHandler struct {
	flow     AuthFlow
	sessions SessionStatusReader
	cfg      AuthHandlerConfig
}

func NewAuthHandler(flow AuthFlow, sessions SessionStatusReader, cfg AuthHandlerConfig) *AuthHandler {
	if cfg.PostAuthRedirect == "" {
		cfg.PostAuthRedirect = "/wdc.html"
	}
	return &AuthHandler{flow: flow, sessions: sessions, cfg: cfg}
}

// Begin starts the authorization-code flow. A uid on the request re-authorizes
// that session; otherwise BeginAuth mints a new id before the redirect, and the
// callback binds tokens to it.
func (h *AuthHandler) Begin(w http.ResponseWriter, r *http.Request) {
	sessionID := middleware.SessionIDFromContext(r.Context())
	target, err := h.flow.BeginAuth(r.Context(), sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	observability.Audit(r, "auth.begin", "success", "session", observability.SessionFingerprint(sessionID))
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if providerErr := q.Get("error"); providerErr != "" {
		observability.RecordAuthCallback(r.Context(), "provider_denied")
		observability.Audit(r, "auth.callback", "provider_denied", "provider_error", providerErr)
		response.Error(w, r, http.StatusBadRequest, "OAUTH_DENIED", "authorization was not granted", map[string]string{
			"error":             providerErr,
			"error_description": q.Get("error_description"),
		})
		return
	}
	session, err := h.flow.CompleteAuth(r.Context(), q.Get("state"), q.Get("code"))
	if err != nil {
		observability.Audit(r, "auth.callback", "rejected", "error", err.Error())
		writeError(w, r, err)
		return
	}
	observability.Audit(r, "auth.callback", "success", "session", observability.SessionFingerprint(session.ID))
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    session.ID,
		Path:     "/",
		MaxAge:   int(h.cfg.SessionTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, h.redirectTarget(session.ID), http.StatusFound)
}

func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	status, err := h.sessions.Status(r.Context(), middleware.SessionIDFromContext(r.Context()))
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, status)
}

func (h *AuthHandler) redirectTarget(sessionID string) string {
	u, err := url.Parse(h.cfg.PostAuthRedirect)
	if err != nil {
		return "/wdc.html?uid=" + url.QueryEscape(sessionID)
	}
	q := u.Query()
	q.Set(middleware.SessionQueryParam, sessionID)
	u.RawQuery = q.Encode()
	return u.String()
}
