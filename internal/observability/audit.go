package observability

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// Audit emits one structured line for a security-relevant event. Non-success
// outcomes log at warn. Session ids are bearer credentials, so callers pass
// SessionFingerprint(id) rather than the id itself.
func Audit(r *http.Request, event, outcome string, attrs ...any) {
	level := slog.LevelInfo
	if outcome != "success" {
		level = slog.LevelWarn
	}
	base := []any{
		"event", event,
		"outcome", outcome,
		"method", r.Method,
		"path", r.URL.Path,
		"request_id", chimiddleware.GetReqID(r.Context()),
	}
	base = append(base, attrs...)
	slog.Log(r.Context(), level, "audit", base...)
}

// SessionFingerprint is a short stable digest of a session id for logs.
func SessionFingerprint(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(sessionID))
	return hex.EncodeToString(sum[:6])
}
