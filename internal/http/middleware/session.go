package middleware

import (
	"context"
	"net/http"
	"strings"
)

const (
	SessionQueryParam = "uid"
	SessionHeader     = "X-Session-Id"
	SessionCookie     = "session_id"

	maxSessionIDLen = 64
)

type sessionContextKey struct{}

// ResolveSession finds the caller's session id, in order, from the uid query
// parameter, the X-Session-Id header and the session_id cookie. Ids that are
// too long or contain anything but [A-Za-z0-9_-] are ignored.
func ResolveSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := SessionIDFromRequest(r)
		if id == "" {
			next.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSessionID(r.Context(), id)))
	})
}

func SessionIDFromRequest(r *http.Request) string {
	if id := cleanSessionID(r.URL.Query().Get(SessionQueryParam)); id != "" {
		return id
	}
	if id := cleanSessionID(r.Header.Get(SessionHeader)); id != "" {
		return id
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return cleanSessionID(c.Value)
	}
	return ""
}

func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, id)
}

func SessionIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(sessionContextKey{}).(string)
	return id
}

func cleanSessionID(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxSessionIDLen {
		return ""
	}
	for _, c := range raw {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
		default:
			return ""
		}
	}
	return raw
}
