package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSessionIDFromRequestPrecedence(t *testing.T) {
	cases := []struct {
		name   string
		target string
		header string
		cookie string
		want   string
	}{
		{name: "query wins", target: "/data?uid=q1", header: "h1", cookie: "c1", want: "q1"},
		{name: "header before cookie", target: "/data", header: "h1", cookie: "c1", want: "h1"},
		{name: "cookie fallback", target: "/data", cookie: "c1", want: "c1"},
		{name: "none", target: "/data", want: ""},
		{name: "invalid query falls through", target: "/data?uid=bad%20id", header: "h1", want: "h1"},
		{name: "oversized rejected", target: "/data?uid=" + strings.Repeat("a", 65), want: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set(SessionHeader, tc.header)
			}
			if tc.cookie != "" {
				req.AddCookie(&http.Cookie{Name: SessionCookie, Value: tc.cookie})
			}
			if got := SessionIDFromRequest(req); got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestResolveSessionStoresID(t *testing.T) {
	var seen string
	h := ResolveSession(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = SessionIDFromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/status?uid=abc-123", nil))
	if seen != "abc-123" {
		t.Fatalf("expected abc-123 in context, got %q", seen)
	}
}

func TestRecoverReturnsEnvelope(t *testing.T) {
	h := Recover(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/data", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"code":"INTERNAL"`) {
		t.Fatalf("expected INTERNAL envelope, got %s", rr.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"http://localhost:8888"})(okHandler())
	req := httptest.NewRequest(http.MethodOptions, "/data", nil)
	req.Header.Set("Origin", "http://localhost:8888")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204 preflight, got %d", rr.Code)
	}
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:8888" {
		t.Fatalf("unexpected allow-origin %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/data", nil)
	req.Header.Set("Origin", "http://evil.example")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("unexpected allow-origin for unlisted origin %q", got)
	}
}

func TestSecurityHeadersAndBodyLimit(t *testing.T) {
	var readErr error
	h := SecurityHeaders(BodyLimit(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	})))

	req := httptest.NewRequest(http.MethodPost, "/data", strings.NewReader("0123456789"))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"Referrer-Policy":        "no-referrer",
		"X-Frame-Options":        "SAMEORIGIN",
	} {
		if got := rr.Header().Get(header); got != want {
			t.Fatalf("%s=%q want %q", header, got, want)
		}
	}
	if readErr == nil {
		t.Fatal("expected body over the limit to fail to read")
	}
}
