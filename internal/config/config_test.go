package config

import (
	"strings"
	"testing"
	"time"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func validEnv() map[string]string {
	return map[string]string{
		"OAUTH_CLIENT_ID":         "client",
		"OAUTH_CLIENT_SECRET":     "secret",
		"OAUTH_STATE_SIGNING_KEY": strings.Repeat("k", 32),
	}
}

func TestFromLookupDefaults(t *testing.T) {
	cfg, err := FromLookup(lookupFrom(validEnv()))
	if err != nil {
		t.Fatalf("FromLookup: %v", err)
	}
	if cfg.HTTPAddr != ":3333" {
		t.Fatalf("HTTPAddr=%q", cfg.HTTPAddr)
	}
	if cfg.SessionTTL != 30*24*time.Hour || cfg.HandshakeTTL != 15*time.Minute {
		t.Fatalf("unexpected ttl defaults: %v %v", cfg.SessionTTL, cfg.HandshakeTTL)
	}
	if cfg.TokenRefreshSkew != 60*time.Second || cfg.RefreshLockTTL != 15*time.Second {
		t.Fatalf("unexpected refresh defaults: %v %v", cfg.TokenRefreshSkew, cfg.RefreshLockTTL)
	}
	if cfg.UpstreamMaxRetries != 5 || cfg.UpstreamBaseDelay != 500*time.Millisecond {
		t.Fatalf("unexpected retry defaults: %d %v", cfg.UpstreamMaxRetries, cfg.UpstreamBaseDelay)
	}
	if cfg.DefaultPageLimit != 500 || cfg.JobMaxPolls != 240 || cfg.JobPollInterval != 15*time.Second {
		t.Fatalf("unexpected export defaults: %+v", cfg)
	}
	if cfg.SessionBackend != SessionBackendMemory {
		t.Fatalf("SessionBackend=%q", cfg.SessionBackend)
	}
	if cfg.RedirectURL() != "http://localhost:3333/callback" {
		t.Fatalf("RedirectURL=%q", cfg.RedirectURL())
	}
	if cfg.OTELEnvironment != "development" {
		t.Fatalf("OTELEnvironment=%q", cfg.OTELEnvironment)
	}
	if !cfg.StatusVolunteerUID {
		t.Fatal("expected uid volunteering on outside production")
	}
}

func TestStatusVolunteerUIDOffInProduction(t *testing.T) {
	env := validEnv()
	env["APP_ENV"] = "production"
	cfg, err := FromLookup(lookupFrom(env))
	if err != nil {
		t.Fatalf("FromLookup: %v", err)
	}
	if cfg.StatusVolunteerUID {
		t.Fatal("expected uid volunteering off in production")
	}
}

func TestFromLookupOverrides(t *testing.T) {
	env := validEnv()
	env["SESSION_BACKEND"] = "Redis"
	env["OAUTH_SCOPES"] = "read, write"
	env["TOKEN_REFRESH_SKEW"] = "90s"
	env["PUBLIC_BASE_URL"] = "https://proxy.example.com/"
	cfg, err := FromLookup(lookupFrom(env))
	if err != nil {
		t.Fatalf("FromLookup: %v", err)
	}
	if cfg.SessionBackend != SessionBackendRedis {
		t.Fatalf("SessionBackend=%q", cfg.SessionBackend)
	}
	if len(cfg.OAuthScopes) != 2 || cfg.OAuthScopes[0] != "read" || cfg.OAuthScopes[1] != "write" {
		t.Fatalf("OAuthScopes=%v", cfg.OAuthScopes)
	}
	if cfg.TokenRefreshSkew != 90*time.Second {
		t.Fatalf("TokenRefreshSkew=%v", cfg.TokenRefreshSkew)
	}
	if cfg.RedirectURL() != "https://proxy.example.com/callback" {
		t.Fatalf("RedirectURL=%q", cfg.RedirectURL())
	}
}

func TestFromLookupParseError(t *testing.T) {
	env := validEnv()
	env["UPSTREAM_TIMEOUT"] = "soon"
	_, err := FromLookup(lookupFrom(env))
	if err == nil {
		t.Fatal("expected parse error")
	}
	if got := loadErrorClass(err); got != "parse" {
		t.Fatalf("loadErrorClass()=%q want parse", got)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name string
		mut  func(map[string]string)
		want string
	}{
		{name: "missing client", mut: func(m map[string]string) { delete(m, "OAUTH_CLIENT_ID") }, want: "OAUTH_CLIENT_ID"},
		{name: "short signing key", mut: func(m map[string]string) { m["OAUTH_STATE_SIGNING_KEY"] = "short" }, want: "OAUTH_STATE_SIGNING_KEY"},
		{name: "unknown backend", mut: func(m map[string]string) { m["SESSION_BACKEND"] = "etcd" }, want: "SESSION_BACKEND"},
		{name: "sql without dsn", mut: func(m map[string]string) { m["SESSION_BACKEND"] = "sql" }, want: "DATABASE_URL"},
		{name: "redirect path", mut: func(m map[string]string) { m["OAUTH_REDIRECT_PATH"] = "callback" }, want: "OAUTH_REDIRECT_PATH"},
		{name: "volunteer uid in production", mut: func(m map[string]string) {
			m["APP_ENV"] = "production"
			m["STATUS_VOLUNTEER_UID"] = "true"
		}, want: "STATUS_VOLUNTEER_UID"},
		{name: "zero session ttl", mut: func(m map[string]string) { m["SESSION_TTL"] = "0s" }, want: "SESSION_TTL"},
		{name: "zero export ttl", mut: func(m map[string]string) { m["EXPORT_TTL"] = "0s" }, want: "EXPORT_TTL"},
		{name: "negative handshake ttl", mut: func(m map[string]string) { m["HANDSHAKE_TTL"] = "-1m" }, want: "HANDSHAKE_TTL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := validEnv()
			tc.mut(env)
			_, err := FromLookup(lookupFrom(env))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %s", err, tc.want)
			}
			if got := loadErrorClass(err); got != "validation" {
				t.Fatalf("loadErrorClass()=%q want validation", got)
			}
		})
	}
}
