package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/sandeepkv93/crm-export-proxy/internal/crm"
	"github.com/sandeepkv93/crm-export-proxy/internal/export"
	"github.com/sandeepkv93/crm-export-proxy/internal/health"
	"github.com/sandeepkv93/crm-export-proxy/internal/http/handler"
	"github.com/sandeepkv93/crm-export-proxy/internal/http/router"
	"github.com/sandeepkv93/crm-export-proxy/internal/httpretry"
	"github.com/sandeepkv93/crm-export-proxy/internal/security"
	"github.com/sandeepkv93/crm-export-proxy/internal/service"
)

const (
	stateSigningKey = "0123456789abcdef0123456789abcdef"
	upstreamRecords = 7
)

// upstream fakes both the OAuth token endpoint and the CRM list API. Only the
// most recently issued access token is accepted.
type upstream struct {
	refreshes atomic.Int64
	listCalls atomic.Int64

	mu      sync.Mutex
	current string
	issued  int

	srv *httptest.Server
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{current: "access-0"}
	u.srv = httptest.NewServer(http.HandlerFunc(u.serve))
	t.Cleanup(u.srv.Close)
	return u
}

func (u *upstream) accepts(token string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return token == u.current
}

func (u *upstream) rotate() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.issued++
	u.current = "access-" + strconv.Itoa(u.issued)
	return u.current
}

func (u *upstream) serve(w http.ResponseWriter, r *http.Request) {
	if !u.accepts(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	u.listCalls.Add(1)
	const list = "/constituent/v1/constituents"
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	values := []map[string]any{}
	for i := offset; i < min(offset+3, upstreamRecords); i++ {
		values = append(values, map[string]any{"id": fmt.Sprintf("c%d", i), "name": fmt.Sprintf("Name %d", i)})
	}
	next := ""
	if offset+3 < upstreamRecords {
		next = fmt.Sprintf("%s%s?limit=3&offset=%d", u.srv.URL, list, offset+3)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"count": upstreamRecords, "value": values, "next_link": next})
}

// provider is the OAuth side of upstream. Refresh is slow enough that
// concurrent callers overlap.
type provider struct{ up *upstream }

func (p provider) AuthCodeURL(state string, opts ...oauth2.AuthCodeOption) string {
	cfg := &oauth2.Config{ClientID: "client", Endpoint: oauth2.Endpoint{AuthURL: "https://auth.example.com/authorize"}}
	return cfg.AuthCodeURL(state, opts...)
}

func (p provider) Exchange(context.Context, string, ...oauth2.AuthCodeOption) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "access-0", RefreshToken: "refresh-0", Expiry: time.Now().Add(time.Hour)}, nil
}

func (p provider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	p.up.refreshes.Add(1)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(50 * time.Millisecond):
	}
	return &oauth2.Token{AccessToken: p.up.rotate(), RefreshToken: refreshToken, Expiry: time.Now().Add(time.Hour)}, nil
}

// sharedStores is the state every proxy instance in a test points at.
type sharedStores struct {
	sessions   service.SessionStore
	lock       service.RefreshLock
	handshakes service.HandshakeStore
	jobs       service.ExportJobStore
	misses     crm.RecordMissCache
	readiness  *health.ProbeRunner
}

func memoryStores() sharedStores {
	return sharedStores{
		sessions:   service.NewInMemorySessionStore(),
		lock:       service.NewInMemoryRefreshLock(),
		handshakes: service.NewInMemoryHandshakeStore(),
		jobs:       service.NewInMemoryExportJobStore(),
		misses:     service.NewInMemoryRecordMissCache(),
	}
}

// newProxyInstance starts one proxy process equivalent over the shared stores
// and returns its base URL. artifactDir is shared so chunk reads may land on
// any instance.
func newProxyInstance(t *testing.T, up *upstream, stores sharedStores, artifactDir string) string {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	oauthSvc := service.NewOAuthService(
		provider{up: up},
		stores.handshakes,
		stores.sessions,
		security.NewStateSigner("crm-export-proxy", stateSigningKey),
		service.OAuthServiceConfig{UsePKCE: true, HandshakeTTL: time.Minute, SessionTTL: time.Hour},
		logger,
	)
	tokens := service.NewTokenManager(stores.sessions, stores.lock, oauthSvc, service.TokenManagerConfig{
		RefreshSkew:  time.Minute,
		LockTTL:      5 * time.Second,
		WaitInterval: 5 * time.Millisecond,
		WaitTimeout:  5 * time.Second,
		SessionTTL:   time.Hour,
	}, logger)
	sender := httpretry.NewClient(up.srv.Client(), httpretry.Policy{MaxRetries: 1, BaseDelay: time.Millisecond}, logger)
	client := crm.NewClient(up.srv.URL, "sub", tokens, sender, stores.misses, logger)

	artifacts, err := export.NewArtifactStore(artifactDir, time.Hour)
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	queries := export.NewQueryRunner(client, artifacts, stores.jobs, export.QueryRunnerConfig{PollInterval: time.Millisecond, MaxPolls: 3}, logger)

	srv := httptest.NewServer(router.NewRouter(router.Dependencies{
		AuthHandler:     handler.NewAuthHandler(oauthSvc, service.NewSessionService(stores.sessions, true), handler.AuthHandlerConfig{SessionTTL: time.Hour}),
		DataHandler:     handler.NewDataHandler(client, queries, 3),
		ExportHandler:   handler.NewExportHandler(export.NewBulkExporter(client, artifacts, stores.jobs, logger), client, 3),
		APIRateLimitRPM: 10000,
		Readiness:       stores.readiness,
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func noRedirectClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func doJSON(t *testing.T, method, target string, data any) (*http.Response, envelope) {
	t.Helper()
	req, err := http.NewRequest(method, target, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := noRedirectClient().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	defer func() { _ = resp.Body.Close() }()
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode %s %s: %v", method, target, err)
	}
	if data != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, data); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}
	return resp, env
}

// login starts the handshake on one instance and completes it on another,
// returning the minted uid.
func login(t *testing.T, beginURL, callbackURL string) string {
	t.Helper()
	client := noRedirectClient()
	resp, err := client.Get(beginURL + "/auth")
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("auth expected 302, got %d", resp.StatusCode)
	}
	authURL, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse auth redirect: %v", err)
	}
	state := authURL.Query().Get("state")

	resp, err = client.Get(callbackURL + "/callback?code=abc&state=" + url.QueryEscape(state))
	if err != nil {
		t.Fatalf("callback: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("callback expected 302, got %d", resp.StatusCode)
	}
	landing, err := url.Parse(resp.Header.Get("Location"))
	if err != nil {
		t.Fatalf("parse landing: %v", err)
	}
	uid := landing.Query().Get("uid")
	if uid == "" {
		t.Fatal("expected uid on landing redirect")
	}
	return uid
}
