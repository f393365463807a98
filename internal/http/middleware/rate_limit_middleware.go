package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sandeepkv93/crm-export-proxy/internal/http/response"
	"github.com/sandeepkv93/crm-export-proxy/internal/observability"
)

// ExportRequestCost is the budget charged for a request that starts an
// upstream walk or job rather than reading already-exported data.
const ExportRequestCost = 10

type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
	ResetAt    time.Time
	Reason     string
}

// RateLimitPolicy is a fixed window of Limit units per Window.
type RateLimitPolicy struct {
	Limit  int
	Window time.Duration
}

// Limiter charges cost units against key within the policy window.
type Limiter interface {
	Allow(ctx context.Context, key string, cost int, policy RateLimitPolicy) (Decision, error)
}

type FailureMode string

const (
	FailOpen   FailureMode = "fail_open"
	FailClosed FailureMode = "fail_closed"
)

// BypassEvaluator exempts a request from limiting and names why.
type BypassEvaluator func(r *http.Request) (bool, string)

// CostFunc prices a request in limiter units.
type CostFunc func(r *http.Request) int

type RateLimiter struct {
	limiter         Limiter
	policy          RateLimitPolicy
	mode            FailureMode
	scope           string
	keyFunc         func(r *http.Request) string
	costFunc        CostFunc
	bypassEvaluator BypassEvaluator
}

// NewRateLimiter limits per client IP in process memory.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return NewDistributedRateLimiter(NewLocalLimiter(), limit, window, FailClosed, "local", nil)
}

// NewDistributedRateLimiter wraps a shared Limiter. A nil keyFunc keys by IP.
func NewDistributedRateLimiter(
	limiter Limiter,
	limit int,
	window time.Duration,
	mode FailureMode,
	scope string,
	keyFunc func(r *http.Request) string,
) *RateLimiter {
	if scope == "" {
		scope = "api"
	}
	if keyFunc == nil {
		keyFunc = clientIPKey
	}
	return &RateLimiter{
		limiter: limiter,
		policy:  normalizePolicy(RateLimitPolicy{Limit: limit, Window: window}),
		mode:    mode,
		scope:   scope,
		keyFunc: keyFunc,
	}
}

func (rl *RateLimiter) WithBypassEvaluator(bypassEvaluator BypassEvaluator) *RateLimiter {
	rl.bypassEvaluator = bypassEvaluator
	return rl
}

func (rl *RateLimiter) WithCost(costFunc CostFunc) *RateLimiter {
	rl.costFunc = costFunc
	return rl
}

func (rl *RateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if rl.bypassEvaluator != nil {
				if bypass, reason := rl.bypassEvaluator(r); bypass {
					if reason == "" {
						reason = "unspecified"
					}
					observability.RecordRateLimitDecision(r.Context(), rl.scope, "bypass", string(rl.mode), "none")
					observability.RecordSecurityBypassEvent(r.Context(), reason, rl.scope)
					next.ServeHTTP(w, r)
					return
				}
			}
			key := rl.keyFunc(r)
			if key == "" {
				key = clientIPKey(r)
			}
			keyType := rateLimitKeyType(key)
			decision, err := rl.limiter.Allow(r.Context(), key, rl.cost(r), rl.policy)
			if err != nil {
				observability.RecordRateLimitDecision(r.Context(), rl.scope, "backend_error", string(rl.mode), keyType)
				if rl.mode == FailOpen {
					slog.WarnContext(r.Context(), "rate limiter backend unavailable, allowing request",
						"scope", rl.scope,
						"error", err.Error(),
					)
					next.ServeHTTP(w, r)
					return
				}
				rl.deny(w, r, Decision{RetryAfter: rl.policy.Window, ResetAt: time.Now().Add(rl.policy.Window), Reason: "backend"})
				return
			}
			writeRateLimitHeaders(w.Header(), rl.policy.Limit, decision.Remaining, decision.ResetAt)
			if !decision.Allowed {
				observability.RecordRateLimitDecision(r.Context(), rl.scope, "deny", string(rl.mode), keyType)
				rl.deny(w, r, decision)
				return
			}
			observability.RecordRateLimitDecision(r.Context(), rl.scope, "allow", string(rl.mode), keyType)
			next.ServeHTTP(w, r)
		})
	}
}

// cost is at least one and never above the whole window, so an expensive
// request is still possible under a small budget.
func (rl *RateLimiter) cost(r *http.Request) int {
	if rl.costFunc == nil {
		return 1
	}
	return min(max(rl.costFunc(r), 1), rl.policy.Limit)
}

func (rl *RateLimiter) deny(w http.ResponseWriter, r *http.Request, d Decision) {
	reason := d.Reason
	if reason == "" {
		reason = "window"
	}
	writeRateLimitHeaders(w.Header(), rl.policy.Limit, d.Remaining, d.ResetAt)
	w.Header().Set("Retry-After", retryAfterHeader(d.RetryAfter))
	observability.RecordRateLimitRetryAfter(r.Context(), rl.scope, reason, d.RetryAfter)
	response.Error(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests", map[string]any{
		"retry_after_seconds": retryAfterSeconds(d.RetryAfter),
	})
}

// SessionOrIPKeyFunc keys the limiter by the caller's session id so several
// users behind one NAT do not share a budget. Anonymous callers fall back to
// their IP.
func SessionOrIPKeyFunc() func(r *http.Request) string {
	return func(r *http.Request) string {
		id := SessionIDFromContext(r.Context())
		if id == "" {
			id = SessionIDFromRequest(r)
		}
		if id == "" {
			return clientIPKey(r)
		}
		return "sid:" + id
	}
}

// HealthProbeBypass exempts liveness and readiness probes.
func HealthProbeBypass(r *http.Request) (bool, string) {
	if strings.HasPrefix(r.URL.Path, "/health/") {
		return true, "health_probe"
	}
	return false, ""
}

// ExportCost charges ExportRequestCost for starting a bulk export or running a
// query job. Chunk reads, purges and schema lookups cost one.
func ExportCost(r *http.Request) int {
	if r.Method != http.MethodGet {
		return 1
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	if rest, ok := strings.CutPrefix(path, "/bulk/"); ok && rest != "" && !strings.Contains(rest, "/") {
		return ExportRequestCost
	}
	if path == "/data" || path == "/getBlackbaudData" {
		q := r.URL.Query()
		if q.Get("endpoint") == "query" && !isTruthyParam(q.Get("schemaOnly")) && q.Get("page") == "" {
			return ExportRequestCost
		}
		if v := q.Get("max_pages") + q.Get("maxPages"); strings.EqualFold(strings.TrimSpace(v), "all") {
			return ExportRequestCost
		}
	}
	return 1
}

func isTruthyParam(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// localWindowLimiter keeps one fixed window per key in process memory.
type localWindowLimiter struct {
	mu      sync.Mutex
	windows map[string]*localWindow
	sweepAt time.Time
	now     func() time.Time
}

type localWindow struct {
	used    int
	resetAt time.Time
}

func NewLocalLimiter() Limiter {
	return &localWindowLimiter{windows: make(map[string]*localWindow), now: time.Now}
}

func (l *localWindowLimiter) Allow(_ context.Context, key string, cost int, policy RateLimitPolicy) (Decision, error) {
	policy = normalizePolicy(policy)
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.After(l.sweepAt) {
		for k, w := range l.windows {
			if !now.Before(w.resetAt) {
				delete(l.windows, k)
			}
		}
		l.sweepAt = now.Add(policy.Window)
	}

	w, ok := l.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &localWindow{resetAt: now.Add(policy.Window)}
		l.windows[key] = w
	}
	if w.used+cost > policy.Limit {
		return Decision{
			Remaining:  max(policy.Limit-w.used, 0),
			ResetAt:    w.resetAt,
			RetryAfter: w.resetAt.Sub(now),
			Reason:     "window",
		}, nil
	}
	w.used += cost
	return Decision{Allowed: true, Remaining: policy.Limit - w.used, ResetAt: w.resetAt}, nil
}

func clientIPKey(r *http.Request) string {
	if ip := parseRequestIP(r); ip != nil {
		return ip.String()
	}
	return r.RemoteAddr
}

// parseRequestIP reads RemoteAddr, which chi's RealIP has already replaced
// with the forwarded client address when the router trusts it.
func parseRequestIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		host = strings.TrimSpace(r.RemoteAddr)
	}
	return net.ParseIP(host)
}

func retryAfterSeconds(d time.Duration) int {
	return max(int(d.Round(time.Second).Seconds()), 1)
}

func retryAfterHeader(d time.Duration) string {
	return strconv.Itoa(retryAfterSeconds(d))
}

func writeRateLimitHeaders(h http.Header, limit, remaining int, resetAt time.Time) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(max(limit, 0)))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(max(remaining, 0)))
	if resetAt.IsZero() {
		resetAt = time.Now().Add(time.Second)
	}
	h.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))
}

func normalizePolicy(policy RateLimitPolicy) RateLimitPolicy {
	if policy.Limit <= 0 {
		policy.Limit = 1
	}
	if policy.Window <= 0 {
		policy.Window = time.Minute
	}
	return policy
}

func rateLimitKeyType(key string) string {
	if strings.HasPrefix(key, "sid:") {
		return "session"
	}
	return "ip"
}
