package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	SessionBackendMemory = "memory"
	SessionBackendRedis  = "redis"
	SessionBackendSQL    = "sql"
)

type Config struct {
	AppEnv           string
	HTTPAddr         string
	PublicBaseURL    string
	StaticDir        string
	PostAuthRedirect string
	LogLevel         string

	OAuthClientID        string
	OAuthClientSecret    string
	OAuthAuthURL         string
	OAuthTokenURL        string
	OAuthRedirectPath    string
	OAuthScopes          []string
	OAuthUsePKCE         bool
	OAuthStateSigningKey string

	CRMAPIBaseURL      string
	CRMSubscriptionKey string

	SessionBackend string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisPrefix    string
	DatabaseURL    string

	SessionTTL          time.Duration
	HandshakeTTL        time.Duration
	TokenRefreshSkew    time.Duration
	RefreshLockTTL      time.Duration
	RefreshWaitInterval time.Duration
	RefreshWaitTimeout  time.Duration

	UpstreamMaxRetries int
	UpstreamBaseDelay  time.Duration
	UpstreamTimeout    time.Duration
	DefaultPageLimit   int

	ExportDir           string
	ExportTTL           time.Duration
	ExportSweepInterval time.Duration
	JobPollInterval     time.Duration
	JobMaxPolls         int

	// StatusVolunteerUID lets an anonymous /status learn the uid of the only
	// stored session. That uid is a bearer credential.
	StatusVolunteerUID bool

	CORSAllowedOrigins []string
	APIRateLimitPerMin int
	RequestBodyLimit   int64

	OTELServiceName           string
	OTELEnvironment           string
	OTELExporterOTLPEndpoint  string
	OTELExporterOTLPInsecure  bool
	OTELMetricsEnabled        bool
	OTELTracingEnabled        bool
	OTELLogsEnabled           bool
	OTELMetricsExportInterval time.Duration
	OTELTraceSamplingRatio    float64

	SentryDSN string

	ShutdownTimeout              time.Duration
	ShutdownHTTPDrainTimeout     time.Duration
	ShutdownObservabilityTimeout time.Duration
}

// Load reads configuration from the process environment. A .env file in the
// working directory is applied first without overriding variables already set.
func Load() (*Config, error) {
	_ = godotenv.Load()
	cfg, err := FromLookup(os.LookupEnv)
	profile := "unknown"
	backend := "unknown"
	if cfg != nil {
		profile = cfg.AppEnv
		backend = cfg.SessionBackend
	}
	recordConfigLoad(context.Background(), profile, backend, err)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromLookup builds a Config from an arbitrary key lookup.
func FromLookup(lookup func(string) (string, bool)) (*Config, error) {
	p := &parser{lookup: lookup}
	cfg := &Config{
		AppEnv:           p.str("APP_ENV", "development"),
		HTTPAddr:         p.str("HTTP_ADDR", ":3333"),
		PublicBaseURL:    strings.TrimRight(p.str("PUBLIC_BASE_URL", "http://localhost:3333"), "/"),
		StaticDir:        p.str("STATIC_DIR", "./public"),
		PostAuthRedirect: p.str("POST_AUTH_REDIRECT", "/wdc.html"),
		LogLevel:         p.str("LOG_LEVEL", "info"),

		OAuthClientID:        p.str("OAUTH_CLIENT_ID", ""),
		OAuthClientSecret:    p.str("OAUTH_CLIENT_SECRET", ""),
		OAuthAuthURL:         p.str("OAUTH_AUTH_URL", "https://app.blackbaud.com/oauth/authorize"),
		OAuthTokenURL:        p.str("OAUTH_TOKEN_URL", "https://oauth2.sky.blackbaud.com/token"),
		OAuthRedirectPath:    p.str("OAUTH_REDIRECT_PATH", "/callback"),
		OAuthScopes:          p.list("OAUTH_SCOPES", nil),
		OAuthUsePKCE:         p.boolean("OAUTH_USE_PKCE", true),
		OAuthStateSigningKey: p.str("OAUTH_STATE_SIGNING_KEY", ""),

		CRMAPIBaseURL:      strings.TrimRight(p.str("CRM_API_BASE_URL", "https://api.sky.blackbaud.com"), "/"),
		CRMSubscriptionKey: p.str("CRM_SUBSCRIPTION_KEY", ""),

		SessionBackend: strings.ToLower(p.str("SESSION_BACKEND", SessionBackendMemory)),
		RedisAddr:      p.str("REDIS_ADDR", "localhost:6379"),
		RedisPassword:  p.str("REDIS_PASSWORD", ""),
		RedisDB:        p.integer("REDIS_DB", 0),
		RedisPrefix:    p.str("REDIS_PREFIX", "crm"),
		DatabaseURL:    p.str("DATABASE_URL", ""),

		SessionTTL:          p.duration("SESSION_TTL", 30*24*time.Hour),
		HandshakeTTL:        p.duration("HANDSHAKE_TTL", 15*time.Minute),
		TokenRefreshSkew:    p.duration("TOKEN_REFRESH_SKEW", 60*time.Second),
		RefreshLockTTL:      p.duration("REFRESH_LOCK_TTL", 15*time.Second),
		RefreshWaitInterval: p.duration("REFRESH_WAIT_INTERVAL", 300*time.Millisecond),
		RefreshWaitTimeout:  p.duration("REFRESH_WAIT_TIMEOUT", 10*time.Second),

		UpstreamMaxRetries: p.integer("UPSTREAM_MAX_RETRIES", 5),
		UpstreamBaseDelay:  p.duration("UPSTREAM_BASE_DELAY", 500*time.Millisecond),
		UpstreamTimeout:    p.duration("UPSTREAM_TIMEOUT", 60*time.Second),
		DefaultPageLimit:   p.integer("DEFAULT_PAGE_LIMIT", 500),

		ExportDir:           p.str("EXPORT_DIR", os.TempDir()),
		ExportTTL:           p.duration("EXPORT_TTL", 30*time.Minute),
		ExportSweepInterval: p.duration("EXPORT_SWEEP_INTERVAL", time.Minute),
		JobPollInterval:     p.duration("JOB_POLL_INTERVAL", 15*time.Second),
		JobMaxPolls:         p.integer("JOB_MAX_POLLS", 240),

		CORSAllowedOrigins: p.list("CORS_ALLOWED_ORIGINS", []string{"*"}),
		APIRateLimitPerMin: p.integer("API_RATE_LIMIT_RPM", 600),
		RequestBodyLimit:   int64(p.integer("REQUEST_BODY_LIMIT_BYTES", 1<<20)),

		OTELServiceName:           p.str("OTEL_SERVICE_NAME", "crm-export-proxy"),
		OTELEnvironment:           p.str("OTEL_ENVIRONMENT", ""),
		OTELExporterOTLPEndpoint:  p.str("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTELExporterOTLPInsecure:  p.boolean("OTEL_EXPORTER_OTLP_INSECURE", true),
		OTELMetricsEnabled:        p.boolean("OTEL_METRICS_ENABLED", false),
		OTELTracingEnabled:        p.boolean("OTEL_TRACING_ENABLED", false),
		OTELLogsEnabled:           p.boolean("OTEL_LOGS_ENABLED", false),
		OTELMetricsExportInterval: p.duration("OTEL_METRICS_EXPORT_INTERVAL", 30*time.Second),
		OTELTraceSamplingRatio:    p.float("OTEL_TRACE_SAMPLING_RATIO", 1.0),

		SentryDSN: p.str("SENTRY_DSN", ""),

		ShutdownTimeout:              p.duration("SHUTDOWN_TIMEOUT", 20*time.Second),
		ShutdownHTTPDrainTimeout:     p.duration("SHUTDOWN_HTTP_DRAIN_TIMEOUT", 10*time.Second),
		ShutdownObservabilityTimeout: p.duration("SHUTDOWN_OBSERVABILITY_TIMEOUT", 5*time.Second),
	}
	if cfg.OTELEnvironment == "" {
		cfg.OTELEnvironment = cfg.AppEnv
	}
	cfg.StatusVolunteerUID = p.boolean("STATUS_VOLUNTEER_UID", !cfg.IsProduction())
	if err := errors.Join(p.errs...); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.OAuthClientID == "" {
		errs = append(errs, errors.New("OAUTH_CLIENT_ID is required"))
	}
	if c.OAuthClientSecret == "" {
		errs = append(errs, errors.New("OAUTH_CLIENT_SECRET is required"))
	}
	if len(c.OAuthStateSigningKey) < 32 {
		errs = append(errs, errors.New("OAUTH_STATE_SIGNING_KEY must be at least 32 bytes"))
	}
	if _, err := url.ParseRequestURI(c.PublicBaseURL); err != nil {
		errs = append(errs, fmt.Errorf("PUBLIC_BASE_URL is invalid: %w", err))
	}
	if _, err := url.ParseRequestURI(c.CRMAPIBaseURL); err != nil {
		errs = append(errs, fmt.Errorf("CRM_API_BASE_URL is invalid: %w", err))
	}
	if !strings.HasPrefix(c.OAuthRedirectPath, "/") {
		errs = append(errs, errors.New("OAUTH_REDIRECT_PATH must start with /"))
	}
	switch c.SessionBackend {
	case SessionBackendMemory:
	case SessionBackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis session backend"))
		}
	case SessionBackendSQL:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the sql session backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("SESSION_BACKEND %q is not one of memory, redis, sql", c.SessionBackend))
	}
	if c.UpstreamMaxRetries < 0 {
		errs = append(errs, errors.New("UPSTREAM_MAX_RETRIES must not be negative"))
	}
	if c.DefaultPageLimit <= 0 {
		errs = append(errs, errors.New("DEFAULT_PAGE_LIMIT must be positive"))
	}
	if c.JobMaxPolls <= 0 {
		errs = append(errs, errors.New("JOB_MAX_POLLS must be positive"))
	}
	if c.SessionTTL <= 0 || c.HandshakeTTL <= 0 || c.ExportTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL, HANDSHAKE_TTL and EXPORT_TTL must be positive"))
	}
	if c.RefreshLockTTL <= 0 || c.RefreshWaitInterval <= 0 || c.RefreshWaitTimeout <= 0 {
		errs = append(errs, errors.New("refresh lock durations must be positive"))
	}
	if c.StatusVolunteerUID && c.IsProduction() {
		errs = append(errs, errors.New("STATUS_VOLUNTEER_UID must be off in production"))
	}
	if c.OTELTraceSamplingRatio < 0 || c.OTELTraceSamplingRatio > 1 {
		errs = append(errs, errors.New("OTEL_TRACE_SAMPLING_RATIO must be within [0,1]"))
	}
	return errors.Join(errs...)
}

func (c *Config) RedirectURL() string {
	return c.PublicBaseURL + c.OAuthRedirectPath
}

func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production") || strings.EqualFold(c.AppEnv, "prod")
}

// ErrInvalid wraps every semantic validation failure returned by FromLookup.
var ErrInvalid = errors.New("validate config")

// ParseError reports a variable whose value could not be parsed into its type.
type ParseError struct {
	Key string
	Err error
}

func (e *ParseError) Error() string { return "parse " + e.Key + ": " + e.Err.Error() }

func (e *ParseError) Unwrap() error { return e.Err }

type parser struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (p *parser) str(key, def string) string {
	if v, ok := p.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (p *parser) list(key string, def []string) []string {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	var out []string
	for _, part := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ' ' }) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (p *parser) integer(key string, def int) int {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, &ParseError{Key: key, Err: err})
		return def
	}
	return v
}

func (p *parser) float(key string, def float64) float64 {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.errs = append(p.errs, &ParseError{Key: key, Err: err})
		return def
	}
	return v
}

func (p *parser) boolean(key string, def bool) bool {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.errs = append(p.errs, &ParseError{Key: key, Err: err})
		return def
	}
	return v
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := p.str(key, "")
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, &ParseError{Key: key, Err: err})
		return def
	}
	return v
}
