package di

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"gorm.io/gorm"

	"github.com/sandeepkv93/crm-export-proxy/internal/app"
	"github.com/sandeepkv93/crm-export-proxy/internal/config"
	"github.com/sandeepkv93/crm-export-proxy/internal/crm"
	"github.com/sandeepkv93/crm-export-proxy/internal/export"
	"github.com/sandeepkv93/crm-export-proxy/internal/health"
	"github.com/sandeepkv93/crm-export-proxy/internal/http/handler"
	"github.com/sandeepkv93/crm-export-proxy/internal/http/middleware"
	"github.com/sandeepkv93/crm-export-proxy/internal/http/router"
	"github.com/sandeepkv93/crm-export-proxy/internal/httpretry"
	"github.com/sandeepkv93/crm-export-proxy/internal/observability"
	"github.com/sandeepkv93/crm-export-proxy/internal/repository"
	"github.com/sandeepkv93/crm-export-proxy/internal/security"
	"github.com/sandeepkv93/crm-export-proxy/internal/service"
)

const sessionCleanupInterval = 10 * time.Minute

// provideRuntime installs the bridged logger as the process default. The
// runtime itself is flushed by App.Shutdown.
func provideRuntime(ctx context.Context, cfg *config.Config) (*observability.Runtime, error) {
	rt, err := observability.InitRuntime(ctx, cfg, observability.NewLogger(cfg))
	if err != nil {
		return nil, err
	}
	slog.SetDefault(rt.Logger)
	return rt, nil
}

func provideLogger(rt *observability.Runtime) *slog.Logger {
	return rt.Logger
}

// provideRedis returns nil when REDIS_ADDR is unset; every consumer then
// falls back to its in-process implementation.
func provideRedis(cfg *config.Config) (redis.UniversalClient, func(), error) {
	if cfg.RedisAddr == "" {
		return nil, func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return client, func() { _ = client.Close() }, nil
}

func provideDB(cfg *config.Config) (*gorm.DB, func(), error) {
	if cfg.SessionBackend != config.SessionBackendSQL {
		return nil, func() {}, nil
	}
	db, err := repository.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := repository.Migrate(db); err != nil {
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	cleanup := func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	return db, cleanup, nil
}

func provideSessionStore(cfg *config.Config, rdb redis.UniversalClient, db *gorm.DB) service.SessionStore {
	switch cfg.SessionBackend {
	case config.SessionBackendRedis:
		return service.NewRedisSessionStore(rdb, cfg.RedisPrefix)
	case config.SessionBackendSQL:
		return repository.NewSessionStore(db)
	default:
		return service.NewInMemorySessionStore()
	}
}

func provideRefreshLock(cfg *config.Config, rdb redis.UniversalClient, db *gorm.DB) service.RefreshLock {
	switch cfg.SessionBackend {
	case config.SessionBackendRedis:
		return service.NewRedisRefreshLock(rdb, cfg.RedisPrefix)
	case config.SessionBackendSQL:
		return repository.NewRefreshLock(db)
	default:
		return service.NewInMemoryRefreshLock()
	}
}

func provideHandshakeStore(cfg *config.Config, rdb redis.UniversalClient) service.HandshakeStore {
	if rdb != nil {
		return service.NewRedisHandshakeStore(rdb, cfg.RedisPrefix)
	}
	return service.NewInMemoryHandshakeStore()
}

func provideExportJobStore(cfg *config.Config, rdb redis.UniversalClient) service.ExportJobStore {
	if rdb != nil {
		return service.NewRedisExportJobStore(rdb, cfg.RedisPrefix)
	}
	return service.NewInMemoryExportJobStore()
}

func provideRecordMissCache(cfg *config.Config, rdb redis.UniversalClient) crm.RecordMissCache {
	if rdb != nil {
		return service.NewRedisRecordMissCache(rdb, cfg.RedisPrefix)
	}
	return service.NewInMemoryRecordMissCache()
}

func provideStateSigner(cfg *config.Config) *security.StateSigner {
	return security.NewStateSigner(cfg.OTELServiceName, cfg.OAuthStateSigningKey)
}

// provideUpstreamHTTPClient is shared by the token endpoint and the CRM API so
// both carry client spans.
func provideUpstreamHTTPClient(cfg *config.Config) *http.Client {
	return &http.Client{
		Timeout:   cfg.UpstreamTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

func provideOAuthProvider(cfg *config.Config, httpClient *http.Client) service.OAuthProvider {
	return service.NewOAuth2Provider(&oauth2.Config{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		RedirectURL:  cfg.RedirectURL(),
		Scopes:       cfg.OAuthScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.OAuthAuthURL,
			TokenURL: cfg.OAuthTokenURL,
		},
	}, httpClient)
}

func provideOAuthService(
	cfg *config.Config,
	provider service.OAuthProvider,
	handshakes service.HandshakeStore,
	sessions service.SessionStore,
	signer *security.StateSigner,
	logger *slog.Logger,
) *service.OAuthService {
	return service.NewOAuthService(provider, handshakes, sessions, signer, service.OAuthServiceConfig{
		UsePKCE:      cfg.OAuthUsePKCE,
		HandshakeTTL: cfg.HandshakeTTL,
		SessionTTL:   cfg.SessionTTL,
	}, logger)
}

func provideTokenManager(
	cfg *config.Config,
	sessions service.SessionStore,
	lock service.RefreshLock,
	oauthSvc *service.OAuthService,
	logger *slog.Logger,
) *service.TokenManager {
	return service.NewTokenManager(sessions, lock, oauthSvc, service.TokenManagerConfig{
		RefreshSkew:  cfg.TokenRefreshSkew,
		LockTTL:      cfg.RefreshLockTTL,
		WaitInterval: cfg.RefreshWaitInterval,
		WaitTimeout:  cfg.RefreshWaitTimeout,
		SessionTTL:   cfg.SessionTTL,
	}, logger)
}

func provideRetryClient(cfg *config.Config, httpClient *http.Client, logger *slog.Logger) *httpretry.Client {
	return httpretry.NewClient(httpClient, httpretry.Policy{
		MaxRetries: cfg.UpstreamMaxRetries,
		BaseDelay:  cfg.UpstreamBaseDelay,
	}, logger)
}

func provideCRMClient(
	cfg *config.Config,
	tokens *service.TokenManager,
	sender *httpretry.Client,
	misses crm.RecordMissCache,
	logger *slog.Logger,
) *crm.Client {
	return crm.NewClient(cfg.CRMAPIBaseURL, cfg.CRMSubscriptionKey, tokens, sender, misses, logger)
}

func provideArtifactStore(cfg *config.Config) (*export.ArtifactStore, error) {
	return export.NewArtifactStore(cfg.ExportDir, cfg.ExportTTL)
}

func provideBulkExporter(client *crm.Client, artifacts *export.ArtifactStore, jobs service.ExportJobStore, logger *slog.Logger) *export.BulkExporter {
	return export.NewBulkExporter(client, artifacts, jobs, logger)
}

func provideQueryRunner(cfg *config.Config, client *crm.Client, artifacts *export.ArtifactStore, jobs service.ExportJobStore, logger *slog.Logger) *export.QueryRunner {
	return export.NewQueryRunner(client, artifacts, jobs, export.QueryRunnerConfig{
		PollInterval: cfg.JobPollInterval,
		MaxPolls:     cfg.JobMaxPolls,
	}, logger)
}

func provideAuthHandler(cfg *config.Config, oauthSvc *service.OAuthService, sessions service.SessionStore) *handler.AuthHandler {
	return handler.NewAuthHandler(oauthSvc, service.NewSessionService(sessions, cfg.StatusVolunteerUID), handler.AuthHandlerConfig{
		PostAuthRedirect: cfg.PostAuthRedirect,
		SessionTTL:       cfg.SessionTTL,
		SecureCookies:    cfg.IsProduction(),
	})
}

func provideDataHandler(cfg *config.Config, client *crm.Client, queries *export.QueryRunner) *handler.DataHandler {
	return handler.NewDataHandler(client, queries, cfg.DefaultPageLimit)
}

func provideExportHandler(cfg *config.Config, bulk *export.BulkExporter, client *crm.Client) *handler.ExportHandler {
	return handler.NewExportHandler(bulk, client, cfg.DefaultPageLimit)
}

func provideReadiness(cfg *config.Config, rdb redis.UniversalClient, db *gorm.DB) *health.ProbeRunner {
	checkers := []health.Checker{health.ExportDirChecker{Dir: cfg.ExportDir}}
	if rdb != nil {
		checkers = append(checkers, health.RedisChecker{Client: rdb})
	}
	if db != nil {
		checkers = append(checkers, health.SQLChecker{DB: db})
	}
	return health.NewProbeRunner(2*time.Second, time.Second, checkers...)
}

// provideGlobalRateLimiter shares the budget across instances when Redis is
// available. A Redis outage lets traffic through rather than blocking exports.
func provideGlobalRateLimiter(cfg *config.Config, rdb redis.UniversalClient) router.GlobalRateLimiterFunc {
	var limiter middleware.Limiter = middleware.NewLocalLimiter()
	mode := middleware.FailClosed
	scope := "local"
	if rdb != nil {
		limiter = middleware.NewRedisLimiter(rdb, cfg.RedisPrefix)
		mode = middleware.FailOpen
		scope = "api"
	}
	rl := middleware.NewDistributedRateLimiter(limiter, cfg.APIRateLimitPerMin, time.Minute, mode, scope, middleware.SessionOrIPKeyFunc())
	return rl.WithBypassEvaluator(middleware.HealthProbeBypass).WithCost(middleware.ExportCost).Middleware()
}

func provideRouterDependencies(
	cfg *config.Config,
	auth *handler.AuthHandler,
	data *handler.DataHandler,
	exports *handler.ExportHandler,
	limiter router.GlobalRateLimiterFunc,
	readiness *health.ProbeRunner,
) router.Dependencies {
	return router.Dependencies{
		AuthHandler:       auth,
		DataHandler:       data,
		ExportHandler:     exports,
		CallbackPath:      cfg.OAuthRedirectPath,
		CORSOrigins:       cfg.CORSAllowedOrigins,
		APIRateLimitRPM:   cfg.APIRateLimitPerMin,
		GlobalRateLimiter: limiter,
		Readiness:         readiness,
		StaticDir:         cfg.StaticDir,
		LandingPage:       cfg.PostAuthRedirect,
		RequestBodyLimit:  cfg.RequestBodyLimit,
		EnableOTelHTTP:    cfg.OTELTracingEnabled,
	}
}

// provideHTTPServer leaves WriteTimeout unset: bulk exports and query jobs
// hold the response open for as long as the upstream takes.
func provideHTTPServer(cfg *config.Config, dep router.Dependencies) *http.Server {
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router.NewRouter(dep),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}

func provideTasks(cfg *config.Config, artifacts *export.ArtifactStore, db *gorm.DB, logger *slog.Logger) []app.Task {
	tasks := []app.Task{
		func(ctx context.Context) { artifacts.RunSweeper(ctx, cfg.ExportSweepInterval, logger) },
	}
	if db != nil {
		store := repository.NewSessionStore(db)
		tasks = append(tasks, func(ctx context.Context) {
			ticker := time.NewTicker(sessionCleanupInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					n, err := store.CleanupExpired(ctx)
					if err != nil {
						logger.WarnContext(ctx, "session cleanup failed", "error", err)
						continue
					}
					if n > 0 {
						logger.InfoContext(ctx, "expired sessions removed", "count", n)
					}
				}
			}
		})
	}
	return tasks
}
