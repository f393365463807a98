package observability

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/sandeepkv93/crm-export-proxy/internal/config"
)

func InitSentry(cfg *config.Config, logger *slog.Logger) (bool, error) {
	if cfg.SentryDSN == "" {
		return false, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.SentryDSN,
		Environment: cfg.AppEnv,
		ServerName:  cfg.OTELServiceName,
	})
	if err != nil {
		return false, fmt.Errorf("init sentry: %w", err)
	}
	logger.Info("sentry initialized", "environment", cfg.AppEnv)
	return true, nil
}

// CaptureError reports err to Sentry when a client is configured. Tags are
// applied to a scope local to this event.
func CaptureError(ctx context.Context, err error, tags map[string]string) {
	if err == nil {
		return
	}
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	if hub.Client() == nil {
		return
	}
	hub.WithScope(func(scope *sentry.Scope) {
		for k, v := range tags {
			scope.SetTag(k, v)
		}
		hub.CaptureException(err)
	})
}

func FlushSentry(timeout time.Duration) {
	sentry.Flush(timeout)
}
