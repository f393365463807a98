package observability

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sandeepkv93/crm-export-proxy/internal/config"

	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

type Runtime struct {
	MeterProvider  *sdkmetric.MeterProvider
	TracerProvider *sdktrace.TracerProvider
	LoggerProvider *sdklog.LoggerProvider
	Logger         *slog.Logger
	SentryEnabled  bool
}

// InitRuntime wires metrics, tracing, logs and Sentry. The returned runtime's
// Logger should replace the bootstrap logger for the rest of the process.
func InitRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	mp, err := InitMetrics(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	tp, err := InitTracing(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	lp, bridged, err := InitLogs(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	sentryEnabled, err := InitSentry(cfg, logger)
	if err != nil {
		return nil, err
	}
	return &Runtime{
		MeterProvider:  mp,
		TracerProvider: tp,
		LoggerProvider: lp,
		Logger:         bridged,
		SentryEnabled:  sentryEnabled,
	}, nil
}

func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.MeterProvider != nil {
		if err := r.MeterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if r.TracerProvider != nil {
		if err := r.TracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if r.LoggerProvider != nil {
		if err := r.LoggerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if r.SentryEnabled {
		if deadline, ok := ctx.Deadline(); ok {
			FlushSentry(time.Until(deadline))
		}
	}
	return errors.Join(errs...)
}
