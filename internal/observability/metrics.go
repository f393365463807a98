package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sandeepkv93/crm-export-proxy/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "crm-export-proxy"

type AppMetrics struct {
	authCallbackCounter   metric.Int64Counter
	tokenRefreshCounter   metric.Int64Counter
	refreshLockCounter    metric.Int64Counter
	upstreamRequestCount  metric.Int64Counter
	upstreamRetryCounter  metric.Int64Counter
	upstreamRetryDelay    metric.Float64Histogram
	pagesFetchedCounter   metric.Int64Counter
	exportRowsCounter     metric.Int64Counter
	jobPollCounter        metric.Int64Counter
	repositoryOpCounter   metric.Int64Counter
	rateLimitCounter      metric.Int64Counter
	rateLimitRetryAfter   metric.Float64Histogram
	securityBypassCounter metric.Int64Counter
}

var (
	metricsMu  sync.RWMutex
	appMetrics *AppMetrics
)

func InitMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sdkmetric.MeterProvider, error) {
	if !cfg.OTELMetricsEnabled {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		logger.Info("otel metrics disabled")
		return mp, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTELExporterOTLPEndpoint)}
	if cfg.OTELExporterOTLPInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create metric resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.OTELMetricsExportInterval))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)

	m, err := newAppMetrics(mp.Meter(meterName))
	if err != nil {
		return nil, err
	}
	metricsMu.Lock()
	appMetrics = m
	metricsMu.Unlock()

	logger.Info("otel metrics initialized", "endpoint", cfg.OTELExporterOTLPEndpoint)
	return mp, nil
}

func newAppMetrics(meter metric.Meter) (*AppMetrics, error) {
	var (
		m   AppMetrics
		err error
	)
	counters := []struct {
		name string
		dst  *metric.Int64Counter
	}{
		{"auth.callback.attempts", &m.authCallbackCounter},
		{"token.refresh.events", &m.tokenRefreshCounter},
		{"token.refresh_lock.events", &m.refreshLockCounter},
		{"upstream.requests", &m.upstreamRequestCount},
		{"upstream.retries", &m.upstreamRetryCounter},
		{"upstream.pages.fetched", &m.pagesFetchedCounter},
		{"export.rows.written", &m.exportRowsCounter},
		{"export.job.polls", &m.jobPollCounter},
		{"repository.operations", &m.repositoryOpCounter},
		{"http.rate_limit.decisions", &m.rateLimitCounter},
		{"http.security.bypass", &m.securityBypassCounter},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
	}
	m.upstreamRetryDelay, err = meter.Float64Histogram("upstream.retry.delay_seconds")
	if err != nil {
		return nil, err
	}
	m.rateLimitRetryAfter, err = meter.Float64Histogram("http.rate_limit.retry_after_seconds")
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func currentMetrics() *AppMetrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return appMetrics
}

func RecordAuthCallback(ctx context.Context, status string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.authCallbackCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordTokenRefresh(ctx context.Context, outcome string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.tokenRefreshCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func RecordRefreshLock(ctx context.Context, outcome string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.refreshLockCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func RecordUpstreamRequest(ctx context.Context, method string, status int) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.upstreamRequestCount.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("status_class", StatusClass(status)),
	))
}

func RecordUpstreamRetry(ctx context.Context, status int, delay time.Duration) {
	m := currentMetrics()
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status_class", StatusClass(status)))
	m.upstreamRetryCounter.Add(ctx, 1, attrs)
	m.upstreamRetryDelay.Record(ctx, delay.Seconds(), attrs)
}

func RecordPagesFetched(ctx context.Context, mode string, pages int) {
	m := currentMetrics()
	if m == nil || pages <= 0 {
		return
	}
	m.pagesFetchedCounter.Add(ctx, int64(pages), metric.WithAttributes(attribute.String("mode", mode)))
}

func RecordExportRows(ctx context.Context, kind string, rows int) {
	m := currentMetrics()
	if m == nil || rows <= 0 {
		return
	}
	m.exportRowsCounter.Add(ctx, int64(rows), metric.WithAttributes(attribute.String("kind", kind)))
}

func RecordJobPoll(ctx context.Context, status string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.jobPollCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func RecordRepositoryOperation(ctx context.Context, repo, op, outcome string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.repositoryOpCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("repository", repo),
		attribute.String("operation", op),
		attribute.String("outcome", outcome),
	))
}

func RecordRateLimitDecision(ctx context.Context, scope, outcome, mode, keyType string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.rateLimitCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("outcome", outcome),
		attribute.String("mode", mode),
		attribute.String("key_type", keyType),
	))
}

func RecordRateLimitRetryAfter(ctx context.Context, scope, reason string, d time.Duration) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.rateLimitRetryAfter.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("reason", reason),
	))
}

func RecordSecurityBypassEvent(ctx context.Context, reason, scope string) {
	m := currentMetrics()
	if m == nil {
		return
	}
	m.securityBypassCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.String("scope", scope),
	))
}

func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500 && status < 600:
		return "5xx"
	default:
		return "other"
	}
}
