package config

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	loadMetricsOnce sync.Once
	loadCounter     metric.Int64Counter
)

// recordConfigLoad counts Load outcomes. The global meter provider is a noop
// until observability starts, so only reloads after startup are exported.
func recordConfigLoad(ctx context.Context, env, backend string, err error) {
	loadMetricsOnce.Do(func() {
		counter, cerr := otel.Meter("crm-export-proxy/config").Int64Counter(
			"config.load.events",
			metric.WithDescription("Configuration load attempts by outcome"),
		)
		if cerr == nil {
			loadCounter = counter
		}
	})
	if loadCounter == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	loadCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("env", normalizeLabel(env)),
		attribute.String("session_backend", normalizeLabel(backend)),
		attribute.String("outcome", outcome),
		attribute.String("error_class", loadErrorClass(err)),
	))
}

func normalizeLabel(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "unknown"
	}
	return v
}

func loadErrorClass(err error) string {
	var pe *ParseError
	switch {
	case err == nil:
		return "none"
	case errors.As(err, &pe):
		return "parse"
	case errors.Is(err, ErrInvalid):
		return "validation"
	default:
		return "load"
	}
}
