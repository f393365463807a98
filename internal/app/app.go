package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sandeepkv93/crm-export-proxy/internal/config"
	"github.com/sandeepkv93/crm-export-proxy/internal/health"
	"github.com/sandeepkv93/crm-export-proxy/internal/observability"
)

// Task is a background loop that returns when ctx is canceled.
type Task func(ctx context.Context)

type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Server        *http.Server
	Observability *observability.Runtime
	Readiness     *health.ProbeRunner
	Tasks         []Task

	ShutdownTimeout              time.Duration
	ShutdownHTTPDrainTimeout     time.Duration
	ShutdownObservabilityTimeout time.Duration
}

func New(
	cfg *config.Config,
	logger *slog.Logger,
	server *http.Server,
	runtime *observability.Runtime,
	readiness *health.ProbeRunner,
	tasks []Task,
) *App {
	return &App{
		Config:                       cfg,
		Logger:                       logger,
		Server:                       server,
		Observability:                runtime,
		Readiness:                    readiness,
		Tasks:                        tasks,
		ShutdownTimeout:              cfg.ShutdownTimeout,
		ShutdownHTTPDrainTimeout:     cfg.ShutdownHTTPDrainTimeout,
		ShutdownObservabilityTimeout: cfg.ShutdownObservabilityTimeout,
	}
}

// Run serves HTTP and the background tasks until ctx is canceled or the
// listener fails, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range a.Tasks {
		g.Go(func() error {
			task(gctx)
			return nil
		})
	}
	g.Go(func() error {
		a.Logger.Info("http server listening", "addr", a.Server.Addr)
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.Shutdown()
	})
	return g.Wait()
}

// Shutdown drains HTTP and then flushes telemetry, each phase bounded by its
// own timeout inside the overall budget. Backend connections are closed by
// the injector's cleanup once Run returns.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.ShutdownTimeout)
	defer cancel()

	var errs []error
	drainCtx, drainCancel := context.WithTimeout(ctx, a.ShutdownHTTPDrainTimeout)
	if err := a.Server.Shutdown(drainCtx); err != nil {
		errs = append(errs, fmt.Errorf("drain http: %w", err))
	}
	drainCancel()

	obsCtx, obsCancel := context.WithTimeout(ctx, a.ShutdownObservabilityTimeout)
	if err := a.Observability.Shutdown(obsCtx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown observability: %w", err))
	}
	obsCancel()

	a.Logger.Info("shutdown complete")
	return errors.Join(errs...)
}
