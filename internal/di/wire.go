//go:build wireinject
// +build wireinject

package di

import (
	"context"

	"github.com/google/wire"

	"github.com/sandeepkv93/crm-export-proxy/internal/app"
	"github.com/sandeepkv93/crm-export-proxy/internal/config"
)

var backendSet = wire.NewSet(
	provideRedis,
	provideDB,
	provideSessionStore,
	provideRefreshLock,
	provideHandshakeStore,
	provideExportJobStore,
	provideRecordMissCache,
)

var pipelineSet = wire.NewSet(
	provideStateSigner,
	provideUpstreamHTTPClient,
	provideOAuthProvider,
	provideOAuthService,
	provideTokenManager,
	provideRetryClient,
	provideCRMClient,
	provideArtifactStore,
	provideBulkExporter,
	provideQueryRunner,
)

var httpSet = wire.NewSet(
	provideAuthHandler,
	provideDataHandler,
	provideExportHandler,
	provideReadiness,
	provideGlobalRateLimiter,
	provideRouterDependencies,
	provideHTTPServer,
)

func InitializeApp(ctx context.Context, cfg *config.Config) (*app.App, func(), error) {
	wire.Build(
		provideRuntime,
		provideLogger,
		backendSet,
		pipelineSet,
		httpSet,
		provideTasks,
		app.New,
	)
	return nil, nil, nil
}
