package fx

import (
	"splatsync/internal/api"
	"splatsync/internal/config"
	"splatsync/internal/logger"
	"splatsync/internal/service"

	"go.uber.org/fx"
)

var Module = fx.Options(
	fx.Provide(logger.New),
	fx.Provide(config.Load),
	fx.Provide(api.DefaultEndpoints),
	// api clients
	fx.Provide(api.NewAppVersionCache),
	fx.Provide(api.NewWebViewVersionCache),
	fx.Provide(api.NewSigningClient),
	fx.Provide(api.NewNintendoClient),
	fx.Provide(api.NewSplatNetClient),
	fx.Provide(api.NewStatInkClient),
	// svc
	fx.Provide(service.NewTokenPipeline),
	fx.Provide(service.NewFetcher),
	fx.Provide(service.NewTranscoder),
	fx.Provide(service.NewSyncer),
	fx.Provide(service.NewMonitor),
	fx.Provide(service.NewExporter),
)
