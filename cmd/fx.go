package cmd

import (
	"go.uber.org/fx"

	"github.com/yollayah/conductor/config"
	"github.com/yollayah/conductor/internal/conductor"
	grpctransport "github.com/yollayah/conductor/internal/server/grpcserver"
	httptransport "github.com/yollayah/conductor/internal/server/http"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			ProvideBus,
			ProvideRegistry,
			ProvideHeartbeatMonitor,
			ProvideHealthTracker,
			ProvideRateLimiter,
			ProvideBackend,
			ProvideRouter,
			ProvideConversationManager,
			ProvideStreamManager,
			ProvideConductor,
		),
		conductor.Module,
		httptransport.Module,
		grpctransport.Module,
	)
}
