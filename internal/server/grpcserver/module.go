package grpcserver

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/yollayah/conductor/config"
	"github.com/yollayah/conductor/internal/conductor"
)

var Module = fx.Module("grpc-transport",
	fx.Provide(provideServer),
	fx.Invoke(registerLifecycle),
)

func provideServer(cfg *config.Config, c *conductor.Conductor, log *slog.Logger) *Server {
	return New(cfg.Transport.GRPCAddr, c, log)
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, s *Server, log *slog.Logger) {
	if !cfg.Transport.EnableGRPC {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := s.Run(ctx); err != nil {
					log.Error("grpc server exited", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			<-done
			return nil
		},
	})
}
