package http

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/yollayah/conductor/config"
	"github.com/yollayah/conductor/internal/conductor"
)

// Module provides the HTTP transport server and starts it only when
// cfg.Transport.EnableHTTP is set, mirroring the teacher's pattern of
// gating optional fx.Invoke side effects on config rather than omitting
// the module graph entry entirely.
var Module = fx.Module("http-transport",
	fx.Provide(provideServer),
	fx.Invoke(registerLifecycle),
)

func provideServer(cfg *config.Config, c *conductor.Conductor, log *slog.Logger) *Server {
	return New(cfg.Transport.HTTPAddr, c, log)
}

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, s *Server, log *slog.Logger) {
	if !cfg.Transport.EnableHTTP {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				if err := s.Run(ctx); err != nil {
					log.Error("http server exited", "err", err)
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
