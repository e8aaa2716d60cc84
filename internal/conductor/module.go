package conductor

import (
	"context"

	"go.uber.org/fx"
)

// Module provides the Conductor and starts its run loop on fx.Lifecycle,
// the same OnStart/OnStop shape the teacher's infra/client/di.Module uses
// for its own long-lived clients.
var Module = fx.Module("conductor",
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, c *Conductor) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				_ = c.Run(ctx)
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
