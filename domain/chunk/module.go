package chunk

import (
	"context"

	"go.uber.org/fx"

	"github.com/arke-institute/ocr-worker/pkg/arke"
	"github.com/arke-institute/ocr-worker/pkg/ocr"
)

// Module provides the chunk worker domain
var Module = fx.Module("chunk",
	fx.Provide(NewRepository),
	fx.Provide(NewDispatcher),
	fx.Provide(func(c *arke.Client) Store { return c }),
	fx.Provide(func(c *ocr.Client) Extractor { return c }),
	fx.Provide(NewService),
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
	fx.Invoke(registerLifecycle),
)

// registerLifecycle resumes interrupted chunks on start and parks engine
// timers on stop; persisted state carries the chunks across restarts.
func registerLifecycle(lc fx.Lifecycle, svc *Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return svc.Resume(ctx)
		},
		OnStop: func(ctx context.Context) error {
			svc.Shutdown()
			return nil
		},
	})
}
