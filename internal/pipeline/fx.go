package pipeline

import (
	"context"

	hierarchyservice "github.com/smallbiznis/costflow/internal/hierarchy/service"
	"github.com/smallbiznis/costflow/internal/pipeline/domain"
	"github.com/smallbiznis/costflow/internal/pipeline/repository"
	"github.com/smallbiznis/costflow/internal/pipeline/service"
	quotadomain "github.com/smallbiznis/costflow/internal/quota/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("pipeline.runner",
	fx.Provide(repository.Provide),
	fx.Provide(
		fx.Annotate(service.NewRunCounter, fx.As(new(quotadomain.RunCounter))),
	),
	fx.Provide(func(h *hierarchyservice.Holder) domain.Resolver { return h }),
	fx.Provide(service.New),
	fx.Provide(func(r *service.Runner) domain.Service { return r }),
	fx.Invoke(registerLifecycle),
)

// Workers only run in processes that execute pipelines; the API process still
// needs the Runner to accept triggers, which are picked up by the dispatch sweep.
type LifecycleParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Runner    *service.Runner
	Workers   bool `name:"pipeline_workers" optional:"true"`
}

func registerLifecycle(p LifecycleParams) {
	if !p.Workers {
		return
	}
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			p.Runner.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return p.Runner.Stop(ctx)
		},
	})
}

// WithWorkers enables the worker pool in the current process.
func WithWorkers() fx.Option {
	return fx.Supply(fx.Annotated{Name: "pipeline_workers", Target: true})
}
