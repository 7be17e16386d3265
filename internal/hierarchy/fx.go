package hierarchy

import (
	"context"

	"github.com/smallbiznis/costflow/internal/hierarchy/repository"
	"github.com/smallbiznis/costflow/internal/hierarchy/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("hierarchy",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewHolder),
	fx.Provide(service.NewAdmin),
	fx.Invoke(loadInitialSnapshot),
)

func loadInitialSnapshot(lc fx.Lifecycle, holder *service.Holder, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := holder.Refresh(ctx); err != nil {
				log.Warn("initial hierarchy snapshot failed", zap.Error(err))
			}
			return nil
		},
	})
}
