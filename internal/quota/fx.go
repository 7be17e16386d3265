package quota

import (
	"github.com/smallbiznis/costflow/internal/quota/domain"
	"github.com/smallbiznis/costflow/internal/quota/service"
	"go.uber.org/fx"
)

var Module = fx.Module("quota.service",
	fx.Provide(
		fx.Annotate(service.NewEnforcer, fx.As(new(domain.Enforcer))),
	),
	fx.Provide(service.NewProviderService),
)
