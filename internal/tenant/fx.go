package tenant

import (
	"github.com/smallbiznis/costflow/internal/tenant/repository"
	"github.com/smallbiznis/costflow/internal/tenant/service"
	"go.uber.org/fx"
)

var Module = fx.Module("tenant",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
