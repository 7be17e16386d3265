package exchangerate

import (
	"github.com/smallbiznis/costflow/internal/exchangerate/repository"
	"github.com/smallbiznis/costflow/internal/exchangerate/service"
	"go.uber.org/fx"
)

var Module = fx.Module("exchangerate.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
