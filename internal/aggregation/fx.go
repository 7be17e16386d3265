package aggregation

import (
	"github.com/smallbiznis/costflow/internal/aggregation/domain"
	"github.com/smallbiznis/costflow/internal/aggregation/service"
	pipelinedomain "github.com/smallbiznis/costflow/internal/pipeline/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("aggregation.cache",
	fx.Provide(service.New),
	fx.Provide(func(s *service.Service) domain.Service { return s }),
	fx.Provide(func(s *service.Service) pipelinedomain.CacheInvalidator { return s }),
)
