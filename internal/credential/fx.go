package credential

import (
	"github.com/smallbiznis/costflow/internal/credential/domain"
	"github.com/smallbiznis/costflow/internal/credential/service"
	"go.uber.org/fx"
)

var Module = fx.Module("credential.store",
	fx.Provide(service.New),
	fx.Provide(func(svc domain.Service) domain.Store { return svc }),
)
