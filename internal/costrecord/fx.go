package costrecord

import (
	"github.com/smallbiznis/costflow/internal/costrecord/domain"
	"github.com/smallbiznis/costflow/internal/costrecord/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("costrecord",
	fx.Provide(repository.Provide),
	fx.Provide(domain.NewNormalizer),
)
