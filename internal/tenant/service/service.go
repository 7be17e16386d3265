package service

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/costflow/internal/clock"
	"github.com/smallbiznis/costflow/internal/config"
	pipelinedomain "github.com/smallbiznis/costflow/internal/pipeline/domain"
	"github.com/smallbiznis/costflow/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Cfg   config.Config
	Plans *config.PlanHolder
	Repo  domain.Repository

	Invalidator pipelinedomain.CacheInvalidator `optional:"true"`
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	cfg         config.Config
	plans       *config.PlanHolder
	repo        domain.Repository
	invalidator pipelinedomain.CacheInvalidator
}

func New(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("tenant.service"),
		clock:       p.Clock,
		cfg:         p.Cfg,
		plans:       p.Plans,
		repo:        p.Repo,
		invalidator: p.Invalidator,
	}
}

// Get returns stored settings or the defaults a tenant without a row runs under.
func (s *Service) Get(ctx context.Context, tenantID string) (*domain.Settings, error) {
	tenantID = normalizeTenant(tenantID)
	if tenantID == "" {
		return nil, domain.ErrInvalidTenant
	}
	settings, err := s.repo.GetSettings(ctx, s.db, tenantID)
	if err != nil {
		return nil, err
	}
	if settings == nil {
		settings = &domain.Settings{
			TenantID: tenantID,
			PlanCode: config.DefaultPlanCode,
			Timezone: s.cfg.DefaultTimezone,
		}
	}
	return settings, nil
}

func (s *Service) Configure(ctx context.Context, req domain.ConfigureRequest) (*domain.Settings, error) {
	current, err := s.Get(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	next := *current
	if plan := strings.ToLower(strings.TrimSpace(req.PlanCode)); plan != "" {
		if _, ok := s.plans.Get().Plans[plan]; !ok {
			return nil, domain.ErrUnknownPlan
		}
		next.PlanCode = plan
	}
	if tz := strings.TrimSpace(req.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, domain.ErrInvalidTimezone
		}
		next.Timezone = tz
	}

	now := s.clock.Now()
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	next.UpdatedAt = now
	if err := s.repo.UpsertSettings(ctx, s.db, &next); err != nil {
		return nil, err
	}

	// Cached aggregations expire at the tenant's local midnight.
	if next.Timezone != current.Timezone && s.invalidator != nil {
		if err := s.invalidator.InvalidateTenant(ctx, next.TenantID); err != nil {
			s.log.Warn("cache invalidation after timezone change failed",
				zap.String("tenant_id", next.TenantID),
				zap.Error(err),
			)
		}
	}

	return &next, nil
}

func normalizeTenant(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
