package service

import (
	"context"
	"strings"

	"github.com/smallbiznis/costflow/internal/clock"
	providerdomain "github.com/smallbiznis/costflow/internal/provider/domain"
	"github.com/smallbiznis/costflow/internal/quota/domain"
	tenantdomain "github.com/smallbiznis/costflow/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ProviderParams struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	Clock    clock.Clock
	Enforcer domain.Enforcer
	Tenants  tenantdomain.Repository
	Registry *providerdomain.Registry `optional:"true"`
}

type providerService struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	enforcer domain.Enforcer
	tenants  tenantdomain.Repository
	registry *providerdomain.Registry
}

func NewProviderService(p ProviderParams) domain.ProviderService {
	return &providerService{
		db:       p.DB,
		log:      p.Log.Named("quota.providers"),
		clock:    p.Clock,
		enforcer: p.Enforcer,
		tenants:  p.Tenants,
		registry: p.Registry,
	}
}

func (s *providerService) normalize(tenantID, provider string) (string, string, error) {
	tenantID = strings.TrimSpace(tenantID)
	provider = strings.ToLower(strings.TrimSpace(provider))
	if tenantID == "" {
		return "", "", domain.ErrInvalidTenant
	}
	if provider == "" {
		return "", "", domain.ErrUnknownProvider
	}
	if s.registry != nil {
		if _, err := s.registry.Get(provider); err != nil {
			return "", "", domain.ErrUnknownProvider
		}
	}
	return tenantID, provider, nil
}

func (s *providerService) Enable(ctx context.Context, tenantID, provider string) error {
	tenantID, provider, err := s.normalize(tenantID, provider)
	if err != nil {
		return err
	}
	err = s.enforcer.Admit(ctx, tenantID, func(ctx context.Context) error {
		if err := s.enforcer.CheckEnableProvider(ctx, tenantID, provider); err != nil {
			return err
		}
		return s.tenants.SetProviderEnabled(ctx, s.db, tenantID, provider, true, s.clock.Now().UTC())
	})
	if err != nil {
		return err
	}
	s.log.Info("provider enabled", zap.String("tenant_id", tenantID), zap.String("provider", provider))
	return nil
}

func (s *providerService) Disable(ctx context.Context, tenantID, provider string) error {
	tenantID, provider, err := s.normalize(tenantID, provider)
	if err != nil {
		return err
	}
	if err := s.tenants.SetProviderEnabled(ctx, s.db, tenantID, provider, false, s.clock.Now().UTC()); err != nil {
		return err
	}
	s.log.Info("provider disabled", zap.String("tenant_id", tenantID), zap.String("provider", provider))
	return nil
}
