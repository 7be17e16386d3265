package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/smallbiznis/costflow/internal/clock"
	"github.com/smallbiznis/costflow/internal/config"
	"github.com/smallbiznis/costflow/internal/credential/domain"
	providerdomain "github.com/smallbiznis/costflow/internal/provider/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Cfg   config.Config
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	clock  clock.Clock
	sealer *Sealer
}

func New(p Params) (domain.Service, error) {
	sealer, err := NewSealer(p.Cfg.CredentialKey)
	if err != nil {
		return nil, err
	}
	return &Service{
		db:     p.DB,
		log:    p.Log.Named("credential.store"),
		clock:  p.Clock,
		sealer: sealer,
	}, nil
}

func (s *Service) Fetch(ctx context.Context, tenantID, provider string) (*providerdomain.Credential, error) {
	tenantID = strings.TrimSpace(tenantID)
	provider = strings.ToLower(strings.TrimSpace(provider))

	var row domain.ProviderCredential
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND provider = ?", tenantID, provider).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s/%s", domain.ErrCredentialNotFound, tenantID, provider)
	}
	if err != nil {
		return nil, err
	}

	secret, err := s.sealer.Open(row.SealedSecret, tenantID, provider)
	if err != nil {
		s.log.Warn("credential could not be opened",
			zap.String("tenant_id", tenantID),
			zap.String("provider", provider),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %s/%s", err, tenantID, provider)
	}

	settings := make(map[string]string, len(row.Config))
	for k, v := range row.Config {
		settings[k] = fmt.Sprint(v)
	}
	return &providerdomain.Credential{
		TenantID: tenantID,
		Provider: provider,
		Secret:   secret,
		Config:   settings,
	}, nil
}

func (s *Service) Put(ctx context.Context, req domain.PutRequest) error {
	tenantID := strings.TrimSpace(req.TenantID)
	if tenantID == "" {
		return domain.ErrInvalidTenant
	}
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if provider == "" {
		return domain.ErrInvalidProvider
	}
	if strings.TrimSpace(req.Secret) == "" {
		return domain.ErrCredentialInvalid
	}

	plaintext := []byte(req.Secret)
	sealed, err := s.sealer.Seal(plaintext, tenantID, provider)
	for i := range plaintext {
		plaintext[i] = 0
	}
	if err != nil {
		return err
	}

	cfg := datatypes.JSONMap{}
	for k, v := range req.Config {
		cfg[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}

	now := s.clock.Now().UTC()
	row := domain.ProviderCredential{
		TenantID:     tenantID,
		Provider:     provider,
		SealedSecret: sealed,
		Config:       cfg,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{"sealed_secret", "config", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return err
	}

	s.log.Info("credential stored", zap.String("tenant_id", tenantID), zap.String("provider", provider))
	return nil
}
