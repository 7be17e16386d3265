package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/costflow/internal/tenant/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// GetSettings returns nil when the tenant has no explicit settings row.
func (r *repo) GetSettings(ctx context.Context, db *gorm.DB, tenantID string) (*domain.Settings, error) {
	var s domain.Settings
	err := db.WithContext(ctx).Where("tenant_id = ?", tenantID).Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *repo) UpsertSettings(ctx context.Context, db *gorm.DB, s *domain.Settings) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"plan_code", "timezone", "updated_at"}),
		}).
		Create(s).Error
}

func (r *repo) GetProvider(ctx context.Context, db *gorm.DB, tenantID, provider string) (*domain.Provider, error) {
	var p domain.Provider
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND provider = ?", tenantID, provider).
		Take(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *repo) SetProviderEnabled(ctx context.Context, db *gorm.DB, tenantID, provider string, enabled bool, at time.Time) error {
	row := domain.Provider{
		TenantID:  tenantID,
		Provider:  provider,
		Enabled:   enabled,
		CreatedAt: at,
		UpdatedAt: at,
	}
	updates := []string{"enabled", "updated_at"}
	if enabled {
		row.EnabledAt = &at
		updates = append(updates, "enabled_at")
	} else {
		row.DisabledAt = &at
		updates = append(updates, "disabled_at")
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "provider"}},
			DoUpdates: clause.AssignmentColumns(updates),
		}).
		Create(&row).Error
}

func (r *repo) CountEnabledProviders(ctx context.Context, db *gorm.DB, tenantID string) (int, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM tenant_providers WHERE tenant_id = ? AND enabled = ?`,
		tenantID,
		true,
	).Scan(&count).Error
	return int(count), err
}

func (r *repo) ListEnabledProviders(ctx context.Context, db *gorm.DB) ([]domain.Provider, error) {
	var items []domain.Provider
	err := db.WithContext(ctx).
		Where("enabled = ?", true).
		Order("tenant_id ASC, provider ASC").
		Find(&items).Error
	return items, err
}
