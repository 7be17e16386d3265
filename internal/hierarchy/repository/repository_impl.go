package repository

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/costflow/internal/hierarchy/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, e *domain.Entity) error {
	return db.WithContext(ctx).Create(e).Error
}

func (r *repo) Get(ctx context.Context, db *gorm.DB, tenantID, id string) (*domain.Entity, error) {
	var e domain.Entity
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", tenantID, id).
		Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetFold matches the id case-insensitively, including closed entities.
func (r *repo) GetFold(ctx context.Context, db *gorm.DB, tenantID, id string) (*domain.Entity, error) {
	var e domain.Entity
	err := db.WithContext(ctx).
		Where("tenant_id = ? AND LOWER(id) = LOWER(?)", tenantID, id).
		Take(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *repo) ListTenant(ctx context.Context, db *gorm.DB, tenantID string) ([]domain.Entity, error) {
	var items []domain.Entity
	err := db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Order("path ASC").
		Find(&items).Error
	return items, err
}

func (r *repo) ListAll(ctx context.Context, db *gorm.DB) ([]domain.Entity, error) {
	var items []domain.Entity
	err := db.WithContext(ctx).
		Order("tenant_id ASC, path ASC").
		Find(&items).Error
	return items, err
}

func (r *repo) UpdatePlacement(ctx context.Context, db *gorm.DB, e *domain.Entity) error {
	return db.WithContext(ctx).Exec(
		`UPDATE hierarchy_entities
		 SET parent_id = ?, path = ?, display_path = ?, updated_at = ?
		 WHERE tenant_id = ? AND id = ?`,
		e.ParentID,
		e.Path,
		e.DisplayPath,
		e.UpdatedAt,
		e.TenantID,
		e.ID,
	).Error
}

// Close sets valid_to on open entities only, so earlier deletions keep their end.
func (r *repo) Close(ctx context.Context, db *gorm.DB, tenantID string, ids []string, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE hierarchy_entities
		 SET valid_to = ?, updated_at = ?
		 WHERE tenant_id = ? AND id IN ? AND valid_to IS NULL`,
		at,
		at,
		tenantID,
		ids,
	)
	return res.RowsAffected, res.Error
}
