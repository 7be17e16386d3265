package service

import (
	"context"
	"time"

	"github.com/smallbiznis/costflow/internal/pipeline/domain"
	quotadomain "github.com/smallbiznis/costflow/internal/quota/domain"
	"gorm.io/gorm"
)

// RunCounter exposes run counts to quota enforcement.
type RunCounter struct {
	db   *gorm.DB
	repo domain.Repository
}

func NewRunCounter(db *gorm.DB, repo domain.Repository) *RunCounter {
	return &RunCounter{db: db, repo: repo}
}

func (c *RunCounter) CountTriggeredSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	return c.repo.CountTriggeredSince(ctx, c.db, tenantID, since)
}

func (c *RunCounter) CountRunning(ctx context.Context, tenantID string) (int, error) {
	return c.repo.CountRunning(ctx, c.db, tenantID)
}

var _ quotadomain.RunCounter = (*RunCounter)(nil)
