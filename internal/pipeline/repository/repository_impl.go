package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/costflow/internal/pipeline/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, run *domain.Run) error {
	return db.WithContext(ctx).Create(run).Error
}

func (r *repo) Get(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Run, error) {
	var run domain.Run
	err := db.WithContext(ctx).Where("id = ?", id).Take(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// Transition applies t only while the row is still in one of t.From.
func (r *repo) Transition(ctx context.Context, db *gorm.DB, t domain.Transition) (bool, error) {
	updates := map[string]any{
		"status":     t.To,
		"updated_at": t.At,
	}
	for k, v := range t.Fields {
		updates[k] = v
	}
	res := db.WithContext(ctx).
		Model(&domain.Run{}).
		Where("id = ? AND status IN ?", t.RunID, t.From).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) RequestCancel(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE pipeline_runs
		 SET cancel_requested = ?, updated_at = ?
		 WHERE id = ? AND status IN ?`,
		true,
		at,
		id,
		[]domain.Status{domain.StatusPending, domain.StatusRunning, domain.StatusRetrying, domain.StatusFailed},
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) CancelRequested(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error) {
	var flag bool
	err := db.WithContext(ctx).Raw(
		`SELECT cancel_requested FROM pipeline_runs WHERE id = ?`,
		id,
	).Scan(&flag).Error
	return flag, err
}

// AddProgress bumps counters and updated_at, which also serves as the liveness
// heartbeat the recovery sweep looks at.
func (r *repo) AddProgress(ctx context.Context, db *gorm.DB, id snowflake.ID, written, unallocated int64, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE pipeline_runs
		 SET records_written = records_written + ?, unallocated = unallocated + ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		written,
		unallocated,
		at,
		id,
		domain.StatusRunning,
	).Error
}

func (r *repo) ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Run, error) {
	var runs []domain.Run
	err := db.WithContext(ctx).
		Where("status = ? OR (status = ? AND next_attempt_at <= ?)", domain.StatusPending, domain.StatusRetrying, now).
		Order("created_at ASC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

func (r *repo) ListStale(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]domain.Run, error) {
	var runs []domain.Run
	err := db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", domain.StatusRunning, cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}

// ExistsActive reports a non-failed run with the same identity and range.
func (r *repo) ExistsActive(ctx context.Context, db *gorm.DB, req domain.TriggerRequest) (bool, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&domain.Run{}).
		Where(
			"tenant_id = ? AND provider = ? AND domain = ? AND pipeline_name = ? AND range_start = ? AND range_end = ? AND status IN ?",
			req.TenantID,
			req.Provider,
			req.Domain,
			req.PipelineName,
			req.Range.Start,
			req.Range.End,
			[]domain.Status{domain.StatusPending, domain.StatusRunning, domain.StatusRetrying, domain.StatusSucceeded},
		).
		Count(&count).Error
	return count > 0, err
}

func (r *repo) CountTriggeredSince(ctx context.Context, db *gorm.DB, tenantID string, since time.Time) (int, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&domain.Run{}).
		Where("tenant_id = ? AND created_at >= ?", tenantID, since).
		Count(&count).Error
	return int(count), err
}

func (r *repo) CountRunning(ctx context.Context, db *gorm.DB, tenantID string) (int, error) {
	var count int64
	err := db.WithContext(ctx).
		Model(&domain.Run{}).
		Where("tenant_id = ? AND status = ?", tenantID, domain.StatusRunning).
		Count(&count).Error
	return int(count), err
}
