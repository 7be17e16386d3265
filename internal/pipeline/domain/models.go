package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	hierarchydomain "github.com/smallbiznis/costflow/internal/hierarchy/domain"
	providerdomain "github.com/smallbiznis/costflow/internal/provider/domain"
	"gorm.io/gorm"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
	StatusCancelled Status = "cancelled"
)

// ErrorKind explains why a run failed.
type ErrorKind string

const (
	ErrorKindTransient  ErrorKind = "transient"
	ErrorKindPermanent  ErrorKind = "permanent"
	ErrorKindCredential ErrorKind = "credential"
	ErrorKindStale      ErrorKind = "stale"
)

// Run is one requested execution of an ingestion pipeline. Retries reuse the row.
type Run struct {
	ID              snowflake.ID `json:"id" gorm:"primaryKey;autoIncrement:false"`
	TenantID        string       `json:"tenant_id" gorm:"type:text;not null;index:idx_pipeline_runs_tenant_created,priority:1"`
	Provider        string       `json:"provider" gorm:"type:text;not null"`
	Domain          string       `json:"domain" gorm:"type:text;not null"`
	PipelineName    string       `json:"pipeline_name" gorm:"type:text;not null"`
	RangeStart      time.Time    `json:"range_start" gorm:"type:date;not null"`
	RangeEnd        time.Time    `json:"range_end" gorm:"type:date;not null"`
	Status          Status       `json:"status" gorm:"type:text;not null;index:idx_pipeline_runs_status,priority:1"`
	Attempts        int          `json:"attempts" gorm:"not null"`
	MaxAttempts     int          `json:"max_attempts" gorm:"not null"`
	CancelRequested bool         `json:"cancel_requested" gorm:"not null"`
	RecordsWritten  int64        `json:"records_written" gorm:"not null"`
	Unallocated     int64        `json:"unallocated" gorm:"not null"`
	NextAttemptAt   *time.Time   `json:"next_attempt_at,omitempty"`
	StartedAt       *time.Time   `json:"started_at,omitempty"`
	FinishedAt      *time.Time   `json:"finished_at,omitempty"`
	LastError       *string      `json:"last_error,omitempty" gorm:"type:text"`
	ErrorKind       *ErrorKind   `json:"error_kind,omitempty" gorm:"type:text"`
	CreatedAt       time.Time    `json:"created_at" gorm:"not null;index:idx_pipeline_runs_tenant_created,priority:2"`
	UpdatedAt       time.Time    `json:"updated_at" gorm:"not null;index:idx_pipeline_runs_status,priority:2"`
}

func (Run) TableName() string { return "pipeline_runs" }

func (r Run) Range() providerdomain.DateRange {
	return providerdomain.DateRange{Start: r.RangeStart.UTC(), End: r.RangeEnd.UTC()}
}

// Terminal reports whether no further transition can happen.
func (r Run) Terminal() bool {
	switch r.Status {
	case StatusSucceeded, StatusCancelled:
		return true
	case StatusFailed:
		return r.NextAttemptAt == nil
	}
	return false
}

type TriggerRequest struct {
	TenantID     string
	Provider     string
	Domain       string
	PipelineName string
	Range        providerdomain.DateRange
}

var (
	ErrInvalidTenant      = errors.New("invalid_tenant")
	ErrInvalidDomain      = errors.New("invalid_domain")
	ErrProviderNotEnabled = errors.New("provider_not_enabled")
	ErrRunNotFound        = errors.New("run_not_found")
	ErrRunFinished        = errors.New("run_finished")
	ErrRunnerStopped      = errors.New("runner_stopped")
	ErrRunCancelled       = errors.New("run_cancelled")
	ErrLockLost           = errors.New("run_lock_lost")
)

// Transition moves a run from one of from to to. Only rows still in from change.
type Transition struct {
	RunID  snowflake.ID
	From   []Status
	To     Status
	At     time.Time
	Fields map[string]any
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, run *Run) error
	Get(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Run, error)
	Transition(ctx context.Context, db *gorm.DB, t Transition) (bool, error)
	RequestCancel(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
	CancelRequested(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error)
	AddProgress(ctx context.Context, db *gorm.DB, id snowflake.ID, written, unallocated int64, at time.Time) error
	ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Run, error)
	ListStale(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]Run, error)
	ExistsActive(ctx context.Context, db *gorm.DB, req TriggerRequest) (bool, error)
	CountTriggeredSince(ctx context.Context, db *gorm.DB, tenantID string, since time.Time) (int, error)
	CountRunning(ctx context.Context, db *gorm.DB, tenantID string) (int, error)
}

type Service interface {
	Trigger(ctx context.Context, req TriggerRequest) (*Run, error)
	Status(ctx context.Context, id snowflake.ID) (*Run, error)
	Cancel(ctx context.Context, id snowflake.ID) (*Run, error)
}

// CacheInvalidator drops cached read models for a tenant after new data lands.
type CacheInvalidator interface {
	InvalidateTenant(ctx context.Context, tenantID string) error
}

// Resolver maps usage labels onto the tenant's hierarchy as of now.
type Resolver interface {
	Resolve(tenantID string, labels map[string]string) (hierarchydomain.Resolution, error)
}
