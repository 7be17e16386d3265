package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Settings struct {
	TenantID  string    `json:"tenant_id" gorm:"primaryKey;type:text"`
	PlanCode  string    `json:"plan_code" gorm:"type:text;not null;default:'default'"`
	Timezone  string    `json:"timezone" gorm:"type:text;not null;default:'UTC'"`
	CreatedAt time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

func (Settings) TableName() string { return "tenant_settings" }

// Location returns the tenant's zone, falling back to fallback and then UTC.
func (s Settings) Location(fallback string) *time.Location {
	for _, name := range []string{s.Timezone, fallback} {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

type Provider struct {
	TenantID   string     `json:"tenant_id" gorm:"primaryKey;type:text"`
	Provider   string     `json:"provider" gorm:"primaryKey;type:text"`
	Enabled    bool       `json:"enabled" gorm:"not null"`
	EnabledAt  *time.Time `json:"enabled_at,omitempty"`
	DisabledAt *time.Time `json:"disabled_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at" gorm:"not null"`
	UpdatedAt  time.Time  `json:"updated_at" gorm:"not null"`
}

func (Provider) TableName() string { return "tenant_providers" }

var (
	ErrInvalidTimezone = errors.New("invalid_timezone")
	ErrInvalidTenant   = errors.New("invalid_tenant")
	ErrUnknownPlan     = errors.New("unknown_plan")
)

type ConfigureRequest struct {
	TenantID string `json:"-"`
	PlanCode string `json:"plan_code" validate:"omitempty,max=64"`
	Timezone string `json:"timezone" validate:"omitempty,max=64"`
}

// Service owns tenant settings. Empty request fields keep their current value.
type Service interface {
	Configure(ctx context.Context, req ConfigureRequest) (*Settings, error)
	Get(ctx context.Context, tenantID string) (*Settings, error)
}

type Repository interface {
	GetSettings(ctx context.Context, db *gorm.DB, tenantID string) (*Settings, error)
	UpsertSettings(ctx context.Context, db *gorm.DB, s *Settings) error
	GetProvider(ctx context.Context, db *gorm.DB, tenantID, provider string) (*Provider, error)
	SetProviderEnabled(ctx context.Context, db *gorm.DB, tenantID, provider string, enabled bool, at time.Time) error
	CountEnabledProviders(ctx context.Context, db *gorm.DB, tenantID string) (int, error)
	ListEnabledProviders(ctx context.Context, db *gorm.DB) ([]Provider, error)
}
