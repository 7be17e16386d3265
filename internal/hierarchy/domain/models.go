package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
)

const (
	LevelDepartment = "department"
	LevelProject    = "project"
	LevelTeam       = "team"
	LevelCostCenter = "cost_center"

	PathSeparator        = "/"
	DisplayPathSeparator = " / "
)

// Entity is one node of a tenant's organizational tree. Path is the materialized
// chain of ancestor ids, for example /DEPT-1/PROJ-2/TEAM-3.
type Entity struct {
	TenantID    string     `json:"tenant_id" gorm:"primaryKey;type:text"`
	ID          string     `json:"id" gorm:"primaryKey;type:text"`
	Name        string     `json:"name" gorm:"type:text;not null"`
	LevelCode   string     `json:"level_code" gorm:"type:text;not null"`
	ParentID    *string    `json:"parent_id,omitempty" gorm:"type:text"`
	Path        string     `json:"path" gorm:"type:text;not null;index:idx_hierarchy_entities_path"`
	DisplayPath string     `json:"display_path" gorm:"type:text;not null"`
	ValidFrom   time.Time  `json:"valid_from" gorm:"not null"`
	ValidTo     *time.Time `json:"valid_to,omitempty"`
	CreatedAt   time.Time  `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"not null"`
}

func (Entity) TableName() string { return "hierarchy_entities" }

func (e Entity) Validity() Validity {
	if e.ValidTo != nil {
		return Between(e.ValidFrom, *e.ValidTo)
	}
	return OpenFrom(e.ValidFrom)
}

// InSubtree reports whether path lies at or below root.
func InSubtree(path, root string) bool {
	root = strings.TrimRight(root, PathSeparator)
	return path == root || strings.HasPrefix(path, root+PathSeparator)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entity *Entity) error
	Get(ctx context.Context, db *gorm.DB, tenantID, id string) (*Entity, error)
	GetFold(ctx context.Context, db *gorm.DB, tenantID, id string) (*Entity, error)
	ListTenant(ctx context.Context, db *gorm.DB, tenantID string) ([]Entity, error)
	ListAll(ctx context.Context, db *gorm.DB) ([]Entity, error)
	UpdatePlacement(ctx context.Context, db *gorm.DB, entity *Entity) error
	Close(ctx context.Context, db *gorm.DB, tenantID string, ids []string, at time.Time) (int64, error)
}

type CreateRequest struct {
	TenantID  string     `json:"-"`
	ID        string     `json:"id" validate:"required,max=64"`
	Name      string     `json:"name" validate:"required,max=200"`
	LevelCode string     `json:"level_code" validate:"required,oneof=department project team cost_center"`
	ParentID  string     `json:"parent_id"`
	ValidFrom *time.Time `json:"valid_from"`
}

type MoveRequest struct {
	TenantID    string `json:"-"`
	ID          string `json:"-"`
	NewParentID string `json:"parent_id"`
}

// AdminService mutates the tree. Pipelines never call it.
type AdminService interface {
	Create(ctx context.Context, req CreateRequest) (*Entity, error)
	SoftDelete(ctx context.Context, tenantID, id string) (int64, error)
	Move(ctx context.Context, req MoveRequest) (*Entity, error)
	Get(ctx context.Context, tenantID, id string) (*Entity, error)
}

var (
	ErrInvalidEntityID = errors.New("invalid_entity_id")
	ErrInvalidName     = errors.New("invalid_name")
	ErrInvalidLevel    = errors.New("invalid_level_code")
	ErrInvalidTenant   = errors.New("invalid_tenant")
	ErrEntityExists    = errors.New("entity_exists")
	ErrNotFound        = errors.New("entity_not_found")
	ErrParentInactive  = errors.New("parent_inactive")
	ErrCycle           = errors.New("hierarchy_cycle")
	ErrNoMatch         = errors.New("no_hierarchy_match")
)

func ValidLevel(level string) bool {
	switch level {
	case LevelDepartment, LevelProject, LevelTeam, LevelCostCenter:
		return true
	}
	return false
}

// ValidEntityID accepts letters, digits, '-', '_' and '.'.
func ValidEntityID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}
