package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CostRecord is the unified, provider agnostic cost row. Amounts stay in the
// provider's native currency; conversion happens at read time.
type CostRecord struct {
	ID            string            `json:"id" gorm:"primaryKey;type:text"`
	TenantID      string            `json:"tenant_id" gorm:"type:text;not null;uniqueIndex:ux_cost_records_natural_key,priority:1"`
	Provider      string            `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_cost_records_natural_key,priority:2"`
	Category      string            `json:"category" gorm:"type:text;not null"`
	Service       string            `json:"service" gorm:"type:text;not null"`
	ServiceSlug   string            `json:"service_slug" gorm:"type:text;not null;uniqueIndex:ux_cost_records_natural_key,priority:3"`
	AccountID     string            `json:"account_id" gorm:"type:text;not null;default:''"`
	ResourceID    string            `json:"resource_id" gorm:"type:text;not null;default:'';uniqueIndex:ux_cost_records_natural_key,priority:5"`
	UsageQuantity decimal.Decimal   `json:"usage_quantity" gorm:"type:numeric(28,10);not null"`
	UsageUnit     string            `json:"usage_unit" gorm:"type:text;not null;default:''"`
	BilledCost    decimal.Decimal   `json:"billed_cost" gorm:"type:numeric(28,10);not null"`
	EffectiveCost decimal.Decimal   `json:"effective_cost" gorm:"type:numeric(28,10);not null"`
	ListCost      decimal.Decimal   `json:"list_cost" gorm:"type:numeric(28,10);not null"`
	Currency      string            `json:"currency" gorm:"type:char(3);not null"`
	PeriodStart   time.Time         `json:"period_start" gorm:"not null;uniqueIndex:ux_cost_records_natural_key,priority:4"`
	PeriodEnd     time.Time         `json:"period_end" gorm:"not null"`
	Labels        datatypes.JSONMap `json:"labels" gorm:"not null"`
	Lineage       Lineage           `json:"lineage" gorm:"embedded;embeddedPrefix:lineage_"`
	Allocation    Allocation        `json:"hierarchy" gorm:"embedded"`
	CreatedAt     time.Time         `json:"created_at" gorm:"not null"`
	UpdatedAt     time.Time         `json:"updated_at" gorm:"not null"`
}

func (CostRecord) TableName() string { return "cost_records" }

// Lineage identifies the run that last wrote a record.
type Lineage struct {
	TenantID     string    `json:"tenant_id" gorm:"type:text;not null"`
	PipelineID   string    `json:"pipeline_id" gorm:"type:text;not null"`
	RunID        string    `json:"run_id" gorm:"type:text;not null"`
	IngestedAt   time.Time `json:"ingested_at" gorm:"not null"`
	SourceSystem string    `json:"source_system" gorm:"type:text;not null"`
}

// Allocation is the hierarchy block. All fields are nil for unallocated records.
type Allocation struct {
	EntityID    *string `json:"entity_id,omitempty" gorm:"column:entity_id;type:text"`
	EntityName  *string `json:"entity_name,omitempty" gorm:"column:entity_name;type:text"`
	LevelCode   *string `json:"level_code,omitempty" gorm:"column:level_code;type:text"`
	Path        *string `json:"path,omitempty" gorm:"column:hierarchy_path;type:text"`
	DisplayPath *string `json:"display_path,omitempty" gorm:"column:hierarchy_display_path;type:text"`
}

func (a Allocation) Allocated() bool {
	return a.EntityID != nil
}

// NaturalKey is the idempotency key of a cost record.
type NaturalKey struct {
	TenantID    string
	Provider    string
	ServiceSlug string
	PeriodStart time.Time
	ResourceID  string
}

func (r CostRecord) NaturalKey() NaturalKey {
	return NaturalKey{
		TenantID:    r.TenantID,
		Provider:    r.Provider,
		ServiceSlug: r.ServiceSlug,
		PeriodStart: r.PeriodStart.UTC(),
		ResourceID:  r.ResourceID,
	}
}

// Dimensions that aggregation queries may group or filter by, mapped to columns.
var Dimensions = map[string]string{
	"provider":     "provider",
	"category":     "category",
	"service":      "service",
	"account_id":   "account_id",
	"resource_id":  "resource_id",
	"usage_unit":   "usage_unit",
	"entity_id":    "entity_id",
	"entity_name":  "entity_name",
	"level_code":   "level_code",
	"path":         "hierarchy_path",
	"display_path": "hierarchy_display_path",
}

// AggregateQuery selects and groups native-currency totals. To is exclusive.
type AggregateQuery struct {
	TenantID   string
	GroupBy    []string
	Filters    map[string][]string
	From       time.Time
	To         time.Time
	PathPrefix string
}

// AggregateRow is one group of native totals for a single currency and charge day.
type AggregateRow struct {
	Dimensions map[string]string
	Currency   string
	Day        time.Time
	Billed     decimal.Decimal
	Effective  decimal.Decimal
	List       decimal.Decimal
	Records    int64
}

var (
	ErrUnknownDimension = errors.New("unknown_dimension")
	ErrInvalidRecord    = errors.New("invalid_cost_record")
)

type Repository interface {
	UpsertBatch(ctx context.Context, db *gorm.DB, records []CostRecord) (int64, error)
	Aggregate(ctx context.Context, db *gorm.DB, q AggregateQuery) ([]AggregateRow, error)
}
