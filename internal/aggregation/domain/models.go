package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is the reporting currency when a query names none.
const DefaultCurrency = "USD"

// Query asks for converted cost totals grouped by dimensions. From and To are
// inclusive UTC calendar days.
type Query struct {
	TenantID   string              `json:"tenant_id"`
	GroupBy    []string            `json:"group_by"`
	Filters    map[string][]string `json:"filters"`
	From       time.Time           `json:"from"`
	To         time.Time           `json:"to"`
	Currency   string              `json:"currency"`
	PathPrefix string              `json:"path_prefix"`
	// Bypass skips cache reads. The fresh result still repopulates the cache.
	Bypass bool `json:"-"`
}

// Group is one row of the result: totals in the query currency.
type Group struct {
	Dimensions map[string]string `json:"dimensions"`
	Billed     decimal.Decimal   `json:"billed_cost"`
	Effective  decimal.Decimal   `json:"effective_cost"`
	List       decimal.Decimal   `json:"list_cost"`
	Records    int64             `json:"records"`
	// Stale is set when any contributing conversion used an old rate.
	Stale bool `json:"stale"`
}

// StaleRate names a rate older than the staleness threshold that a result used.
type StaleRate struct {
	From          string    `json:"from"`
	To            string    `json:"to"`
	EffectiveDate time.Time `json:"effective_date"`
}

type Result struct {
	Fingerprint string      `json:"fingerprint"`
	TenantID    string      `json:"tenant_id"`
	Currency    string      `json:"currency"`
	GroupBy     []string    `json:"group_by"`
	From        time.Time   `json:"from"`
	To          time.Time   `json:"to"`
	Groups      []Group     `json:"groups"`
	StaleRates  []StaleRate `json:"stale_rates"`
	ComputedAt  time.Time   `json:"computed_at"`
	ExpiresAt   time.Time   `json:"expires_at"`
	Cached      bool        `json:"cached"`
}

type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Bypasses      int64 `json:"bypasses"`
	Evictions     int64 `json:"evictions"`
	Invalidations int64 `json:"invalidations"`
	Entries       int   `json:"entries"`
}

var (
	ErrInvalidTenant = errors.New("invalid_tenant")
	ErrInvalidRange  = errors.New("invalid_date_range")
	ErrMissingRate   = errors.New("exchange_rate_missing")
)

type Service interface {
	Aggregate(ctx context.Context, q Query) (*Result, error)
	InvalidateTenant(ctx context.Context, tenantID string) error
	Stats() Stats
}
