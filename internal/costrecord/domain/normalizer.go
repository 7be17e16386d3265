package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/oklog/ulid/v2"
	hierarchydomain "github.com/smallbiznis/costflow/internal/hierarchy/domain"
	providerdomain "github.com/smallbiznis/costflow/internal/provider/domain"
	"gorm.io/datatypes"
)

// PipelineID names the ingestion pipeline for a tenant, provider and domain.
func PipelineID(tenantID, provider, domain string) string {
	return strings.Join([]string{tenantID, provider, domain}, ":")
}

// ServiceSlug is the normalized service name used in the natural key.
func ServiceSlug(service string) string {
	s := slug.Make(service)
	if s == "" {
		return "unknown"
	}
	return s
}

// RunStamp is the lineage shared by every record one run writes. RunID is stable
// across retries of the same run.
type RunStamp struct {
	TenantID     string
	Provider     string
	Domain       string
	RunID        string
	Category     providerdomain.Family
	SourceSystem string
	IngestedAt   time.Time
}

// Normalizer merges processor output and the hierarchy resolution into cost records.
type Normalizer struct {
	newID func() string
}

func NewNormalizer() *Normalizer {
	return &Normalizer{newID: func() string { return ulid.Make().String() }}
}

// Normalize builds the record for raw. A nil resolution leaves the record unallocated.
func (n *Normalizer) Normalize(stamp RunStamp, raw providerdomain.RawUsageRecord, costs providerdomain.CostFields, res *hierarchydomain.Resolution) (CostRecord, error) {
	if raw.PeriodStart.IsZero() {
		return CostRecord{}, fmt.Errorf("%w: missing period start", ErrInvalidRecord)
	}
	currency := strings.ToUpper(strings.TrimSpace(costs.Currency))
	if len(currency) != 3 {
		return CostRecord{}, fmt.Errorf("%w: currency %q", ErrInvalidRecord, costs.Currency)
	}

	periodStart := raw.PeriodStart.UTC()
	periodEnd := raw.PeriodEnd.UTC()
	if raw.PeriodEnd.IsZero() || periodEnd.Before(periodStart) {
		periodEnd = periodStart.Add(24 * time.Hour)
	}

	labels := make(datatypes.JSONMap, len(raw.Labels))
	for k, v := range raw.Labels {
		labels[k] = v
	}

	source := stamp.SourceSystem
	if source == "" {
		source = stamp.Provider
	}
	ingestedAt := stamp.IngestedAt.UTC()

	record := CostRecord{
		ID:            n.newID(),
		TenantID:      stamp.TenantID,
		Provider:      stamp.Provider,
		Category:      string(stamp.Category),
		Service:       strings.TrimSpace(raw.Service),
		ServiceSlug:   ServiceSlug(raw.Service),
		AccountID:     strings.TrimSpace(raw.AccountID),
		ResourceID:    strings.TrimSpace(raw.ResourceID),
		UsageQuantity: raw.Quantity,
		UsageUnit:     raw.Unit,
		BilledCost:    costs.Billed,
		EffectiveCost: costs.Effective,
		ListCost:      costs.List,
		Currency:      currency,
		PeriodStart:   periodStart,
		PeriodEnd:     periodEnd,
		Labels:        labels,
		Lineage: Lineage{
			TenantID:     stamp.TenantID,
			PipelineID:   PipelineID(stamp.TenantID, stamp.Provider, stamp.Domain),
			RunID:        stamp.RunID,
			IngestedAt:   ingestedAt,
			SourceSystem: source,
		},
		CreatedAt: ingestedAt,
		UpdatedAt: ingestedAt,
	}
	if record.Service == "" {
		record.Service = record.ServiceSlug
	}
	if res != nil && res.EntityID != "" {
		record.Allocation = Allocation{
			EntityID:    ptr(res.EntityID),
			EntityName:  ptr(res.EntityName),
			LevelCode:   ptr(res.LevelCode),
			Path:        ptr(res.Path),
			DisplayPath: ptr(res.DisplayPath),
		}
	}
	return record, nil
}

func ptr(s string) *string { return &s }
