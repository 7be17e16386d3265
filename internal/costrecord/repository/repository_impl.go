package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/costflow/internal/costrecord/domain"
	hierarchydomain "github.com/smallbiznis/costflow/internal/hierarchy/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const upsertChunk = 200

var naturalKeyColumns = []clause.Column{
	{Name: "tenant_id"},
	{Name: "provider"},
	{Name: "service_slug"},
	{Name: "period_start"},
	{Name: "resource_id"},
}

// Columns rewritten when a later run hits an existing natural key. id and
// created_at keep their first values.
var mutableColumns = []string{
	"category",
	"service",
	"account_id",
	"usage_quantity",
	"usage_unit",
	"billed_cost",
	"effective_cost",
	"list_cost",
	"currency",
	"period_end",
	"labels",
	"lineage_tenant_id",
	"lineage_pipeline_id",
	"lineage_run_id",
	"lineage_ingested_at",
	"lineage_source_system",
	"entity_id",
	"entity_name",
	"level_code",
	"hierarchy_path",
	"hierarchy_display_path",
	"updated_at",
}

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// UpsertBatch writes records keyed by their natural key. Duplicate keys inside one
// batch collapse to the last occurrence.
func (r *repo) UpsertBatch(ctx context.Context, db *gorm.DB, records []domain.CostRecord) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	records = dedupe(records)
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   naturalKeyColumns,
			DoUpdates: clause.AssignmentColumns(mutableColumns),
		}).
		CreateInBatches(&records, upsertChunk)
	if res.Error != nil {
		return 0, res.Error
	}
	return int64(len(records)), nil
}

func dedupe(records []domain.CostRecord) []domain.CostRecord {
	index := make(map[domain.NaturalKey]int, len(records))
	out := make([]domain.CostRecord, 0, len(records))
	for _, rec := range records {
		key := rec.NaturalKey()
		if i, ok := index[key]; ok {
			out[i] = rec
			continue
		}
		index[key] = len(out)
		out = append(out, rec)
	}
	return out
}

// Aggregate sums native amounts per requested dimensions, currency and charge day.
// Conversion into a common currency is left to the caller.
func (r *repo) Aggregate(ctx context.Context, db *gorm.DB, q domain.AggregateQuery) ([]domain.AggregateRow, error) {
	dims := make([]string, 0, len(q.GroupBy))
	for _, dim := range q.GroupBy {
		if _, ok := domain.Dimensions[dim]; !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownDimension, dim)
		}
		dims = append(dims, dim)
	}

	selects := make([]string, 0, len(dims)+6)
	groups := make([]string, 0, len(dims)+2)
	for i, dim := range dims {
		col := domain.Dimensions[dim]
		selects = append(selects, fmt.Sprintf("%s AS d%d", col, i))
		groups = append(groups, col)
	}
	selects = append(selects,
		"currency",
		"period_start",
		"SUM(billed_cost) AS billed",
		"SUM(effective_cost) AS effective",
		"SUM(list_cost) AS list",
		"COUNT(*) AS records",
	)
	groups = append(groups, "currency", "period_start")

	tx := db.WithContext(ctx).
		Model(&domain.CostRecord{}).
		Select(strings.Join(selects, ", ")).
		Where("tenant_id = ?", q.TenantID)
	if !q.From.IsZero() {
		tx = tx.Where("period_start >= ?", q.From.UTC())
	}
	if !q.To.IsZero() {
		tx = tx.Where("period_start < ?", q.To.UTC())
	}
	if cond, args := hierarchydomain.SubtreeCondition("hierarchy_path", q.PathPrefix); cond != "" {
		tx = tx.Where(cond, args...)
	}

	filterKeys := make([]string, 0, len(q.Filters))
	for key := range q.Filters {
		filterKeys = append(filterKeys, key)
	}
	sort.Strings(filterKeys)
	for _, key := range filterKeys {
		col, ok := domain.Dimensions[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s", domain.ErrUnknownDimension, key)
		}
		if values := q.Filters[key]; len(values) > 0 {
			tx = tx.Where(col+" IN ?", values)
		}
	}

	rows, err := tx.Group(strings.Join(groups, ", ")).Order(strings.Join(groups, ", ")).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.AggregateRow
	for rows.Next() {
		dimValues := make([]sql.NullString, len(dims))
		var (
			currency  string
			period    any
			billed    decimal.NullDecimal
			effective decimal.NullDecimal
			list      decimal.NullDecimal
			count     int64
		)
		dest := make([]any, 0, len(dims)+6)
		for i := range dimValues {
			dest = append(dest, &dimValues[i])
		}
		dest = append(dest, &currency, &period, &billed, &effective, &list, &count)
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		day, err := asTime(period)
		if err != nil {
			return nil, err
		}

		row := domain.AggregateRow{
			Dimensions: make(map[string]string, len(dims)),
			Currency:   strings.TrimSpace(currency),
			Day:        day,
			Billed:     billed.Decimal,
			Effective:  effective.Decimal,
			List:       list.Decimal,
			Records:    count,
		}
		for i, dim := range dims {
			row.Dimensions[dim] = dimValues[i].String
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	time.DateOnly,
}

func asTime(value any) (time.Time, error) {
	var raw string
	switch v := value.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return time.Time{}, fmt.Errorf("unsupported period value %T", value)
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable period value %q", raw)
}
