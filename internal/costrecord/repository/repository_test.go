package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/costflow/internal/costrecord/domain"
	hierarchydomain "github.com/smallbiznis/costflow/internal/hierarchy/domain"
	providerdomain "github.com/smallbiznis/costflow/internal/provider/domain"
	"github.com/smallbiznis/costflow/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var day1 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func record(t *testing.T, runID, service, resource, currency string, amount int64, res *hierarchydomain.Resolution) domain.CostRecord {
	t.Helper()
	rec, err := domain.NewNormalizer().Normalize(
		domain.RunStamp{
			TenantID:   "t1",
			Provider:   "aws",
			Domain:     "billing",
			RunID:      runID,
			Category:   providerdomain.FamilyInfrastructure,
			IngestedAt: day1.Add(30 * time.Hour),
		},
		providerdomain.RawUsageRecord{
			Service:     service,
			ResourceID:  resource,
			Quantity:    decimal.NewFromInt(1),
			PeriodStart: day1,
		},
		providerdomain.CostFields{
			Billed:    decimal.NewFromInt(amount),
			Effective: decimal.NewFromInt(amount),
			List:      decimal.NewFromInt(amount),
			Currency:  currency,
		},
		res,
	)
	require.NoError(t, err)
	return rec
}

func listDay(ctx context.Context, conn *gorm.DB, day time.Time) ([]domain.CostRecord, error) {
	var items []domain.CostRecord
	err := conn.WithContext(ctx).
		Where("tenant_id = ? AND period_start >= ? AND period_start < ?", "t1", day, day.AddDate(0, 0, 1)).
		Order("period_start ASC, provider ASC, service_slug ASC, resource_id ASC").
		Find(&items).Error
	return items, err
}

func team(id, path string) *hierarchydomain.Resolution {
	return &hierarchydomain.Resolution{EntityID: id, EntityName: id, LevelCode: "team", Path: path, DisplayPath: path}
}

func TestUpsertBatchIsIdempotent(t *testing.T) {
	conn := dbtest.Open(t, &domain.CostRecord{})
	repo := Provide()
	ctx := context.Background()

	batch := func(runID string) []domain.CostRecord {
		return []domain.CostRecord{
			record(t, runID, "EC2", "i-1", "USD", 10, team("TEAM-3", "/DEPT-1/TEAM-3")),
			record(t, runID, "EC2", "i-2", "USD", 20, nil),
			record(t, runID, "S3", "bucket", "USD", 5, nil),
		}
	}

	_, err := repo.UpsertBatch(ctx, conn, batch("1"))
	require.NoError(t, err)
	first, err := listDay(ctx, conn, day1)
	require.NoError(t, err)
	require.Len(t, first, 3)

	_, err = repo.UpsertBatch(ctx, conn, batch("2"))
	require.NoError(t, err)
	second, err := listDay(ctx, conn, day1)
	require.NoError(t, err)
	require.Len(t, second, 3)

	for i := range second {
		assert.Equal(t, first[i].ID, second[i].ID, "row id survives overwrite")
		assert.Equal(t, "2", second[i].Lineage.RunID)
	}

	opts := cmp.Options{
		cmpopts.IgnoreFields(domain.CostRecord{}, "Lineage", "CreatedAt", "UpdatedAt", "PeriodStart", "PeriodEnd"),
		cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) }),
	}
	if diff := cmp.Diff(first, second, opts); diff != "" {
		t.Fatalf("records changed across identical runs (-first +second):\n%s", diff)
	}
}

func TestUpsertBatchCollapsesDuplicateKeys(t *testing.T) {
	conn := dbtest.Open(t, &domain.CostRecord{})
	repo := Provide()
	ctx := context.Background()

	n, err := repo.UpsertBatch(ctx, conn, []domain.CostRecord{
		record(t, "1", "EC2", "i-1", "USD", 10, nil),
		record(t, "1", "ec2", "i-1", "USD", 15, nil),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	items, err := listDay(ctx, conn, day1)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, decimal.NewFromInt(15).Equal(items[0].BilledCost))
}

func TestAggregateGroupsBySubtreeAndCurrency(t *testing.T) {
	conn := dbtest.Open(t, &domain.CostRecord{})
	repo := Provide()
	ctx := context.Background()

	_, err := repo.UpsertBatch(ctx, conn, []domain.CostRecord{
		record(t, "1", "EC2", "i-1", "USD", 10, team("TEAM-3", "/DEPT-1/TEAM-3")),
		record(t, "1", "EC2", "i-2", "EUR", 20, team("TEAM-4", "/DEPT-1/TEAM-4")),
		record(t, "1", "EC2", "i-3", "USD", 40, team("TEAM-9", "/DEPT-10/TEAM-9")),
		record(t, "1", "S3", "b-1", "USD", 5, nil),
	})
	require.NoError(t, err)

	rows, err := repo.Aggregate(ctx, conn, domain.AggregateQuery{
		TenantID:   "t1",
		GroupBy:    []string{"service"},
		From:       day1,
		To:         day1.AddDate(0, 0, 1),
		PathPrefix: "/DEPT-1",
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	totals := map[string]string{}
	for _, row := range rows {
		assert.Equal(t, "EC2", row.Dimensions["service"])
		assert.True(t, row.Day.Equal(day1))
		totals[row.Currency] = row.Billed.String()
	}
	assert.Equal(t, map[string]string{"USD": "10", "EUR": "20"}, totals)

	rows, err = repo.Aggregate(ctx, conn, domain.AggregateQuery{
		TenantID: "t1",
		GroupBy:  []string{"entity_id"},
		Filters:  map[string][]string{"service": {"S3"}},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "", rows[0].Dimensions["entity_id"])
	assert.Equal(t, int64(1), rows[0].Records)

	_, err = repo.Aggregate(ctx, conn, domain.AggregateQuery{TenantID: "t1", GroupBy: []string{"password"}})
	assert.ErrorIs(t, err, domain.ErrUnknownDimension)
}
