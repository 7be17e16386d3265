package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	hierarchydomain "github.com/smallbiznis/costflow/internal/hierarchy/domain"
	providerdomain "github.com/smallbiznis/costflow/internal/provider/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stamp() RunStamp {
	return RunStamp{
		TenantID:   "t1",
		Provider:   "aws",
		Domain:     "billing",
		RunID:      "42",
		Category:   providerdomain.FamilyInfrastructure,
		IngestedAt: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
	}
}

func raw() providerdomain.RawUsageRecord {
	return providerdomain.RawUsageRecord{
		Provider:    "aws",
		AccountID:   "111",
		ResourceID:  "i-abc",
		Service:     "Amazon EC2",
		Labels:      map[string]string{"team": "TEAM-3"},
		Quantity:    decimal.NewFromInt(24),
		Unit:        "Hrs",
		PeriodStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestNormalizeStampsLineageAndHierarchy(t *testing.T) {
	n := NewNormalizer()
	costs := providerdomain.CostFields{
		Billed:    decimal.RequireFromString("12.5"),
		Effective: decimal.RequireFromString("12.5"),
		List:      decimal.RequireFromString("14"),
		Currency:  "usd",
	}
	res := &hierarchydomain.Resolution{
		EntityID:    "TEAM-3",
		EntityName:  "Payments",
		LevelCode:   hierarchydomain.LevelTeam,
		Path:        "/DEPT-1/PROJ-2/TEAM-3",
		DisplayPath: "Engineering / Checkout / Payments",
	}

	rec, err := n.Normalize(stamp(), raw(), costs, res)
	require.NoError(t, err)

	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, "amazon-ec2", rec.ServiceSlug)
	assert.Equal(t, "Amazon EC2", rec.Service)
	assert.Equal(t, "USD", rec.Currency)
	assert.Equal(t, "t1:aws:billing", rec.Lineage.PipelineID)
	assert.Equal(t, "42", rec.Lineage.RunID)
	assert.Equal(t, "aws", rec.Lineage.SourceSystem)
	assert.Equal(t, "infrastructure", rec.Category)
	assert.Equal(t, rec.PeriodStart.Add(24*time.Hour), rec.PeriodEnd)
	require.True(t, rec.Allocation.Allocated())
	assert.Equal(t, "/DEPT-1/PROJ-2/TEAM-3", *rec.Allocation.Path)
	assert.True(t, costs.Billed.Equal(rec.BilledCost))
}

func TestNormalizeUnallocatedAndInvalid(t *testing.T) {
	n := NewNormalizer()
	costs := providerdomain.CostFields{Billed: decimal.NewFromInt(1), Currency: "EUR"}

	rec, err := n.Normalize(stamp(), raw(), costs, nil)
	require.NoError(t, err)
	assert.False(t, rec.Allocation.Allocated())
	assert.Nil(t, rec.Allocation.Path)

	bad := raw()
	bad.PeriodStart = time.Time{}
	_, err = n.Normalize(stamp(), bad, costs, nil)
	assert.ErrorIs(t, err, ErrInvalidRecord)

	_, err = n.Normalize(stamp(), raw(), providerdomain.CostFields{Currency: "EURO"}, nil)
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestNaturalKeyIgnoresRunIdentity(t *testing.T) {
	n := NewNormalizer()
	costs := providerdomain.CostFields{Billed: decimal.NewFromInt(1), Currency: "USD"}
	first, err := n.Normalize(stamp(), raw(), costs, nil)
	require.NoError(t, err)

	later := stamp()
	later.RunID = "43"
	second, err := n.Normalize(later, raw(), costs, nil)
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, first.NaturalKey(), second.NaturalKey())
}

func TestPipelineIDAndSlug(t *testing.T) {
	assert.Equal(t, "acme:openai:usage", PipelineID("acme", "openai", "usage"))
	assert.Equal(t, "unknown", ServiceSlug("  "))
	assert.Equal(t, "gpt-4o", ServiceSlug("GPT 4o"))
}
