package service

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/costflow/internal/clock"
	"github.com/smallbiznis/costflow/internal/config"
	"github.com/smallbiznis/costflow/internal/tenant/domain"
	"github.com/smallbiznis/costflow/internal/tenant/repository"
	"github.com/smallbiznis/costflow/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type invalidations struct {
	tenants []string
}

func (i *invalidations) InvalidateTenant(_ context.Context, tenantID string) error {
	i.tenants = append(i.tenants, tenantID)
	return nil
}

func newService(t *testing.T) (domain.Service, *invalidations) {
	t.Helper()
	conn := dbtest.Open(t, &domain.Settings{})
	inv := &invalidations{}
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	svc := New(Params{
		DB:          conn,
		Log:         zap.NewNop(),
		Clock:       clk,
		Cfg:         config.Config{DefaultTimezone: "UTC"},
		Plans:       config.NewStaticPlanHolder(config.DefaultPlanConfig()),
		Repo:        repository.Provide(),
		Invalidator: inv,
	})
	return svc, inv
}

func TestGetDefaultsWithoutRow(t *testing.T) {
	svc, _ := newService(t)

	settings, err := svc.Get(context.Background(), " T1 ")
	require.NoError(t, err)
	assert.Equal(t, "t1", settings.TenantID)
	assert.Equal(t, config.DefaultPlanCode, settings.PlanCode)
	assert.Equal(t, "UTC", settings.Timezone)

	_, err = svc.Get(context.Background(), "  ")
	assert.ErrorIs(t, err, domain.ErrInvalidTenant)
}

func TestConfigureTimezoneInvalidatesCache(t *testing.T) {
	svc, inv := newService(t)
	ctx := context.Background()

	settings, err := svc.Configure(ctx, domain.ConfigureRequest{TenantID: "t1", Timezone: "Asia/Jakarta"})
	require.NoError(t, err)
	assert.Equal(t, "Asia/Jakarta", settings.Timezone)
	assert.Equal(t, []string{"t1"}, inv.tenants)

	settings, err = svc.Configure(ctx, domain.ConfigureRequest{TenantID: "t1", PlanCode: "Growth"})
	require.NoError(t, err)
	assert.Equal(t, "growth", settings.PlanCode)
	assert.Equal(t, "Asia/Jakarta", settings.Timezone)
	assert.Len(t, inv.tenants, 1)

	stored, err := svc.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "growth", stored.PlanCode)
}

func TestConfigureRejectsUnknownValues(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	_, err := svc.Configure(ctx, domain.ConfigureRequest{TenantID: "t1", PlanCode: "platinum"})
	assert.ErrorIs(t, err, domain.ErrUnknownPlan)

	_, err = svc.Configure(ctx, domain.ConfigureRequest{TenantID: "t1", Timezone: "Mars/Olympus"})
	assert.ErrorIs(t, err, domain.ErrInvalidTimezone)
}
