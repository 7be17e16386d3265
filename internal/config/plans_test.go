package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanFallsBackToDefault(t *testing.T) {
	cfg := DefaultPlanConfig()

	assert.Equal(t, cfg.Plans["growth"], cfg.Plan(" Growth "))
	assert.Equal(t, cfg.Plans[DefaultPlanCode], cfg.Plan("enterprise-legacy"))
}

func TestDecodePlansFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plans.yml")
	content := `
plans:
  default:
    max_providers: 3
    max_daily_runs: 10
    max_monthly_runs: 100
    max_concurrent_runs: 1
  Pro:
    max_providers: 8
    max_daily_runs: 0
    max_monthly_runs: 0
    max_concurrent_runs: 4
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := decodePlans(v)
	require.NoError(t, err)
	assert.Equal(t, PlanLimits{MaxProviders: 8, MaxConcurrentRuns: 4}, cfg.Plan("pro"))
	assert.Equal(t, 3, cfg.Plan("default").MaxProviders)
}

func TestValidatePlanConfig(t *testing.T) {
	assert.Error(t, validatePlanConfig(PlanConfig{}))
	assert.Error(t, validatePlanConfig(PlanConfig{Plans: map[string]PlanLimits{"pro": {}}}))
	assert.Error(t, validatePlanConfig(PlanConfig{Plans: map[string]PlanLimits{
		DefaultPlanCode: {MaxDailyRuns: -1},
	}}))
	assert.NoError(t, validatePlanConfig(DefaultPlanConfig()))
}

func TestStaticPlanHolder(t *testing.T) {
	holder := NewStaticPlanHolder(DefaultPlanConfig())
	assert.Equal(t, 3, holder.Get().Plan("starter").MaxProviders)
}
