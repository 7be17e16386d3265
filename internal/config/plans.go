package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const DefaultPlanCode = "default"

// PlanLimits bounds how much pipeline work a tenant may schedule.
// A zero limit means unlimited.
type PlanLimits struct {
	MaxProviders      int `mapstructure:"max_providers"`
	MaxDailyRuns      int `mapstructure:"max_daily_runs"`
	MaxMonthlyRuns    int `mapstructure:"max_monthly_runs"`
	MaxConcurrentRuns int `mapstructure:"max_concurrent_runs"`
}

type PlanConfig struct {
	Plans map[string]PlanLimits `mapstructure:"plans"`
}

// Plan returns the limits for code, falling back to the default plan.
func (c PlanConfig) Plan(code string) PlanLimits {
	code = strings.ToLower(strings.TrimSpace(code))
	if limits, ok := c.Plans[code]; ok {
		return limits
	}
	return c.Plans[DefaultPlanCode]
}

func DefaultPlanConfig() PlanConfig {
	return PlanConfig{
		Plans: map[string]PlanLimits{
			"default": {MaxProviders: 3, MaxDailyRuns: 24, MaxMonthlyRuns: 500, MaxConcurrentRuns: 2},
			"starter": {MaxProviders: 3, MaxDailyRuns: 24, MaxMonthlyRuns: 500, MaxConcurrentRuns: 2},
			"growth":  {MaxProviders: 10, MaxDailyRuns: 96, MaxMonthlyRuns: 2500, MaxConcurrentRuns: 5},
			"scale":   {MaxProviders: 0, MaxDailyRuns: 0, MaxMonthlyRuns: 0, MaxConcurrentRuns: 20},
		},
	}
}

type PlanHolder struct {
	current atomic.Value // holds PlanConfig
}

// NewStaticPlanHolder returns a holder that never reloads.
func NewStaticPlanHolder(cfg PlanConfig) *PlanHolder {
	holder := &PlanHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewPlanHolder() (*PlanHolder, error) {
	v := viper.New()

	v.SetConfigName("plans")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/costflow/config")
	v.AddConfigPath("/etc/costflow")
	v.AddConfigPath(".")

	v.SetEnvPrefix("COSTFLOW_PLANS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fromFile := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fromFile = false
	}

	cfg := DefaultPlanConfig()
	if fromFile {
		loaded, err := decodePlans(v)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	holder := NewStaticPlanHolder(cfg)
	if !fromFile {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodePlans(v)
		if err != nil {
			log.Printf("[plan-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[plan-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PlanHolder) Get() PlanConfig {
	return h.current.Load().(PlanConfig)
}

func decodePlans(v *viper.Viper) (PlanConfig, error) {
	var cfg PlanConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return PlanConfig{}, err
	}
	normalized := make(map[string]PlanLimits, len(cfg.Plans))
	for code, limits := range cfg.Plans {
		normalized[strings.ToLower(strings.TrimSpace(code))] = limits
	}
	cfg.Plans = normalized
	if err := validatePlanConfig(cfg); err != nil {
		return PlanConfig{}, err
	}
	return cfg, nil
}

func validatePlanConfig(cfg PlanConfig) error {
	if len(cfg.Plans) == 0 {
		return errors.New("plans cannot be empty")
	}
	if _, ok := cfg.Plans[DefaultPlanCode]; !ok {
		return fmt.Errorf("plans.%s is required", DefaultPlanCode)
	}
	for code, limits := range cfg.Plans {
		if limits.MaxProviders < 0 || limits.MaxDailyRuns < 0 || limits.MaxMonthlyRuns < 0 || limits.MaxConcurrentRuns < 0 {
			return fmt.Errorf("plans.%s: limits cannot be negative", code)
		}
	}
	return nil
}
