package scheduler

import (
	"time"

	"github.com/smallbiznis/costflow/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval      time.Duration
	BatchSize        int
	HierarchyRefresh time.Duration
	// IngestHourUTC is the hour after which yesterday's usage is ingested.
	IngestHourUTC int
	JobLockTTL    time.Duration
	EnabledJobs   []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:      time.Minute,
		BatchSize:        100,
		HierarchyRefresh: 5 * time.Minute,
		IngestHourUTC:    2,
		JobLockTTL:       5 * time.Minute,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:      cfg.Pipeline.SchedulerInterval,
		BatchSize:        cfg.Pipeline.QueueSize,
		HierarchyRefresh: cfg.Pipeline.HierarchyRefresh,
		IngestHourUTC:    cfg.Pipeline.ScheduledIngestUTC,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.HierarchyRefresh <= 0 {
		c.HierarchyRefresh = defaults.HierarchyRefresh
	}
	if c.IngestHourUTC < 0 || c.IngestHourUTC > 23 {
		c.IngestHourUTC = defaults.IngestHourUTC
	}
	if c.JobLockTTL <= 0 {
		c.JobLockTTL = defaults.JobLockTTL
	}
	return c
}
