package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/costflow/internal/cache"
	"github.com/smallbiznis/costflow/internal/clock"
	obsmetrics "github.com/smallbiznis/costflow/internal/observability/metrics"
	pipelinedomain "github.com/smallbiznis/costflow/internal/pipeline/domain"
	"github.com/smallbiznis/costflow/internal/ratelimit"
	tenantdomain "github.com/smallbiznis/costflow/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

// Runner is the part of the pipeline runner the scheduler drives.
type Runner interface {
	Trigger(ctx context.Context, req pipelinedomain.TriggerRequest) (*pipelinedomain.Run, error)
	DispatchDue(ctx context.Context) (int, error)
	RecoverStale(ctx context.Context) (int, error)
}

type SnapshotRefresher interface {
	Refresh(ctx context.Context) error
}

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Runner    Runner
	Hierarchy SnapshotRefresher
	Runs      pipelinedomain.Repository
	Tenants   tenantdomain.Repository
	Locker    ratelimit.RunLocker
	Config    Config `optional:"true"`
}

type Scheduler struct {
	db        *gorm.DB
	log       *zap.Logger
	cfg       Config
	genID     *snowflake.Node
	clock     clock.Clock
	runner    Runner
	hierarchy SnapshotRefresher
	runs      pipelinedomain.Repository
	tenants   tenantdomain.Repository
	locker    ratelimit.RunLocker

	mu            sync.Mutex
	lastRefresh   time.Time
	lastIngestDay time.Time
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Runner == nil || p.Hierarchy == nil || p.Runs == nil || p.Tenants == nil || p.Locker == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:        p.DB,
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       p.Config.withDefaults(),
		genID:     p.GenID,
		clock:     p.Clock,
		runner:    p.Runner,
		hierarchy: p.Hierarchy,
		runs:      p.Runs,
		tenants:   p.Tenants,
		locker:    p.Locker,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(ctx, run)
	}
	schedMetrics := obsmetrics.Scheduler()
	schedMetrics.IncJobRun(name)

	err := fn(ctx)
	schedMetrics.ObserveJobDuration(name, s.clock.Now().Sub(start))
	schedMetrics.AddBatchProcessed(name, "pipeline_run", run.processedCount)
	if owner {
		if err != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout; the next tick picks up the rest
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		schedMetrics.IncJobTimeout(name)
	}
	schedMetrics.IncJobError(name, err)
	if isTimeout {
		s.logger(ctx).Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes every enabled job once, in dependency order: the snapshot is
// refreshed before new runs are scheduled and stale runs are recovered before
// dispatch.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"hierarchy_refresh", s.isJobEnabled("hierarchy_refresh"), func(ctx context.Context) error {
			return s.runJob(ctx, "hierarchy_refresh", 1, 30*time.Second, s.HierarchyRefreshJob)
		}},
		{"recovery_sweep", s.isJobEnabled("recovery_sweep"), func(ctx context.Context) error {
			return s.runJob(ctx, "recovery_sweep", s.cfg.BatchSize, 30*time.Second, s.RecoverySweepJob)
		}},
		{"scheduled_ingest", s.isJobEnabled("scheduled_ingest"), func(ctx context.Context) error {
			return s.runJob(ctx, "scheduled_ingest", s.cfg.BatchSize, 2*time.Minute, s.ScheduledIngestJob)
		}},
		{"dispatch_due", s.isJobEnabled("dispatch_due"), func(ctx context.Context) error {
			return s.runJob(ctx, "dispatch_due", s.cfg.BatchSize, 30*time.Second, s.DispatchDueJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := time.Now()
	schedMetrics := obsmetrics.Scheduler()

	for {
		if lag := time.Since(nextRun); lag > 0 {
			schedMetrics.ObserveRunLoopLag(lag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// an empty list enables everything
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// withJobLock runs fn only if no other replica holds the job's lock.
func (s *Scheduler) withJobLock(ctx context.Context, job string, fn func(ctx context.Context) error) error {
	key := cache.Key("scheduler", job)
	token, ok, err := s.locker.TryLock(ctx, key, s.cfg.JobLockTTL)
	if err != nil {
		return err
	}
	if !ok {
		if run := jobRunFromContext(ctx); run != nil {
			run.IncSkipped()
		}
		return nil
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			s.logger(ctx).Warn("release scheduler lock", zap.String("job", job), zap.Error(err))
		}
	}()
	return fn(ctx)
}
