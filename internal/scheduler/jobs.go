package scheduler

import (
	"context"
	"errors"
	"time"

	pipelinedomain "github.com/smallbiznis/costflow/internal/pipeline/domain"
	providerdomain "github.com/smallbiznis/costflow/internal/provider/domain"
	quotadomain "github.com/smallbiznis/costflow/internal/quota/domain"
	"go.uber.org/zap"
)

const (
	scheduledDomain   = "usage"
	scheduledPipeline = "scheduled_daily"
)

// HierarchyRefreshJob reloads the in-memory hierarchy snapshot once per
// refresh interval.
func (s *Scheduler) HierarchyRefreshJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "hierarchy_refresh", 1)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now()

	s.mu.Lock()
	due := s.lastRefresh.IsZero() || now.Sub(s.lastRefresh) >= s.cfg.HierarchyRefresh
	s.mu.Unlock()
	if !due {
		return nil
	}
	if err := s.hierarchy.Refresh(ctx); err != nil {
		s.logJobError(ctx, run, "scheduler.hierarchy.refresh.failed", err)
		return err
	}
	s.mu.Lock()
	s.lastRefresh = now
	s.mu.Unlock()
	run.AddProcessed(1)
	return nil
}

// RecoverySweepJob fails runs whose heartbeat stopped so they can be retried.
func (s *Scheduler) RecoverySweepJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "recovery_sweep", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	return s.withJobLock(ctx, "recovery_sweep", func(ctx context.Context) error {
		n, err := s.runner.RecoverStale(ctx)
		run.AddProcessed(n)
		if err != nil {
			s.logJobError(ctx, run, "scheduler.recovery.failed", err)
		}
		return err
	})
}

// DispatchDueJob offers pending runs and retries whose backoff elapsed.
func (s *Scheduler) DispatchDueJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "dispatch_due", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	n, err := s.runner.DispatchDue(ctx)
	run.AddProcessed(n)
	if err != nil {
		s.logJobError(ctx, run, "scheduler.dispatch.failed", err)
	}
	return err
}

// ScheduledIngestJob triggers yesterday's ingestion for every enabled tenant
// provider once per UTC day, after the configured hour.
func (s *Scheduler) ScheduledIngestJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "scheduled_ingest", s.cfg.BatchSize)
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}
	now := s.clock.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if now.Hour() < s.cfg.IngestHourUTC {
		return nil
	}
	s.mu.Lock()
	done := s.lastIngestDay.Equal(today)
	s.mu.Unlock()
	if done {
		return nil
	}

	err := s.withJobLock(ctx, "scheduled_ingest", func(ctx context.Context) error {
		return s.triggerDaily(ctx, run, today.AddDate(0, 0, -1))
	})
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.lastIngestDay = today
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) triggerDaily(ctx context.Context, run *jobRun, day time.Time) error {
	providers, err := s.tenants.ListEnabledProviders(ctx, s.db)
	if err != nil {
		s.logJobError(ctx, run, "scheduler.ingest.list_failed", err)
		return err
	}

	var jobErr error
	for _, p := range providers {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		req := pipelinedomain.TriggerRequest{
			TenantID:     p.TenantID,
			Provider:     p.Provider,
			Domain:       scheduledDomain,
			PipelineName: scheduledPipeline,
			Range:        providerdomain.DateRange{Start: day, End: day},
		}
		exists, err := s.runs.ExistsActive(ctx, s.db, req)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			s.logJobError(ctx, run, "scheduler.ingest.lookup_failed", err, zap.String("tenant_id", p.TenantID), zap.String("provider", p.Provider))
			continue
		}
		if exists {
			run.IncSkipped()
			continue
		}

		triggered, err := s.runner.Trigger(ctx, req)
		switch {
		case err == nil:
			run.AddProcessed(1)
			s.logger(ctx).Debug("scheduler.ingest.triggered",
				zap.String("tenant_id", p.TenantID),
				zap.String("provider", p.Provider),
				zap.String("pipeline_run_id", triggered.ID.String()),
			)
		case errors.Is(err, quotadomain.ErrQuotaExceeded):
			// the tenant's own limits decide; not a scheduler failure
			run.IncSkipped()
			s.logger(ctx).Info("scheduler.ingest.quota_rejected",
				zap.String("tenant_id", p.TenantID),
				zap.String("provider", p.Provider),
				zap.Error(err),
			)
		default:
			jobErr = errors.Join(jobErr, err)
			s.logJobError(ctx, run, "scheduler.ingest.trigger_failed", err, zap.String("tenant_id", p.TenantID), zap.String("provider", p.Provider))
		}
	}
	return jobErr
}
