package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/costflow/internal/cache"
	costdomain "github.com/smallbiznis/costflow/internal/costrecord/domain"
	credentialdomain "github.com/smallbiznis/costflow/internal/credential/domain"
	hierarchydomain "github.com/smallbiznis/costflow/internal/hierarchy/domain"
	obscontext "github.com/smallbiznis/costflow/internal/observability/context"
	obslogger "github.com/smallbiznis/costflow/internal/observability/logger"
	"github.com/smallbiznis/costflow/internal/pipeline/domain"
	providerdomain "github.com/smallbiznis/costflow/internal/provider/domain"
	quotadomain "github.com/smallbiznis/costflow/internal/quota/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type heldLock struct {
	key   string
	token string
}

// process executes a single attempt of run id. Every outcome is persisted before
// it returns; errors are only logged.
func (r *Runner) process(ctx context.Context, id snowflake.ID) {
	log := r.log.With(zap.String("run_id", id.String()))

	run, err := r.repo.Get(ctx, r.db, id)
	if err != nil {
		log.Error("load run", zap.Error(err))
		return
	}
	if run == nil {
		return
	}
	if run.Status != domain.StatusPending && run.Status != domain.StatusRetrying {
		return
	}
	if run.CancelRequested {
		r.finishCancelled(ctx, run, run.Status)
		return
	}

	ctx = obscontext.WithTenantID(ctx, run.TenantID)
	ctx = obscontext.WithRunID(ctx, run.ID.String())
	log = log.With(zap.String("tenant_id", run.TenantID), zap.String("provider", run.Provider))

	locks, err := r.acquire(ctx, run)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Error("acquire run lock", zap.Error(err))
			r.enqueueAfter(run.ID, r.cfg.LockPollInterval)
		}
		return
	}
	defer r.release(context.WithoutCancel(ctx), locks)

	from := run.Status
	ok, err := r.claim(ctx, run)
	if err != nil {
		if rej, isRej := quotadomain.AsRejection(err); isRej {
			log.Info("run deferred by concurrency limit", zap.Int("limit", rej.Limit), zap.Int("running", rej.Current))
		} else if !errors.Is(err, context.Canceled) {
			log.Error("start run", zap.Error(err))
		}
		if !errors.Is(err, context.Canceled) {
			r.enqueueAfter(run.ID, r.cfg.QuotaDeferDelay)
		}
		return
	}
	if !ok {
		// cancelled or claimed by another worker between load and lock
		return
	}
	r.metrics.IncRunTransition(string(from), string(domain.StatusRunning))

	run, err = r.repo.Get(ctx, r.db, id)
	if err != nil || run == nil {
		log.Error("reload run", zap.Error(err))
		return
	}

	attemptCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	r.mu.Lock()
	r.active[run.ID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.active, run.ID)
		r.mu.Unlock()
	}()

	stopBeat := r.heartbeat(attemptCtx, cancel, run.ID, locks)
	start := time.Now()
	execErr := r.execute(attemptCtx, run)
	stopBeat()
	if execErr == nil {
		if cause := context.Cause(attemptCtx); cause != nil && !errors.Is(cause, context.Canceled) {
			execErr = cause
		}
	}
	r.finish(context.WithoutCancel(ctx), run, execErr, time.Since(start))
}

// claim moves run to Running. The concurrency check and the transition happen
// under the tenant's admission lock so simultaneous dequeues cannot overshoot
// the limit.
func (r *Runner) claim(ctx context.Context, run *domain.Run) (bool, error) {
	var ok bool
	err := r.quota.Admit(ctx, run.TenantID, func(ctx context.Context) error {
		if err := r.quota.CheckConcurrency(ctx, run.TenantID); err != nil {
			return err
		}
		now := r.clock.Now().UTC()
		var err error
		ok, err = r.repo.Transition(ctx, r.db, domain.Transition{
			RunID: run.ID,
			From:  []domain.Status{run.Status},
			To:    domain.StatusRunning,
			At:    now,
			Fields: map[string]any{
				"attempts":        gorm.Expr("attempts + ?", 1),
				"started_at":      now,
				"next_attempt_at": nil,
			},
		})
		return err
	})
	return ok, err
}

func (r *Runner) execute(ctx context.Context, run *domain.Run) error {
	proc, err := r.registry.Get(run.Provider)
	if err != nil {
		return err
	}
	stamp := costdomain.RunStamp{
		TenantID:     run.TenantID,
		Provider:     run.Provider,
		Domain:       run.Domain,
		RunID:        run.ID.String(),
		Category:     proc.Family(),
		SourceSystem: run.PipelineName,
		IngestedAt:   r.clock.Now().UTC(),
	}
	req := providerdomain.ExtractRequest{
		TenantID:  run.TenantID,
		Range:     run.Range(),
		BatchSize: r.cfg.BatchSize,
	}
	log := obslogger.FromContext(ctx).With(zap.String("run_id", run.ID.String()))

	sink := func(ctx context.Context, batch []providerdomain.RawUsageRecord) error {
		if err := r.checkCancelled(ctx, run.ID); err != nil {
			return err
		}
		records := make([]costdomain.CostRecord, 0, len(batch))
		var unallocated int64
		for _, raw := range batch {
			costs, err := proc.CalculateCosts(raw)
			if err != nil {
				if !providerdomain.IsTransient(err) && !providerdomain.IsPermanent(err) {
					err = providerdomain.Permanent(run.Provider, "calculate_costs", err)
				}
				return err
			}
			var res *hierarchydomain.Resolution
			resolved, err := r.resolver.Resolve(run.TenantID, raw.Labels)
			switch {
			case err == nil:
				res = &resolved
			case errors.Is(err, hierarchydomain.ErrNoMatch):
				unallocated++
			default:
				return err
			}
			rec, err := r.normalizer.Normalize(stamp, raw, costs, res)
			if err != nil {
				return providerdomain.Permanent(run.Provider, "normalize", err)
			}
			records = append(records, rec)
		}
		if unallocated > 0 {
			log.Warn("records without hierarchy match", zap.Int64("count", unallocated))
		}
		return r.write(ctx, run, records, unallocated)
	}

	if err := r.extSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.extSem.Release(1)
	return credentialdomain.WithCredential(ctx, r.credentials, run.TenantID, run.Provider, func(cred *providerdomain.Credential) error {
		return proc.ExtractUsage(ctx, cred, req, sink)
	})
}

func (r *Runner) write(ctx context.Context, run *domain.Run, records []costdomain.CostRecord, unallocated int64) error {
	if len(records) == 0 {
		return nil
	}
	if err := r.writeSem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.writeSem.Release(1)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := r.records.UpsertBatch(ctx, tx, records); err != nil {
			return err
		}
		return r.repo.AddProgress(ctx, tx, run.ID, int64(len(records)), unallocated, r.clock.Now().UTC())
	})
	if err != nil {
		return err
	}
	r.metrics.AddRecordsUpserted(run.Provider, len(records))
	r.metrics.AddRecordsUnallocated(run.Provider, int(unallocated))
	if r.otel != nil {
		r.otel.RecordRecordsWritten(ctx, run.Provider, len(records))
	}
	return nil
}

func (r *Runner) checkCancelled(ctx context.Context, id snowflake.ID) error {
	if cause := context.Cause(ctx); cause != nil {
		return cause
	}
	requested, err := r.repo.CancelRequested(ctx, r.db, id)
	if err != nil {
		return err
	}
	if requested {
		return domain.ErrRunCancelled
	}
	return nil
}

func (r *Runner) finish(ctx context.Context, run *domain.Run, err error, elapsed time.Duration) {
	log := r.log.With(zap.String("run_id", run.ID.String()), zap.String("provider", run.Provider))
	now := r.clock.Now().UTC()

	if err == nil {
		ok, terr := r.repo.Transition(ctx, r.db, domain.Transition{
			RunID: run.ID,
			From:  []domain.Status{domain.StatusRunning},
			To:    domain.StatusSucceeded,
			At:    now,
			Fields: map[string]any{
				"finished_at": now,
				"last_error":  nil,
				"error_kind":  nil,
			},
		})
		if terr != nil || !ok {
			log.Error("mark run succeeded", zap.Error(terr), zap.Bool("transitioned", ok))
			return
		}
		r.metrics.IncRunTransition(string(domain.StatusRunning), string(domain.StatusSucceeded))
		r.metrics.ObserveAttempt(run.Provider, "succeeded", elapsed)
		if r.otel != nil {
			r.otel.RecordProviderCall(ctx, run.Provider, "succeeded")
		}
		if r.invalidator != nil {
			if ierr := r.invalidator.InvalidateTenant(ctx, run.TenantID); ierr != nil {
				log.Warn("invalidate aggregation cache", zap.Error(ierr))
			}
		}
		log.Info("pipeline run succeeded", zap.Int("attempts", run.Attempts), zap.Duration("elapsed", elapsed))
		return
	}

	cancelled := errors.Is(err, domain.ErrRunCancelled)
	if !cancelled {
		if requested, _ := r.repo.CancelRequested(ctx, r.db, run.ID); requested && errors.Is(err, context.Canceled) {
			cancelled = true
		}
	}
	if cancelled {
		r.metrics.ObserveAttempt(run.Provider, "cancelled", elapsed)
		r.finishCancelled(ctx, run, domain.StatusRunning)
		return
	}

	kind := classify(err)
	if errors.Is(err, domain.ErrLockLost) {
		kind = domain.ErrorKindStale
	}
	if errors.Is(err, context.Canceled) && r.stopped.Load() {
		// shutdown interrupted the attempt; not the provider's fault
		kind = domain.ErrorKindTransient
	}
	r.metrics.ObserveAttempt(run.Provider, "failed", elapsed)
	r.metrics.IncProviderError(run.Provider, string(kind))
	if r.otel != nil {
		r.otel.RecordProviderCall(ctx, run.Provider, string(kind))
	}

	retry := (kind == domain.ErrorKindTransient || kind == domain.ErrorKindStale) && r.policy.ShouldRetry(run.Attempts)
	delay := r.policy.Delay(run.Attempts)
	retried, ferr := r.fail(ctx, run, kind, err, retry, delay)
	if ferr != nil {
		log.Error("mark run failed", zap.Error(ferr))
		return
	}
	log.Warn("pipeline run attempt failed",
		zap.Error(err),
		zap.String("error_kind", string(kind)),
		zap.Int("attempts", run.Attempts),
		zap.Bool("retrying", retried),
		zap.Duration("retry_in", delay),
	)
}

func (r *Runner) finishCancelled(ctx context.Context, run *domain.Run, from domain.Status) {
	now := r.clock.Now().UTC()
	ok, err := r.repo.Transition(ctx, r.db, domain.Transition{
		RunID: run.ID,
		From:  []domain.Status{from},
		To:    domain.StatusCancelled,
		At:    now,
		Fields: map[string]any{
			"finished_at":     now,
			"next_attempt_at": nil,
		},
	})
	if err != nil {
		r.log.Error("mark run cancelled", zap.String("run_id", run.ID.String()), zap.Error(err))
		return
	}
	if ok {
		r.metrics.IncRunTransition(string(from), string(domain.StatusCancelled))
		r.log.Info("pipeline run cancelled", zap.String("run_id", run.ID.String()))
	}
}

func lockKeys(run *domain.Run) []string {
	days := run.Range().Days()
	keys := make([]string, 0, len(days))
	for _, d := range days {
		keys = append(keys, cache.Key("run", run.TenantID, run.Provider, run.Domain, d.Format(time.DateOnly)))
	}
	return keys
}

// acquire takes the per-day locks in ascending day order, polling until every key
// is held. Overlapping ranges of the same tuple therefore serialize.
func (r *Runner) acquire(ctx context.Context, run *domain.Run) ([]heldLock, error) {
	start := time.Now()
	keys := lockKeys(run)
	held := make([]heldLock, 0, len(keys))
	for _, key := range keys {
		for {
			token, ok, err := r.locker.TryLock(ctx, key, r.cfg.LockTTL)
			if err != nil {
				r.release(context.WithoutCancel(ctx), held)
				return nil, err
			}
			if ok {
				held = append(held, heldLock{key: key, token: token})
				break
			}
			select {
			case <-ctx.Done():
				r.release(context.WithoutCancel(ctx), held)
				return nil, ctx.Err()
			case <-time.After(r.cfg.LockPollInterval):
			}
		}
	}
	r.metrics.ObserveLockWait(time.Since(start))
	return held, nil
}

func (r *Runner) release(ctx context.Context, locks []heldLock) {
	for i := len(locks) - 1; i >= 0; i-- {
		if err := r.locker.Release(ctx, locks[i].key, locks[i].token); err != nil {
			r.log.Warn("release run lock", zap.String("key", locks[i].key), zap.Error(err))
		}
	}
}

// heartbeat refreshes the locks and the run's updated_at until stopped. Losing a
// lock cancels the attempt.
func (r *Runner) heartbeat(ctx context.Context, cancel context.CancelCauseFunc, id snowflake.ID, locks []heldLock) func() {
	interval := r.cfg.LockTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, l := range locks {
					ok, err := r.locker.Refresh(ctx, l.key, l.token, r.cfg.LockTTL)
					if err != nil {
						r.log.Warn("refresh run lock", zap.String("key", l.key), zap.Error(err))
						continue
					}
					if !ok {
						cancel(domain.ErrLockLost)
						return
					}
				}
				if _, err := r.repo.Transition(ctx, r.db, domain.Transition{
					RunID: id,
					From:  []domain.Status{domain.StatusRunning},
					To:    domain.StatusRunning,
					At:    r.clock.Now().UTC(),
				}); err != nil {
					r.log.Warn("run heartbeat", zap.String("run_id", id.String()), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}
