package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/costflow/internal/clock"
	"github.com/smallbiznis/costflow/internal/config"
	costdomain "github.com/smallbiznis/costflow/internal/costrecord/domain"
	credentialdomain "github.com/smallbiznis/costflow/internal/credential/domain"
	obsmetrics "github.com/smallbiznis/costflow/internal/observability/metrics"
	"github.com/smallbiznis/costflow/internal/pipeline/domain"
	providerdomain "github.com/smallbiznis/costflow/internal/provider/domain"
	quotadomain "github.com/smallbiznis/costflow/internal/quota/domain"
	"github.com/smallbiznis/costflow/internal/ratelimit"
	tenantdomain "github.com/smallbiznis/costflow/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	Cfg         config.Config
	GenID       *snowflake.Node
	Repo        domain.Repository
	Registry    *providerdomain.Registry
	Credentials credentialdomain.Store
	Resolver    domain.Resolver
	Normalizer  *costdomain.Normalizer
	Records     costdomain.Repository
	Quota       quotadomain.Enforcer
	Tenants     tenantdomain.Repository
	Locker      ratelimit.RunLocker
	Invalidator domain.CacheInvalidator `optional:"true"`
	Metrics     *obsmetrics.Metrics     `optional:"true"`
}

// Runner owns pipeline run state transitions and the bounded worker pool that
// executes attempts.
type Runner struct {
	db          *gorm.DB
	log         *zap.Logger
	clock       clock.Clock
	cfg         config.PipelineConfig
	genID       *snowflake.Node
	repo        domain.Repository
	registry    *providerdomain.Registry
	credentials credentialdomain.Store
	resolver    domain.Resolver
	normalizer  *costdomain.Normalizer
	records     costdomain.Repository
	quota       quotadomain.Enforcer
	tenants     tenantdomain.Repository
	locker      ratelimit.RunLocker
	invalidator domain.CacheInvalidator
	otel        *obsmetrics.Metrics
	metrics     *obsmetrics.PipelineMetrics
	policy      domain.RetryPolicy

	extSem   *semaphore.Weighted
	writeSem *semaphore.Weighted
	queue    chan snowflake.ID

	mu      sync.Mutex
	queued  map[snowflake.ID]struct{}
	timers  map[snowflake.ID]*time.Timer
	active  map[snowflake.ID]context.CancelCauseFunc
	stopped atomic.Bool
	started atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

func New(p Params) *Runner {
	cfg := withDefaults(p.Cfg.Pipeline)
	return &Runner{
		db:          p.DB,
		log:         p.Log.Named("pipeline.runner"),
		clock:       p.Clock,
		cfg:         cfg,
		genID:       p.GenID,
		repo:        p.Repo,
		registry:    p.Registry,
		credentials: p.Credentials,
		resolver:    p.Resolver,
		normalizer:  p.Normalizer,
		records:     p.Records,
		quota:       p.Quota,
		tenants:     p.Tenants,
		locker:      p.Locker,
		invalidator: p.Invalidator,
		otel:        p.Metrics,
		metrics:     obsmetrics.Pipeline(),
		policy: domain.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			Initial:     cfg.BackoffInitial,
			Max:         cfg.BackoffMax,
			Multiplier:  2,
			Jitter:      0.2,
		},
		extSem:   semaphore.NewWeighted(int64(cfg.MaxExternalCalls)),
		writeSem: semaphore.NewWeighted(int64(cfg.MaxWrites)),
		queue:    make(chan snowflake.ID, cfg.QueueSize),
		queued:   map[snowflake.ID]struct{}{},
		timers:   map[snowflake.ID]*time.Timer{},
		active:   map[snowflake.ID]context.CancelCauseFunc{},
	}
}

func withDefaults(c config.PipelineConfig) config.PipelineConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxExternalCalls <= 0 {
		c.MaxExternalCalls = c.Workers
	}
	if c.MaxWrites <= 0 {
		c.MaxWrites = c.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 2 * time.Minute
	}
	if c.LockPollInterval <= 0 {
		c.LockPollInterval = 500 * time.Millisecond
	}
	if c.QuotaDeferDelay <= 0 {
		c.QuotaDeferDelay = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	return c
}

// Start launches the worker pool. It is a no-op when already started.
func (r *Runner) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	r.group = g
	for i := 0; i < r.cfg.Workers; i++ {
		g.Go(func() error {
			r.work(ctx)
			return nil
		})
	}
	r.log.Info("pipeline runner started", zap.Int("workers", r.cfg.Workers))
}

// Stop cancels in-flight attempts and waits for the workers to exit. Interrupted
// attempts are parked as retrying so the next process picks them up.
func (r *Runner) Stop(ctx context.Context) error {
	if !r.started.Load() || !r.stopped.CompareAndSwap(false, true) {
		return nil
	}
	r.mu.Lock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
	r.mu.Unlock()

	r.cancel()
	done := make(chan error, 1)
	go func() { done <- r.group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-r.queue:
			r.mu.Lock()
			delete(r.queued, id)
			r.mu.Unlock()
			r.process(ctx, id)
		}
	}
}

// enqueue hands id to the pool. A full queue is not an error: the dispatch sweep
// re-offers pending rows later.
func (r *Runner) enqueue(id snowflake.ID) bool {
	if !r.started.Load() || r.stopped.Load() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queued[id]; ok {
		return true
	}
	select {
	case r.queue <- id:
		r.queued[id] = struct{}{}
		return true
	default:
		r.log.Warn("pipeline queue full, run left for dispatch", zap.String("run_id", id.String()))
		return false
	}
}

func (r *Runner) enqueueAfter(id snowflake.ID, delay time.Duration) {
	if r.stopped.Load() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[id]; ok {
		t.Stop()
	}
	r.timers[id] = time.AfterFunc(delay, func() {
		r.mu.Lock()
		delete(r.timers, id)
		r.mu.Unlock()
		r.enqueue(id)
	})
}

func (r *Runner) Trigger(ctx context.Context, req domain.TriggerRequest) (*domain.Run, error) {
	req, err := r.normalizeRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	if r.stopped.Load() {
		return nil, domain.ErrRunnerStopped
	}

	now := r.clock.Now().UTC()
	run := &domain.Run{
		ID:           r.genID.Generate(),
		TenantID:     req.TenantID,
		Provider:     req.Provider,
		Domain:       req.Domain,
		PipelineName: req.PipelineName,
		RangeStart:   req.Range.Start,
		RangeEnd:     req.Range.End,
		Status:       domain.StatusPending,
		MaxAttempts:  r.policy.MaxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	// The count behind the daily and monthly limits includes this insert, so
	// both happen under the tenant's admission lock.
	err = r.quota.Admit(ctx, req.TenantID, func(ctx context.Context) error {
		if err := r.quota.CheckRun(ctx, req.TenantID); err != nil {
			return err
		}
		return r.repo.Insert(ctx, r.db, run)
	})
	if err != nil {
		if rej, ok := quotadomain.AsRejection(err); ok && r.otel != nil {
			r.otel.RecordQuotaRejected(ctx, string(rej.Reason))
		}
		return nil, err
	}
	r.metrics.IncRunTransition("none", string(domain.StatusPending))
	if r.otel != nil {
		r.otel.RecordRunTriggered(ctx, run.Provider, run.Domain)
	}
	r.log.Info("pipeline run triggered",
		zap.String("run_id", run.ID.String()),
		zap.String("tenant_id", run.TenantID),
		zap.String("provider", run.Provider),
		zap.String("domain", run.Domain),
		zap.String("range", req.Range.String()),
	)
	if !r.enqueue(run.ID) {
		r.log.Debug("run left for dispatch", zap.String("run_id", run.ID.String()))
	}
	return run, nil
}

func (r *Runner) normalizeRequest(ctx context.Context, req domain.TriggerRequest) (domain.TriggerRequest, error) {
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.Provider = strings.ToLower(strings.TrimSpace(req.Provider))
	req.Domain = strings.ToLower(strings.TrimSpace(req.Domain))
	req.PipelineName = strings.TrimSpace(req.PipelineName)
	if req.TenantID == "" {
		return req, domain.ErrInvalidTenant
	}
	if req.Domain == "" {
		return req, domain.ErrInvalidDomain
	}
	if _, err := r.registry.Get(req.Provider); err != nil {
		return req, err
	}
	if req.Range.Start.IsZero() || req.Range.End.Before(req.Range.Start) {
		return req, providerdomain.ErrInvalidDateRange
	}
	if req.PipelineName == "" {
		req.PipelineName = req.Provider + "_" + req.Domain
	}

	enabled, err := r.tenants.GetProvider(ctx, r.db, req.TenantID, req.Provider)
	if err != nil {
		return req, err
	}
	if enabled == nil || !enabled.Enabled {
		return req, domain.ErrProviderNotEnabled
	}
	return req, nil
}

func (r *Runner) Status(ctx context.Context, id snowflake.ID) (*domain.Run, error) {
	run, err := r.repo.Get(ctx, r.db, id)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, domain.ErrRunNotFound
	}
	return run, nil
}

// Cancel flags the run. Queued runs are cancelled at once; a running attempt stops
// at its next batch boundary.
func (r *Runner) Cancel(ctx context.Context, id snowflake.ID) (*domain.Run, error) {
	run, err := r.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Terminal() {
		return run, domain.ErrRunFinished
	}

	now := r.clock.Now().UTC()
	if _, err := r.repo.RequestCancel(ctx, r.db, id, now); err != nil {
		return nil, err
	}
	ok, err := r.repo.Transition(ctx, r.db, domain.Transition{
		RunID: id,
		From:  []domain.Status{domain.StatusPending, domain.StatusRetrying, domain.StatusFailed},
		To:    domain.StatusCancelled,
		At:    now,
		Fields: map[string]any{
			"finished_at":     now,
			"next_attempt_at": nil,
		},
	})
	if err != nil {
		return nil, err
	}
	if ok {
		r.metrics.IncRunTransition(string(run.Status), string(domain.StatusCancelled))
		r.mu.Lock()
		if t, found := r.timers[id]; found {
			t.Stop()
			delete(r.timers, id)
		}
		r.mu.Unlock()
	} else {
		r.mu.Lock()
		if cancel, found := r.active[id]; found {
			cancel(domain.ErrRunCancelled)
		}
		r.mu.Unlock()
	}
	r.log.Info("pipeline run cancel requested", zap.String("run_id", id.String()), zap.Bool("immediate", ok))
	return r.Status(ctx, id)
}

// DispatchDue offers pending and due retrying runs to the pool.
func (r *Runner) DispatchDue(ctx context.Context) (int, error) {
	runs, err := r.repo.ListDue(ctx, r.db, r.clock.Now().UTC(), r.cfg.QueueSize)
	if err != nil {
		return 0, err
	}
	offered := 0
	for _, run := range runs {
		if r.enqueue(run.ID) {
			offered++
		}
	}
	return offered, nil
}

// RecoverStale fails runs whose heartbeat stopped, typically after a crash, and
// re-queues those with attempts left.
func (r *Runner) RecoverStale(ctx context.Context) (int, error) {
	now := r.clock.Now().UTC()
	runs, err := r.repo.ListStale(ctx, r.db, now.Add(-r.cfg.StaleAfter), r.cfg.QueueSize)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for i := range runs {
		run := runs[i]
		err := fmt.Errorf("no heartbeat since %s", run.UpdatedAt.UTC().Format(time.RFC3339))
		retried, ferr := r.fail(ctx, &run, domain.ErrorKindStale, err, r.policy.ShouldRetry(run.Attempts), 0)
		if ferr != nil {
			return recovered, ferr
		}
		recovered++
		r.log.Warn("stale pipeline run recovered",
			zap.String("run_id", run.ID.String()),
			zap.Int("attempts", run.Attempts),
			zap.Bool("retrying", retried),
		)
	}
	return recovered, nil
}

// fail moves a running run to failed and, when retry is set, on to retrying.
func (r *Runner) fail(ctx context.Context, run *domain.Run, kind domain.ErrorKind, cause error, retry bool, delay time.Duration) (bool, error) {
	now := r.clock.Now().UTC()
	msg := cause.Error()
	fields := map[string]any{
		"last_error": msg,
		"error_kind": kind,
	}
	if retry {
		next := now.Add(delay)
		fields["next_attempt_at"] = next
	} else {
		fields["next_attempt_at"] = nil
		fields["finished_at"] = now
	}

	ok, err := r.repo.Transition(ctx, r.db, domain.Transition{
		RunID:  run.ID,
		From:   []domain.Status{domain.StatusRunning},
		To:     domain.StatusFailed,
		At:     now,
		Fields: fields,
	})
	if err != nil || !ok {
		return false, err
	}
	r.metrics.IncRunTransition(string(domain.StatusRunning), string(domain.StatusFailed))
	if !retry {
		return false, nil
	}

	ok, err = r.repo.Transition(ctx, r.db, domain.Transition{
		RunID: run.ID,
		From:  []domain.Status{domain.StatusFailed},
		To:    domain.StatusRetrying,
		At:    now,
	})
	if err != nil || !ok {
		return false, err
	}
	r.metrics.IncRunTransition(string(domain.StatusFailed), string(domain.StatusRetrying))
	r.enqueueAfter(run.ID, delay)
	return true, nil
}

// classify maps an attempt error onto the run's error kind.
func classify(err error) domain.ErrorKind {
	switch {
	case credentialdomain.IsCredentialError(err):
		return domain.ErrorKindCredential
	case providerdomain.IsPermanent(err):
		return domain.ErrorKindPermanent
	case errors.Is(err, providerdomain.ErrUnknownProvider):
		return domain.ErrorKindPermanent
	}
	return domain.ErrorKindTransient
}

var _ domain.Service = (*Runner)(nil)
