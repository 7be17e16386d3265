package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/costflow/internal/clock"
	"github.com/smallbiznis/costflow/internal/config"
	costdomain "github.com/smallbiznis/costflow/internal/costrecord/domain"
	costrepo "github.com/smallbiznis/costflow/internal/costrecord/repository"
	hierarchydomain "github.com/smallbiznis/costflow/internal/hierarchy/domain"
	obsmetrics "github.com/smallbiznis/costflow/internal/observability/metrics"
	"github.com/smallbiznis/costflow/internal/pipeline/domain"
	"github.com/smallbiznis/costflow/internal/pipeline/repository"
	providerdomain "github.com/smallbiznis/costflow/internal/provider/domain"
	quotadomain "github.com/smallbiznis/costflow/internal/quota/domain"
	quotaservice "github.com/smallbiznis/costflow/internal/quota/service"
	"github.com/smallbiznis/costflow/internal/ratelimit"
	tenantdomain "github.com/smallbiznis/costflow/internal/tenant/domain"
	tenantrepo "github.com/smallbiznis/costflow/internal/tenant/repository"
	"github.com/smallbiznis/costflow/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	)
}

// fakeProcessor emits one record per day of the range. The first failures calls
// fail with failErr.
type fakeProcessor struct {
	failures atomic.Int32
	failErr  error
	block    bool
	delay    time.Duration

	inflight    atomic.Int32
	maxInflight atomic.Int32
	calls       atomic.Int32
	started     chan struct{}
}

func (p *fakeProcessor) ID() string { return "fake" }
func (p *fakeProcessor) Family() providerdomain.Family { return providerdomain.FamilyInfrastructure }

func (p *fakeProcessor) ExtractUsage(ctx context.Context, _ *providerdomain.Credential, req providerdomain.ExtractRequest, sink providerdomain.BatchSink) error {
	p.calls.Add(1)
	n := p.inflight.Add(1)
	defer p.inflight.Add(-1)
	for {
		cur := p.maxInflight.Load()
		if n <= cur || p.maxInflight.CompareAndSwap(cur, n) {
			break
		}
	}
	if p.started != nil {
		select {
		case p.started <- struct{}{}:
		default:
		}
	}
	if p.failures.Load() > 0 {
		p.failures.Add(-1)
		return p.failErr
	}
	if p.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}

	batch := make([]providerdomain.RawUsageRecord, 0)
	for i, d := range req.Range.Days() {
		labels := map[string]string{}
		if i%2 == 0 {
			labels["team"] = "platform"
		}
		batch = append(batch, providerdomain.RawUsageRecord{
			Provider:    "fake",
			AccountID:   "acct-1",
			ResourceID:  fmt.Sprintf("res-%d", i),
			Service:     "Compute Engine",
			Labels:      labels,
			Quantity:    decimal.NewFromInt(1),
			Unit:        "hour",
			PeriodStart: d,
			Cost:        decimal.NewFromInt(10),
			ListCost:    decimal.NewFromInt(12),
			Currency:    "USD",
		})
	}
	return sink(ctx, batch)
}

func (p *fakeProcessor) CalculateCosts(raw providerdomain.RawUsageRecord) (providerdomain.CostFields, error) {
	return providerdomain.CostFields{Billed: raw.Cost, Effective: raw.Cost, List: raw.ListCost, Currency: raw.Currency}, nil
}

type fakeStore struct{}

func (fakeStore) Fetch(_ context.Context, tenantID, provider string) (*providerdomain.Credential, error) {
	return &providerdomain.Credential{TenantID: tenantID, Provider: provider, Secret: []byte("secret")}, nil
}

type labelResolver struct{}

func (labelResolver) Resolve(_ string, labels map[string]string) (hierarchydomain.Resolution, error) {
	if labels["team"] == "" {
		return hierarchydomain.Resolution{}, hierarchydomain.ErrNoMatch
	}
	return hierarchydomain.Resolution{
		EntityID:    "platform",
		EntityName:  "Platform",
		LevelCode:   "team",
		Path:        "/eng/platform",
		DisplayPath: "Engineering / Platform",
	}, nil
}

type invalidatorSpy struct {
	mu      sync.Mutex
	tenants []string
}

func (s *invalidatorSpy) InvalidateTenant(_ context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants = append(s.tenants, tenantID)
	return nil
}

type fixture struct {
	db          *gorm.DB
	runner      *Runner
	proc        *fakeProcessor
	tenants     tenantdomain.Repository
	invalidator *invalidatorSpy
}

type fixtureOptions struct {
	workers int
	plans   config.PlanConfig
	locker  func(clock.Clock) ratelimit.RunLocker
	noStart bool
}

type fixtureOption func(*fixtureOptions)

func withWorkers(n int) fixtureOption {
	return func(o *fixtureOptions) { o.workers = n }
}

// withPlan gives every tenant the same limits.
func withPlan(limits config.PlanLimits) fixtureOption {
	return func(o *fixtureOptions) {
		o.plans = config.PlanConfig{Plans: map[string]config.PlanLimits{config.DefaultPlanCode: limits}}
	}
}

func withSlowLocker(delay time.Duration) fixtureOption {
	return func(o *fixtureOptions) {
		o.locker = func(clk clock.Clock) ratelimit.RunLocker {
			return &slowLocker{RunLocker: ratelimit.NewMemoryLocker(clk), delay: delay}
		}
	}
}

func withoutStart() fixtureOption {
	return func(o *fixtureOptions) { o.noStart = true }
}

// slowLocker adds a round trip to every lock call, like a remote Redis.
type slowLocker struct {
	ratelimit.RunLocker
	delay time.Duration
}

func (l *slowLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	time.Sleep(l.delay)
	return l.RunLocker.TryLock(ctx, key, ttl)
}

func (l *slowLocker) Release(ctx context.Context, key, token string) error {
	time.Sleep(l.delay)
	return l.RunLocker.Release(ctx, key, token)
}

func newFixture(t *testing.T, proc *fakeProcessor, opts ...fixtureOption) fixture {
	t.Helper()
	o := fixtureOptions{
		workers: 2,
		plans:   config.DefaultPlanConfig(),
		locker:  func(clk clock.Clock) ratelimit.RunLocker { return ratelimit.NewMemoryLocker(clk) },
	}
	for _, opt := range opts {
		opt(&o)
	}
	obsmetrics.ResetPipelineMetricsForTest(prometheus.NewRegistry())
	t.Cleanup(func() { obsmetrics.ResetPipelineMetricsForTest(nil) })

	conn := dbtest.Open(t, &domain.Run{}, &costdomain.CostRecord{}, &tenantdomain.Settings{}, &tenantdomain.Provider{})
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC))
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	registry, err := providerdomain.NewRegistry(proc)
	require.NoError(t, err)

	cfg := config.Config{
		DefaultTimezone: "UTC",
		Pipeline: config.PipelineConfig{
			Workers:          o.workers,
			MaxExternalCalls: o.workers,
			MaxWrites:        1,
			QueueSize:        16,
			BatchSize:        100,
			MaxAttempts:      3,
			BackoffInitial:   5 * time.Millisecond,
			BackoffMax:       10 * time.Millisecond,
			LockTTL:          time.Minute,
			LockPollInterval: 5 * time.Millisecond,
			QuotaDeferDelay:  10 * time.Millisecond,
		},
	}
	repo := repository.Provide()
	tenants := tenantrepo.Provide()
	locker := o.locker(clk)
	enforcer := quotaservice.NewEnforcer(quotaservice.Params{
		DB:      conn,
		Log:     zap.NewNop(),
		Clock:   clk,
		Cfg:     cfg,
		Plans:   config.NewStaticPlanHolder(o.plans),
		Tenants: tenants,
		Runs:    NewRunCounter(conn, repo),
		Locker:  locker,
	})
	spy := &invalidatorSpy{}
	runner := New(Params{
		DB:          conn,
		Log:         zap.NewNop(),
		Clock:       clk,
		Cfg:         cfg,
		GenID:       node,
		Repo:        repo,
		Registry:    registry,
		Credentials: fakeStore{},
		Resolver:    labelResolver{},
		Normalizer:  costdomain.NewNormalizer(),
		Records:     costrepo.Provide(),
		Quota:       enforcer,
		Tenants:     tenants,
		Locker:      locker,
		Invalidator: spy,
	})
	require.NoError(t, tenants.SetProviderEnabled(context.Background(), conn, "t1", "fake", true, clk.Now()))

	if o.noStart {
		return fixture{db: conn, runner: runner, proc: proc, tenants: tenants, invalidator: spy}
	}
	runner.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, runner.Stop(ctx))
	})
	return fixture{db: conn, runner: runner, proc: proc, tenants: tenants, invalidator: spy}
}

func march(start, end int) providerdomain.DateRange {
	return providerdomain.DateRange{
		Start: time.Date(2026, 3, start, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 3, end, 0, 0, 0, 0, time.UTC),
	}
}

func (f fixture) trigger(t *testing.T, rng providerdomain.DateRange) *domain.Run {
	t.Helper()
	run, err := f.runner.Trigger(context.Background(), domain.TriggerRequest{
		TenantID: "t1",
		Provider: "fake",
		Domain:   "usage",
		Range:    rng,
	})
	require.NoError(t, err)
	return run
}

func (f fixture) await(t *testing.T, id snowflake.ID, want domain.Status) *domain.Run {
	t.Helper()
	var last *domain.Run
	require.Eventually(t, func() bool {
		run, err := f.runner.Status(context.Background(), id)
		if err != nil {
			return false
		}
		last = run
		return run.Status == want
	}, 5*time.Second, 5*time.Millisecond)
	return last
}

func (f fixture) countRecords(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&costdomain.CostRecord{}).Count(&n).Error)
	return n
}

func TestTriggerRunsToSuccess(t *testing.T) {
	f := newFixture(t, &fakeProcessor{})
	run := f.trigger(t, march(1, 3))
	assert.Equal(t, domain.StatusPending, run.Status)
	assert.Equal(t, "fake_usage", run.PipelineName)

	done := f.await(t, run.ID, domain.StatusSucceeded)
	assert.Equal(t, 1, done.Attempts)
	assert.EqualValues(t, 3, done.RecordsWritten)
	assert.EqualValues(t, 1, done.Unallocated)
	require.NotNil(t, done.FinishedAt)
	assert.Equal(t, int64(3), f.countRecords(t))

	f.invalidator.mu.Lock()
	assert.Equal(t, []string{"t1"}, f.invalidator.tenants)
	f.invalidator.mu.Unlock()

	var rec costdomain.CostRecord
	require.NoError(t, f.db.Where("resource_id = ?", "res-0").First(&rec).Error)
	assert.Equal(t, run.ID.String(), rec.Lineage.RunID)
	assert.Equal(t, "t1:fake:usage", rec.Lineage.PipelineID)
	require.True(t, rec.Allocation.Allocated())
	assert.Equal(t, "/eng/platform", *rec.Allocation.Path)
}

func TestRerunSameRangeIsIdempotent(t *testing.T) {
	f := newFixture(t, &fakeProcessor{})
	first := f.trigger(t, march(1, 5))
	f.await(t, first.ID, domain.StatusSucceeded)
	second := f.trigger(t, march(1, 5))
	f.await(t, second.ID, domain.StatusSucceeded)

	assert.Equal(t, int64(5), f.countRecords(t))
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	proc := &fakeProcessor{failErr: providerdomain.Transient("fake", "list_usage", errors.New("503"))}
	proc.failures.Store(1)
	f := newFixture(t, proc)

	run := f.trigger(t, march(1, 1))
	done := f.await(t, run.ID, domain.StatusSucceeded)
	assert.Equal(t, 2, done.Attempts)
	assert.Nil(t, done.LastError)
	assert.Equal(t, int32(2), proc.calls.Load())
}

func TestTransientFailureExhaustsAttempts(t *testing.T) {
	proc := &fakeProcessor{failErr: providerdomain.Transient("fake", "list_usage", errors.New("timeout"))}
	proc.failures.Store(10)
	f := newFixture(t, proc)

	run := f.trigger(t, march(1, 1))
	var done *domain.Run
	require.Eventually(t, func() bool {
		got, err := f.runner.Status(context.Background(), run.ID)
		if err != nil {
			return false
		}
		done = got
		return got.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StatusFailed, done.Status)
	assert.Equal(t, 3, done.Attempts)
	require.NotNil(t, done.ErrorKind)
	assert.Equal(t, domain.ErrorKindTransient, *done.ErrorKind)
}

func TestPermanentFailureIsTerminal(t *testing.T) {
	proc := &fakeProcessor{failErr: providerdomain.Permanent("fake", "list_usage", errors.New("bad request"))}
	proc.failures.Store(1)
	f := newFixture(t, proc)

	run := f.trigger(t, march(1, 1))
	done := f.await(t, run.ID, domain.StatusFailed)
	assert.Equal(t, 1, done.Attempts)
	assert.Nil(t, done.NextAttemptAt)
	require.NotNil(t, done.ErrorKind)
	assert.Equal(t, domain.ErrorKindPermanent, *done.ErrorKind)
	assert.True(t, done.Terminal())

	_, err := f.runner.Cancel(context.Background(), run.ID)
	assert.ErrorIs(t, err, domain.ErrRunFinished)
}

func TestCancelRunningAttempt(t *testing.T) {
	proc := &fakeProcessor{block: true, started: make(chan struct{}, 1)}
	f := newFixture(t, proc)

	run := f.trigger(t, march(1, 2))
	select {
	case <-proc.started:
	case <-time.After(5 * time.Second):
		t.Fatal("attempt never started")
	}
	f.await(t, run.ID, domain.StatusRunning)

	_, err := f.runner.Cancel(context.Background(), run.ID)
	require.NoError(t, err)
	done := f.await(t, run.ID, domain.StatusCancelled)
	assert.True(t, done.CancelRequested)
	assert.Equal(t, int64(0), f.countRecords(t))
}

func TestQuotaRejectionCreatesNoRun(t *testing.T) {
	f := newFixture(t, &fakeProcessor{})
	ctx := context.Background()
	for _, p := range []string{"aws", "gcp", "openai"} {
		require.NoError(t, f.tenants.SetProviderEnabled(ctx, f.db, "t1", p, true, time.Now()))
	}

	_, err := f.runner.Trigger(ctx, domain.TriggerRequest{TenantID: "t1", Provider: "fake", Domain: "usage", Range: march(1, 1)})
	require.ErrorIs(t, err, quotadomain.ErrQuotaExceeded)

	var n int64
	require.NoError(t, f.db.Model(&domain.Run{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestTriggerValidation(t *testing.T) {
	f := newFixture(t, &fakeProcessor{})
	ctx := context.Background()

	_, err := f.runner.Trigger(ctx, domain.TriggerRequest{Provider: "fake", Domain: "usage", Range: march(1, 1)})
	assert.ErrorIs(t, err, domain.ErrInvalidTenant)
	_, err = f.runner.Trigger(ctx, domain.TriggerRequest{TenantID: "t1", Provider: "nope", Domain: "usage", Range: march(1, 1)})
	assert.ErrorIs(t, err, providerdomain.ErrUnknownProvider)
	_, err = f.runner.Trigger(ctx, domain.TriggerRequest{TenantID: "t1", Provider: "fake", Range: march(1, 1)})
	assert.ErrorIs(t, err, domain.ErrInvalidDomain)
	_, err = f.runner.Trigger(ctx, domain.TriggerRequest{TenantID: "t2", Provider: "fake", Domain: "usage", Range: march(1, 1)})
	assert.ErrorIs(t, err, domain.ErrProviderNotEnabled)

	_, err = f.runner.Status(ctx, snowflake.ID(42))
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}

func TestOverlappingRunsSerialize(t *testing.T) {
	proc := &fakeProcessor{delay: 30 * time.Millisecond}
	f := newFixture(t, proc)

	a := f.trigger(t, march(1, 3))
	b := f.trigger(t, march(3, 4))
	f.await(t, a.ID, domain.StatusSucceeded)
	f.await(t, b.ID, domain.StatusSucceeded)

	assert.Equal(t, int32(1), proc.maxInflight.Load())
}

func TestConcurrencyLimitHoldsWhenWorkersDequeueTogether(t *testing.T) {
	proc := &fakeProcessor{delay: 30 * time.Millisecond}
	f := newFixture(t, proc,
		withWorkers(4),
		withPlan(config.PlanLimits{MaxConcurrentRuns: 1}),
		withSlowLocker(20*time.Millisecond),
	)

	runs := make([]*domain.Run, 0, 4)
	for day := 1; day <= 4; day++ {
		runs = append(runs, f.trigger(t, march(day, day)))
	}
	for _, run := range runs {
		f.await(t, run.ID, domain.StatusSucceeded)
	}

	assert.Equal(t, int32(4), proc.calls.Load())
	assert.Equal(t, int32(1), proc.maxInflight.Load(), "extractions in flight exceeded max_concurrent_runs")
}

func TestDailyLimitHoldsUnderConcurrentTriggers(t *testing.T) {
	f := newFixture(t, &fakeProcessor{},
		withPlan(config.PlanLimits{MaxDailyRuns: 2}),
		withSlowLocker(5*time.Millisecond),
		withoutStart(),
	)

	var accepted, rejected atomic.Int32
	var wg sync.WaitGroup
	for day := 1; day <= 6; day++ {
		wg.Add(1)
		go func(day int) {
			defer wg.Done()
			_, err := f.runner.Trigger(context.Background(), domain.TriggerRequest{
				TenantID: "t1",
				Provider: "fake",
				Domain:   "usage",
				Range:    march(day, day),
			})
			switch {
			case err == nil:
				accepted.Add(1)
			case errors.Is(err, quotadomain.ErrQuotaExceeded):
				rejected.Add(1)
			default:
				t.Errorf("trigger: %v", err)
			}
		}(day)
	}
	wg.Wait()

	assert.Equal(t, int32(2), accepted.Load())
	assert.Equal(t, int32(4), rejected.Load())
	var n int64
	require.NoError(t, f.db.Model(&domain.Run{}).Count(&n).Error)
	assert.Equal(t, int64(2), n)
}

func TestTriggerAfterStopIsRejected(t *testing.T) {
	f := newFixture(t, &fakeProcessor{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.runner.Stop(ctx))

	_, err := f.runner.Trigger(context.Background(), domain.TriggerRequest{TenantID: "t1", Provider: "fake", Domain: "usage", Range: march(1, 1)})
	require.ErrorIs(t, err, domain.ErrRunnerStopped)

	var n int64
	require.NoError(t, f.db.Model(&domain.Run{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestTriggerWithoutWorkersLeavesRunPending(t *testing.T) {
	f := newFixture(t, &fakeProcessor{}, withoutStart())

	run := f.trigger(t, march(1, 1))
	got, err := f.runner.Status(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Zero(t, f.proc.calls.Load())
}
