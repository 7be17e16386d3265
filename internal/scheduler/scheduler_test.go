package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/smallbiznis/costflow/internal/clock"
	obsmetrics "github.com/smallbiznis/costflow/internal/observability/metrics"
	pipelinedomain "github.com/smallbiznis/costflow/internal/pipeline/domain"
	pipelinerepo "github.com/smallbiznis/costflow/internal/pipeline/repository"
	quotadomain "github.com/smallbiznis/costflow/internal/quota/domain"
	"github.com/smallbiznis/costflow/internal/ratelimit"
	tenantdomain "github.com/smallbiznis/costflow/internal/tenant/domain"
	tenantrepo "github.com/smallbiznis/costflow/internal/tenant/repository"
	"github.com/smallbiznis/costflow/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type runnerMock struct {
	mock.Mock
}

func (m *runnerMock) Trigger(ctx context.Context, req pipelinedomain.TriggerRequest) (*pipelinedomain.Run, error) {
	args := m.Called(req)
	run, _ := args.Get(0).(*pipelinedomain.Run)
	return run, args.Error(1)
}

func (m *runnerMock) DispatchDue(ctx context.Context) (int, error) {
	args := m.Called()
	return args.Int(0), args.Error(1)
}

func (m *runnerMock) RecoverStale(ctx context.Context) (int, error) {
	args := m.Called()
	return args.Int(0), args.Error(1)
}

type refresherMock struct {
	mock.Mock
}

func (m *refresherMock) Refresh(ctx context.Context) error {
	return m.Called().Error(0)
}

type fixture struct {
	db        *gorm.DB
	clock     *clock.FakeClock
	runner    *runnerMock
	refresher *refresherMock
	sched     *Scheduler
}

func newFixture(t *testing.T, now time.Time) fixture {
	t.Helper()
	conn := dbtest.Open(t, &pipelinedomain.Run{}, &tenantdomain.Provider{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(now)
	runner := &runnerMock{}
	refresher := &refresherMock{}
	sched, err := New(Params{
		DB:        conn,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     clk,
		Runner:    runner,
		Hierarchy: refresher,
		Runs:      pipelinerepo.Provide(),
		Tenants:   tenantrepo.Provide(),
		Locker:    ratelimit.NewMemoryLocker(clk),
		Config:    Config{IngestHourUTC: 2},
	})
	require.NoError(t, err)
	return fixture{db: conn, clock: clk, runner: runner, refresher: refresher, sched: sched}
}

func TestRunJobTimeoutDoesNotReturnErrorAndIncrementsTimeout(t *testing.T) {
	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	defer restore()

	obsmetrics.ResetSchedulerMetricsForTest()
	obsmetrics.SchedulerWithConfig(obsmetrics.Config{
		ServiceName: "costflow",
		Environment: "test",
	})

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	s := &Scheduler{log: zap.NewNop(), genID: node, clock: clock.NewFakeClock(time.Time{})}
	err = s.runJob(context.Background(), "timeout_job", 0, 5*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	require.NoError(t, err)

	labels := map[string]string{
		"service": "costflow",
		"env":     "test",
		"job":     "timeout_job",
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "costflow_scheduler_job_timeouts_total", labels))

	errorLabels := map[string]string{
		"service": "costflow",
		"env":     "test",
		"job":     "timeout_job",
		"reason":  obsmetrics.SchedulerJobReasonDeadlineExceeded,
	}
	assert.Equal(t, float64(1), getCounterValue(t, registry, "costflow_scheduler_job_errors_total", errorLabels))
}

func TestScheduledIngestTriggersYesterdayOncePerDay(t *testing.T) {
	f := newFixture(t, time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC))
	ctx := context.Background()
	tenants := tenantrepo.Provide()
	require.NoError(t, tenants.SetProviderEnabled(ctx, f.db, "t1", "aws", true, f.clock.Now()))
	require.NoError(t, tenants.SetProviderEnabled(ctx, f.db, "t2", "openai", true, f.clock.Now()))
	require.NoError(t, tenants.SetProviderEnabled(ctx, f.db, "t2", "gcp", false, f.clock.Now()))

	yesterday := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	f.runner.On("Trigger", mock.MatchedBy(func(req pipelinedomain.TriggerRequest) bool {
		return req.Domain == "usage" && req.PipelineName == "scheduled_daily" &&
			req.Range.Start.Equal(yesterday) && req.Range.End.Equal(yesterday)
	})).Return(&pipelinedomain.Run{ID: 1}, nil).Twice()

	require.NoError(t, f.sched.ScheduledIngestJob(ctx))
	require.NoError(t, f.sched.ScheduledIngestJob(ctx))
	f.runner.AssertExpectations(t)
	f.runner.AssertNumberOfCalls(t, "Trigger", 2)
}

func TestScheduledIngestWaitsForConfiguredHour(t *testing.T) {
	f := newFixture(t, time.Date(2026, 3, 10, 1, 59, 0, 0, time.UTC))
	require.NoError(t, tenantrepo.Provide().SetProviderEnabled(context.Background(), f.db, "t1", "aws", true, f.clock.Now()))

	require.NoError(t, f.sched.ScheduledIngestJob(context.Background()))
	f.runner.AssertNotCalled(t, "Trigger", mock.Anything)
}

func TestScheduledIngestSkipsExistingRun(t *testing.T) {
	f := newFixture(t, time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC))
	ctx := context.Background()
	require.NoError(t, tenantrepo.Provide().SetProviderEnabled(ctx, f.db, "t1", "aws", true, f.clock.Now()))
	yesterday := time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)
	require.NoError(t, pipelinerepo.Provide().Insert(ctx, f.db, &pipelinedomain.Run{
		ID:           7,
		TenantID:     "t1",
		Provider:     "aws",
		Domain:       "usage",
		PipelineName: "scheduled_daily",
		RangeStart:   yesterday,
		RangeEnd:     yesterday,
		Status:       pipelinedomain.StatusSucceeded,
		CreatedAt:    f.clock.Now(),
		UpdatedAt:    f.clock.Now(),
	}))

	require.NoError(t, f.sched.ScheduledIngestJob(ctx))
	f.runner.AssertNotCalled(t, "Trigger", mock.Anything)
}

func TestScheduledIngestQuotaRejectionIsNotAnError(t *testing.T) {
	f := newFixture(t, time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC))
	ctx := context.Background()
	require.NoError(t, tenantrepo.Provide().SetProviderEnabled(ctx, f.db, "t1", "aws", true, f.clock.Now()))
	f.runner.On("Trigger", mock.Anything).Return(nil, &quotadomain.Rejection{Reason: quotadomain.ReasonDailyLimit, Limit: 24, Current: 24})

	require.NoError(t, f.sched.ScheduledIngestJob(ctx))
}

func TestHierarchyRefreshIsThrottled(t *testing.T) {
	f := newFixture(t, time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC))
	f.refresher.On("Refresh").Return(nil)
	ctx := context.Background()

	require.NoError(t, f.sched.HierarchyRefreshJob(ctx))
	f.clock.Advance(time.Minute)
	require.NoError(t, f.sched.HierarchyRefreshJob(ctx))
	f.refresher.AssertNumberOfCalls(t, "Refresh", 1)

	f.clock.Advance(5 * time.Minute)
	require.NoError(t, f.sched.HierarchyRefreshJob(ctx))
	f.refresher.AssertNumberOfCalls(t, "Refresh", 2)
}

func TestRunOnceJoinsJobErrors(t *testing.T) {
	f := newFixture(t, time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC))
	f.refresher.On("Refresh").Return(nil)
	f.runner.On("RecoverStale").Return(0, errors.New("db down"))
	f.runner.On("DispatchDue").Return(2, nil)

	err := f.sched.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recovery_sweep")
	f.runner.AssertCalled(t, "DispatchDue")
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			require.NotNil(t, metric.Counter, "metric %s is not a counter", name)
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
