package service

import (
	"context"
	"strings"
	"time"

	"github.com/smallbiznis/costflow/internal/cache"
	"github.com/smallbiznis/costflow/internal/clock"
	"github.com/smallbiznis/costflow/internal/config"
	obsmetrics "github.com/smallbiznis/costflow/internal/observability/metrics"
	"github.com/smallbiznis/costflow/internal/quota/domain"
	"github.com/smallbiznis/costflow/internal/ratelimit"
	tenantdomain "github.com/smallbiznis/costflow/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Cfg     config.Config
	Plans   *config.PlanHolder
	Tenants tenantdomain.Repository
	Runs    domain.RunCounter
	Locker  ratelimit.RunLocker `optional:"true"`
}

const (
	admissionTTL  = 30 * time.Second
	admissionPoll = 10 * time.Millisecond
)

type Enforcer struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	plans   *config.PlanHolder
	tenants tenantdomain.Repository
	runs    domain.RunCounter
	locker  ratelimit.RunLocker

	defaultTimezone string
	metrics         *obsmetrics.PipelineMetrics
}

func NewEnforcer(p Params) *Enforcer {
	locker := p.Locker
	if locker == nil {
		locker = ratelimit.NewMemoryLocker(p.Clock)
	}
	return &Enforcer{
		db:              p.DB,
		log:             p.Log.Named("quota.enforcer"),
		clock:           p.Clock,
		plans:           p.Plans,
		tenants:         p.Tenants,
		runs:            p.Runs,
		locker:          locker,
		defaultTimezone: p.Cfg.DefaultTimezone,
		metrics:         obsmetrics.Pipeline(),
	}
}

// Admit runs fn holding the tenant's quota lock, so a limit check made inside fn
// and the write it guards are never interleaved with another admission for the
// same tenant, in this process or another replica sharing the locker.
func (e *Enforcer) Admit(ctx context.Context, tenantID string, fn func(context.Context) error) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return domain.ErrInvalidTenant
	}
	return ratelimit.WithLock(ctx, e.locker, cache.Key("quota", tenantID), admissionTTL, admissionPoll, fn)
}

type tenantPlan struct {
	limits   config.PlanLimits
	settings tenantdomain.Settings
}

func (e *Enforcer) load(ctx context.Context, tenantID string) (tenantPlan, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return tenantPlan{}, domain.ErrInvalidTenant
	}
	settings, err := e.tenants.GetSettings(ctx, e.db, tenantID)
	if err != nil {
		return tenantPlan{}, err
	}
	if settings == nil {
		settings = &tenantdomain.Settings{TenantID: tenantID, PlanCode: config.DefaultPlanCode}
	}
	return tenantPlan{limits: e.plans.Get().Plan(settings.PlanCode), settings: *settings}, nil
}

func (e *Enforcer) CheckRun(ctx context.Context, tenantID string) error {
	plan, err := e.load(ctx, tenantID)
	if err != nil {
		return err
	}

	if limit := plan.limits.MaxProviders; limit > 0 {
		enabled, err := e.tenants.CountEnabledProviders(ctx, e.db, tenantID)
		if err != nil {
			return err
		}
		if enabled > limit {
			return e.reject(tenantID, domain.ReasonProviderLimit, limit, enabled)
		}
	}

	now := e.clock.Now()
	loc := plan.settings.Location(e.defaultTimezone)

	if limit := plan.limits.MaxDailyRuns; limit > 0 {
		count, err := e.runs.CountTriggeredSince(ctx, tenantID, clock.StartOfDay(now, loc).UTC())
		if err != nil {
			return err
		}
		if count >= limit {
			return e.reject(tenantID, domain.ReasonDailyLimit, limit, count)
		}
	}

	if limit := plan.limits.MaxMonthlyRuns; limit > 0 {
		count, err := e.runs.CountTriggeredSince(ctx, tenantID, clock.StartOfMonth(now, loc).UTC())
		if err != nil {
			return err
		}
		if count >= limit {
			return e.reject(tenantID, domain.ReasonMonthlyLimit, limit, count)
		}
	}
	return nil
}

func (e *Enforcer) CheckConcurrency(ctx context.Context, tenantID string) error {
	plan, err := e.load(ctx, tenantID)
	if err != nil {
		return err
	}
	limit := plan.limits.MaxConcurrentRuns
	if limit <= 0 {
		return nil
	}
	running, err := e.runs.CountRunning(ctx, tenantID)
	if err != nil {
		return err
	}
	if running >= limit {
		return e.reject(tenantID, domain.ReasonConcurrencyLimit, limit, running)
	}
	return nil
}

// CheckEnableProvider allows re-enabling a provider the tenant already has on.
func (e *Enforcer) CheckEnableProvider(ctx context.Context, tenantID, provider string) error {
	plan, err := e.load(ctx, tenantID)
	if err != nil {
		return err
	}
	limit := plan.limits.MaxProviders
	if limit <= 0 {
		return nil
	}
	existing, err := e.tenants.GetProvider(ctx, e.db, tenantID, provider)
	if err != nil {
		return err
	}
	if existing != nil && existing.Enabled {
		return nil
	}
	enabled, err := e.tenants.CountEnabledProviders(ctx, e.db, tenantID)
	if err != nil {
		return err
	}
	if enabled >= limit {
		return e.reject(tenantID, domain.ReasonProviderLimit, limit, enabled)
	}
	return nil
}

func (e *Enforcer) reject(tenantID string, reason domain.Reason, limit, current int) error {
	e.metrics.IncQuotaRejection(string(reason))
	e.log.Info("quota rejected",
		zap.String("tenant_id", tenantID),
		zap.String("reason", string(reason)),
		zap.Int("limit", limit),
		zap.Int("current", current),
	)
	return &domain.Rejection{Reason: reason, Limit: limit, Current: current}
}

var _ domain.Enforcer = (*Enforcer)(nil)
