package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/costflow/internal/aggregation/domain"
	"github.com/smallbiznis/costflow/internal/cache"
	"github.com/smallbiznis/costflow/internal/clock"
	"github.com/smallbiznis/costflow/internal/config"
	costdomain "github.com/smallbiznis/costflow/internal/costrecord/domain"
	exchangedomain "github.com/smallbiznis/costflow/internal/exchangerate/domain"
	obslogger "github.com/smallbiznis/costflow/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/costflow/internal/observability/metrics"
	tenantdomain "github.com/smallbiznis/costflow/internal/tenant/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

const defaultCapacity = 100

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Cfg     config.Config
	Records costdomain.Repository
	Rates   exchangedomain.Service
	Tenants tenantdomain.Repository
	Redis   *redis.Client       `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
}

type entry struct {
	tenantID string
	result   domain.Result
}

// Service computes converted aggregations behind a two tier cache. Entries
// expire at the tenant's next local midnight.
type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	records  costdomain.Repository
	rates    exchangedomain.Service
	tenants  tenantdomain.Repository
	fallback string
	otel     *obsmetrics.Metrics
	metrics  *obsmetrics.PipelineMetrics

	l1     *cache.LRU[string, entry]
	l2     *redisTier
	flight singleflight.Group

	// generation is bumped per tenant on invalidation. A computation that
	// started before the bump must not populate the cache.
	genMu      sync.Mutex
	generation map[string]uint64

	hits          atomic.Int64
	misses        atomic.Int64
	bypasses      atomic.Int64
	evictions     atomic.Int64
	invalidations atomic.Int64
}

func New(p Params) *Service {
	capacity := p.Cfg.Cache.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	prefix := p.Cfg.Cache.KeyPrefix
	if prefix == "" {
		prefix = p.Cfg.AppName + ":"
	}
	s := &Service{
		db:         p.DB,
		log:        p.Log.Named("aggregation.service"),
		clock:      p.Clock,
		records:    p.Records,
		rates:      p.Rates,
		tenants:    p.Tenants,
		fallback:   p.Cfg.DefaultTimezone,
		otel:       p.Metrics,
		metrics:    obsmetrics.Pipeline(),
		l2:         newRedisTier(p.Redis, prefix),
		generation: map[string]uint64{},
	}
	s.l1 = cache.NewLRU[string, entry](capacity, p.Clock, func(string, entry) {
		s.evictions.Add(1)
		s.metrics.IncCacheEviction()
	})
	return s
}

func (s *Service) Aggregate(ctx context.Context, q domain.Query) (*domain.Result, error) {
	canon, err := domain.Canonicalize(q)
	if err != nil {
		return nil, err
	}
	fp := domain.Fingerprint(canon)

	if canon.Bypass {
		s.bypasses.Add(1)
		s.record(ctx, obsmetrics.CacheTierL1, obsmetrics.CacheResultBypass)
	} else if res, ok := s.lookup(ctx, canon.TenantID, fp); ok {
		s.hits.Add(1)
		return res, nil
	} else {
		s.misses.Add(1)
	}

	key := fp
	if canon.Bypass {
		// a bypass must not reuse a computation that may predate fresh data
		key = "bypass:" + fp
	}
	v, err, _ := s.flight.Do(key, func() (any, error) {
		return s.compute(context.WithoutCancel(ctx), canon, fp)
	})
	if err != nil {
		return nil, err
	}
	res := v.(domain.Result)
	return &res, nil
}

func (s *Service) lookup(ctx context.Context, tenantID, fp string) (*domain.Result, bool) {
	if e, ok := s.l1.Get(fp); ok {
		s.record(ctx, obsmetrics.CacheTierL1, obsmetrics.CacheResultHit)
		res := e.result
		res.Cached = true
		return &res, true
	}
	s.record(ctx, obsmetrics.CacheTierL1, obsmetrics.CacheResultMiss)
	if s.l2 == nil {
		return nil, false
	}

	gen := s.currentGeneration(tenantID)
	res, ok, err := s.l2.get(ctx, tenantID, fp)
	if err != nil {
		obslogger.WithContext(ctx, s.log).Warn("aggregation l2 read failed", zap.Error(err))
		s.record(ctx, obsmetrics.CacheTierL2, obsmetrics.CacheResultBypass)
		return nil, false
	}
	if !ok || !s.clock.Now().Before(res.ExpiresAt) {
		s.record(ctx, obsmetrics.CacheTierL2, obsmetrics.CacheResultMiss)
		return nil, false
	}
	s.record(ctx, obsmetrics.CacheTierL2, obsmetrics.CacheResultHit)
	res.Cached = false
	s.setL1(tenantID, fp, *res, gen)
	res.Cached = true
	return res, true
}

func (s *Service) compute(ctx context.Context, q domain.Query, fp string) (domain.Result, error) {
	gen := s.currentGeneration(q.TenantID)
	var l2gen int64
	writeL2 := false
	if s.l2 != nil {
		g, err := s.l2.generation(ctx, q.TenantID)
		if err != nil {
			obslogger.WithContext(ctx, s.log).Warn("aggregation l2 generation read failed", zap.Error(err))
		} else {
			l2gen, writeL2 = g, true
		}
	}
	now := s.clock.Now()

	settings, err := s.tenants.GetSettings(ctx, s.db, q.TenantID)
	if err != nil {
		return domain.Result{}, err
	}
	loc := tenantdomain.Settings{}.Location(s.fallback)
	if settings != nil {
		loc = settings.Location(s.fallback)
	}

	rows, err := s.records.Aggregate(ctx, s.db, costdomain.AggregateQuery{
		TenantID:   q.TenantID,
		GroupBy:    q.GroupBy,
		Filters:    q.Filters,
		From:       q.From,
		To:         q.To.AddDate(0, 0, 1),
		PathPrefix: q.PathPrefix,
	})
	if err != nil {
		return domain.Result{}, err
	}
	table, err := s.rates.Snapshot(ctx)
	if err != nil {
		return domain.Result{}, err
	}

	res, err := convertAndSum(table, q, rows)
	if err != nil {
		return domain.Result{}, err
	}
	res.Fingerprint = fp
	res.ComputedAt = now.UTC()
	res.ExpiresAt = clock.NextMidnight(now, loc).UTC()
	if n := len(res.StaleRates); n > 0 {
		s.metrics.AddStaleConversions(n)
		obslogger.WithContext(ctx, s.log).Warn("aggregation used stale exchange rates",
			zap.String("tenant_id", q.TenantID),
			zap.Int("pairs", n),
		)
	}

	s.store(ctx, res, gen, l2gen, writeL2)
	return res, nil
}

// store caches res unless the tenant was invalidated after gen was read.
func (s *Service) store(ctx context.Context, res domain.Result, gen uint64, l2gen int64, writeL2 bool) {
	if !s.setL1(res.TenantID, res.Fingerprint, res, gen) || s.l2 == nil || !writeL2 {
		return
	}
	log := obslogger.WithContext(ctx, s.log)
	if err := s.l2.set(ctx, &res, l2gen); err != nil {
		log.Warn("aggregation l2 write failed", zap.Error(err))
		return
	}
	if s.currentGeneration(res.TenantID) != gen {
		if err := s.l2.delete(ctx, res.Fingerprint); err != nil {
			log.Warn("aggregation l2 delete failed", zap.Error(err))
		}
	}
}

// setL1 checks the generation and writes under genMu, so an invalidation either
// sees the entry and removes it or bumps the generation first.
func (s *Service) setL1(tenantID, fp string, res domain.Result, gen uint64) bool {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	if s.generation[tenantID] != gen {
		return false
	}
	s.l1.Set(fp, entry{tenantID: tenantID, result: res}, res.ExpiresAt)
	return true
}

// convertAndSum converts every native row into q.Currency before adding it to
// its group. Rows arrive pre-summed per currency and charge day.
func convertAndSum(table *exchangedomain.Table, q domain.Query, rows []costdomain.AggregateRow) (domain.Result, error) {
	res := domain.Result{
		TenantID: q.TenantID,
		Currency: q.Currency,
		GroupBy:  q.GroupBy,
		From:     q.From,
		To:       q.To,
		Groups:   []domain.Group{},
	}
	groups := map[string]*domain.Group{}
	order := []string{}
	stale := map[string]domain.StaleRate{}

	for _, row := range rows {
		key := groupKey(q.GroupBy, row.Dimensions)
		g, ok := groups[key]
		if !ok {
			g = &domain.Group{
				Dimensions: row.Dimensions,
				Billed:     decimal.Zero,
				Effective:  decimal.Zero,
				List:       decimal.Zero,
			}
			groups[key] = g
			order = append(order, key)
		}

		amounts := [3]decimal.Decimal{row.Billed, row.Effective, row.List}
		var converted [3]decimal.Decimal
		for i, amount := range amounts {
			conv, err := table.Convert(amount, row.Currency, q.Currency, row.Day)
			if err != nil {
				if errors.Is(err, exchangedomain.ErrRateNotFound) {
					return domain.Result{}, fmt.Errorf("%w: %s->%s on %s", domain.ErrMissingRate, row.Currency, q.Currency, row.Day.Format(time.DateOnly))
				}
				return domain.Result{}, err
			}
			converted[i] = conv.Amount
			if conv.Stale {
				g.Stale = true
				pairKey := row.Currency + ">" + q.Currency + "@" + conv.EffectiveDate.Format(time.DateOnly)
				stale[pairKey] = domain.StaleRate{From: row.Currency, To: q.Currency, EffectiveDate: conv.EffectiveDate}
			}
		}
		g.Billed = g.Billed.Add(converted[0])
		g.Effective = g.Effective.Add(converted[1])
		g.List = g.List.Add(converted[2])
		g.Records += row.Records
	}

	sort.Strings(order)
	for _, key := range order {
		g := groups[key]
		g.Billed = g.Billed.Round(moneyScale)
		g.Effective = g.Effective.Round(moneyScale)
		g.List = g.List.Round(moneyScale)
		res.Groups = append(res.Groups, *g)
	}
	for _, r := range stale {
		res.StaleRates = append(res.StaleRates, r)
	}
	sort.Slice(res.StaleRates, func(i, j int) bool {
		a, b := res.StaleRates[i], res.StaleRates[j]
		if a.From != b.From {
			return a.From < b.From
		}
		return a.EffectiveDate.Before(b.EffectiveDate)
	})
	return res, nil
}

const moneyScale = 6

func groupKey(groupBy []string, dims map[string]string) string {
	parts := make([]string, len(groupBy))
	for i, d := range groupBy {
		parts[i] = d + "=" + dims[d]
	}
	return strings.Join(parts, "\x1f")
}

// InvalidateTenant drops every cached result for the tenant on both tiers.
func (s *Service) InvalidateTenant(ctx context.Context, tenantID string) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return domain.ErrInvalidTenant
	}
	s.genMu.Lock()
	s.generation[tenantID]++
	s.genMu.Unlock()

	removed := s.l1.DeleteFunc(func(_ string, e entry) bool { return e.tenantID == tenantID })
	s.invalidations.Add(1)
	s.metrics.IncCacheInvalidation()

	log := obslogger.WithContext(ctx, s.log).With(zap.String("tenant_id", tenantID))
	if s.l2 != nil {
		n, err := s.l2.invalidateTenant(ctx, tenantID)
		if err != nil {
			log.Warn("aggregation l2 invalidation failed", zap.Error(err))
			return err
		}
		removed += n
	}
	log.Debug("aggregation cache invalidated", zap.Int("removed", removed))
	return nil
}

func (s *Service) Stats() domain.Stats {
	return domain.Stats{
		Hits:          s.hits.Load(),
		Misses:        s.misses.Load(),
		Bypasses:      s.bypasses.Load(),
		Evictions:     s.evictions.Load(),
		Invalidations: s.invalidations.Load(),
		Entries:       s.l1.Len(),
	}
}

func (s *Service) currentGeneration(tenantID string) uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.generation[tenantID]
}

func (s *Service) record(ctx context.Context, tier, result string) {
	s.metrics.IncCacheRequest(tier, result)
	if s.otel != nil {
		s.otel.RecordCacheLookup(ctx, tier, result)
	}
}

var _ domain.Service = (*Service)(nil)
