package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	CacheTierL1 = "l1"
	CacheTierL2 = "l2"

	CacheResultHit    = "hit"
	CacheResultMiss   = "miss"
	CacheResultBypass = "bypass"
)

// PipelineMetrics tracks ingestion runs and the aggregation cache.
type PipelineMetrics struct {
	runTransitions     *prometheus.CounterVec
	runDuration        *prometheus.HistogramVec
	quotaRejections    *prometheus.CounterVec
	providerErrors     *prometheus.CounterVec
	recordsUpserted    *prometheus.CounterVec
	recordsUnallocated *prometheus.CounterVec
	lockWait           prometheus.Histogram
	cacheRequests      *prometheus.CounterVec
	cacheEvictions     prometheus.Counter
	cacheInvalidations prometheus.Counter
	staleConversions   prometheus.Counter
}

var (
	pipelineMetricsOnce sync.Once
	pipelineMetrics     *PipelineMetrics
)

// Pipeline returns the singleton pipeline metrics registry.
func Pipeline() *PipelineMetrics {
	return PipelineWithConfig(Config{})
}

func PipelineWithConfig(cfg Config) *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		pipelineMetrics = newPipelineMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return pipelineMetrics
}

// ResetPipelineMetricsForTest swaps the singleton for one bound to registerer.
func ResetPipelineMetricsForTest(registerer prometheus.Registerer) *PipelineMetrics {
	pipelineMetricsOnce = sync.Once{}
	pipelineMetrics = nil
	if registerer == nil {
		return nil
	}
	pipelineMetricsOnce.Do(func() {
		pipelineMetrics = newPipelineMetrics(registerer, Config{ServiceName: "costflow", Environment: "test"})
	})
	return pipelineMetrics
}

func newPipelineMetrics(registerer prometheus.Registerer, cfg Config) *PipelineMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := constLabels(cfg)

	m := &PipelineMetrics{
		runTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "costflow_pipeline_run_transitions_total",
			Help:        "Pipeline run state transitions.",
			ConstLabels: labels,
		}, []string{"from", "to"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "costflow_pipeline_attempt_duration_seconds",
			Help:        "Duration of a single pipeline attempt by outcome.",
			Buckets:     []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 3600},
			ConstLabels: labels,
		}, []string{"provider", "outcome"}),
		quotaRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "costflow_pipeline_quota_rejections_total",
			Help:        "Quota gate rejections by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		providerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "costflow_pipeline_provider_errors_total",
			Help:        "Provider extraction errors by kind.",
			ConstLabels: labels,
		}, []string{"provider", "kind"}),
		recordsUpserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "costflow_pipeline_records_upserted_total",
			Help:        "Normalized cost records written.",
			ConstLabels: labels,
		}, []string{"provider"}),
		recordsUnallocated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "costflow_pipeline_records_unallocated_total",
			Help:        "Records written without a hierarchy match.",
			ConstLabels: labels,
		}, []string{"provider"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "costflow_pipeline_lock_wait_seconds",
			Help:        "Time spent waiting for the run-scoped lock.",
			Buckets:     []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
			ConstLabels: labels,
		}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "costflow_aggregation_cache_requests_total",
			Help:        "Aggregation cache lookups by tier and result.",
			ConstLabels: labels,
		}, []string{"tier", "result"}),
		cacheEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "costflow_aggregation_cache_evictions_total",
			Help:        "Entries evicted from the in-process tier under capacity pressure.",
			ConstLabels: labels,
		}),
		cacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "costflow_aggregation_cache_invalidations_total",
			Help:        "Tenant-scoped cache invalidations.",
			ConstLabels: labels,
		}),
		staleConversions: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "costflow_exchange_rate_stale_conversions_total",
			Help:        "Currency conversions that used a stale rate.",
			ConstLabels: labels,
		}),
	}

	registerer.MustRegister(
		m.runTransitions,
		m.runDuration,
		m.quotaRejections,
		m.providerErrors,
		m.recordsUpserted,
		m.recordsUnallocated,
		m.lockWait,
		m.cacheRequests,
		m.cacheEvictions,
		m.cacheInvalidations,
		m.staleConversions,
	)
	return m
}

func (m *PipelineMetrics) IncRunTransition(from, to string) {
	if m == nil {
		return
	}
	m.runTransitions.WithLabelValues(from, to).Inc()
}

func (m *PipelineMetrics) ObserveAttempt(provider, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.WithLabelValues(provider, outcome).Observe(duration.Seconds())
}

func (m *PipelineMetrics) IncQuotaRejection(reason string) {
	if m == nil {
		return
	}
	m.quotaRejections.WithLabelValues(reason).Inc()
}

func (m *PipelineMetrics) IncProviderError(provider, kind string) {
	if m == nil {
		return
	}
	m.providerErrors.WithLabelValues(provider, kind).Inc()
}

func (m *PipelineMetrics) AddRecordsUpserted(provider string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.recordsUpserted.WithLabelValues(provider).Add(float64(count))
}

func (m *PipelineMetrics) AddRecordsUnallocated(provider string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.recordsUnallocated.WithLabelValues(provider).Add(float64(count))
}

func (m *PipelineMetrics) ObserveLockWait(duration time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(duration.Seconds())
}

func (m *PipelineMetrics) IncCacheRequest(tier, result string) {
	if m == nil {
		return
	}
	m.cacheRequests.WithLabelValues(tier, result).Inc()
}

func (m *PipelineMetrics) IncCacheEviction() {
	if m == nil {
		return
	}
	m.cacheEvictions.Inc()
}

func (m *PipelineMetrics) IncCacheInvalidation() {
	if m == nil {
		return
	}
	m.cacheInvalidations.Inc()
}

func (m *PipelineMetrics) AddStaleConversions(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.staleConversions.Add(float64(count))
}
