package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPipelineMetricsCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := ResetPipelineMetricsForTest(registry)
	t.Cleanup(func() { ResetPipelineMetricsForTest(nil) })

	m.IncRunTransition("pending", "running")
	m.IncRunTransition("pending", "running")
	m.IncQuotaRejection("daily_limit_exceeded")
	m.AddRecordsUpserted("aws", 40)
	m.AddRecordsUpserted("aws", -1)
	m.IncCacheRequest(CacheTierL1, CacheResultHit)

	if got := testutil.ToFloat64(m.runTransitions.WithLabelValues("pending", "running")); got != 2 {
		t.Fatalf("expected 2 transitions, got %v", got)
	}
	if got := testutil.ToFloat64(m.quotaRejections.WithLabelValues("daily_limit_exceeded")); got != 1 {
		t.Fatalf("expected 1 rejection, got %v", got)
	}
	if got := testutil.ToFloat64(m.recordsUpserted.WithLabelValues("aws")); got != 40 {
		t.Fatalf("expected 40 records, got %v", got)
	}
	if Pipeline() != m {
		t.Fatalf("expected singleton to be the test instance")
	}
}

func TestPipelineMetricsNilSafe(t *testing.T) {
	var m *PipelineMetrics
	m.IncRunTransition("running", "failed")
	m.IncCacheEviction()
	m.AddStaleConversions(2)
}
