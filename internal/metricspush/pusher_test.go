package metricspush

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang/snappy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/prometheus/prompb"
	"github.com/smallbiznis/costflow/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
)

func testRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	reg := prometheus.NewRegistry()
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "costflow_pipeline_run_transitions_total",
		Help: "test",
	}, []string{"to"})
	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name: "costflow_pipeline_attempt_duration_seconds",
		Help: "test",
	})
	reg.MustRegister(runs, duration)
	runs.WithLabelValues("succeeded").Add(2)
	duration.Observe(1.5)
	return reg
}

func labelsOf(ts prompb.TimeSeries) map[string]string {
	out := map[string]string{}
	for _, l := range ts.Labels {
		out[l.Name] = l.Value
	}
	return out
}

func TestBuildRemoteWriteSeries(t *testing.T) {
	families, err := testRegistry(t).Gather()
	require.NoError(t, err)

	series := buildRemoteWriteSeries(families, map[string]string{"tenant_id": "t1"}, 1000)

	byName := map[string]prompb.TimeSeries{}
	for _, ts := range series {
		byName[labelsOf(ts)["__name__"]] = ts
	}
	require.Len(t, byName, 3)

	counter := byName["costflow_pipeline_run_transitions_total"]
	assert.Equal(t, "succeeded", labelsOf(counter)["to"])
	assert.Equal(t, "t1", labelsOf(counter)["tenant_id"])
	assert.Equal(t, 2.0, counter.Samples[0].Value)
	assert.Equal(t, int64(1000), counter.Samples[0].Timestamp)

	assert.Equal(t, 1.5, byName["costflow_pipeline_attempt_duration_seconds_sum"].Samples[0].Value)
	assert.Equal(t, 1.0, byName["costflow_pipeline_attempt_duration_seconds_count"].Samples[0].Value)

	for _, ts := range series {
		for i := 1; i < len(ts.Labels); i++ {
			assert.Less(t, ts.Labels[i-1].Name, ts.Labels[i].Name)
		}
	}
}

func TestRemoteWritePush(t *testing.T) {
	var got prompb.WriteRequest
	var auth, encoding string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		encoding = r.Header.Get("Content-Encoding")
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		raw, err := snappy.Decode(nil, body)
		require.NoError(t, err)
		require.NoError(t, proto.Unmarshal(raw, protoadapt.MessageV2Of(&got)))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	pusher := NewRemoteWritePusher(srv.URL, " secret ")
	require.NoError(t, pusher.Push(context.Background(), testRegistry(t), nil))

	assert.Equal(t, "Bearer secret", auth)
	assert.Equal(t, "snappy", encoding)
	assert.Len(t, got.Timeseries, 3)
}

func TestRemoteWritePushReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewRemoteWritePusher(srv.URL, "").Push(context.Background(), testRegistry(t), nil)
	assert.ErrorContains(t, err, "502")
}

func TestNewPusherSelection(t *testing.T) {
	log := zap.NewNop()

	assert.Nil(t, NewPusher(config.Config{}, log))
	assert.Nil(t, NewPusher(config.Config{MetricsPush: config.MetricsPushConfig{Exporter: ExporterRemoteWrite}}, log))
	assert.Nil(t, NewPusher(config.Config{MetricsPush: config.MetricsPushConfig{Exporter: "statsd", Endpoint: "http://x"}}, log))

	p := NewPusher(config.Config{AppName: "costflow", MetricsPush: config.MetricsPushConfig{
		Exporter: ExporterPushgateway,
		Endpoint: "http://localhost:9091",
	}}, log)
	assert.IsType(t, &PushgatewayPusher{}, p)

	p = NewPusher(config.Config{MetricsPush: config.MetricsPushConfig{
		Exporter: ExporterRemoteWrite,
		Endpoint: "http://localhost:9090/api/v1/write",
	}}, log)
	assert.IsType(t, &RemoteWritePusher{}, p)
}
