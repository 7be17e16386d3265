package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/costflow/internal/aggregation"
	"github.com/smallbiznis/costflow/internal/clock"
	"github.com/smallbiznis/costflow/internal/config"
	"github.com/smallbiznis/costflow/internal/costrecord"
	"github.com/smallbiznis/costflow/internal/credential"
	"github.com/smallbiznis/costflow/internal/exchangerate"
	"github.com/smallbiznis/costflow/internal/hierarchy"
	"github.com/smallbiznis/costflow/internal/migration"
	"github.com/smallbiznis/costflow/internal/observability"
	"github.com/smallbiznis/costflow/internal/pipeline"
	"github.com/smallbiznis/costflow/internal/provider"
	"github.com/smallbiznis/costflow/internal/provider/aimodel"
	"github.com/smallbiznis/costflow/internal/quota"
	"github.com/smallbiznis/costflow/internal/ratelimit"
	"github.com/smallbiznis/costflow/internal/server"
	"github.com/smallbiznis/costflow/internal/tenant"
	"github.com/smallbiznis/costflow/pkg/db"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

// The suite needs a reachable Postgres configured through the DATABASE_* variables.
const enableEnv = "COSTFLOW_E2E"

type testEnv struct {
	app      *fx.App
	db       *gorm.DB
	baseURL  string
	httpSrv  *httptest.Server
	upstream *fakeUpstream
}

var env *testEnv

func TestMain(m *testing.M) {
	if strings.TrimSpace(os.Getenv(enableEnv)) == "" {
		fmt.Fprintf(os.Stderr, "skipping e2e suite, set %s=1 to run it\n", enableEnv)
		os.Exit(0)
	}

	gin.SetMode(gin.TestMode)
	setDefaultEnv()

	var err error
	env, err = startEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to start test environment:", err)
		os.Exit(1)
	}

	code := m.Run()
	env.shutdown()
	os.Exit(code)
}

func TestE2E_HealthCheck(t *testing.T) {
	resp, err := http.Get(env.baseURL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestE2E_IngestThenAggregate(t *testing.T) {
	tenantID := uniqueTenant(t)
	configureOpenAI(t, tenantID)

	runID := triggerRun(t, tenantID, "2026-01-01", "2026-01-02")
	run := waitForStatus(t, tenantID, runID, 2*time.Minute)
	require.Equal(t, "succeeded", run.Status, "run finished as %s: %s", run.Status, run.Error)
	assert.Equal(t, int64(2), run.RecordsWritten)

	query := map[string]any{
		"group_by": []string{"provider", "service"},
		"from":     "2026-01-01",
		"to":       "2026-01-02",
	}
	resp, body := doJSON(t, http.MethodPost, "/v1/aggregations", query, tenantHeader(tenantID))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))

	var result aggregationResponse
	require.NoError(t, json.Unmarshal(body, &result))
	require.NotEmpty(t, result.Data.Groups)
	var records int64
	for _, group := range result.Data.Groups {
		assert.Equal(t, aimodel.ProviderID, group.Dimensions["provider"])
		assert.True(t, group.Effective.IsPositive(), group.Effective.String())
		records += group.Records
	}
	assert.Equal(t, int64(2), records)

	resp, _ = doJSON(t, http.MethodPost, "/v1/aggregations", query, tenantHeader(tenantID))
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))

	resp, _ = doJSON(t, http.MethodDelete, "/v1/cache/tenants/"+tenantID, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodPost, "/v1/aggregations", query, tenantHeader(tenantID))
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))
}

func TestE2E_RerunIsIdempotent(t *testing.T) {
	tenantID := uniqueTenant(t)
	configureOpenAI(t, tenantID)

	for i := 0; i < 2; i++ {
		runID := triggerRun(t, tenantID, "2026-01-01", "2026-01-01")
		run := waitForStatus(t, tenantID, runID, 2*time.Minute)
		require.Equal(t, "succeeded", run.Status, run.Error)
	}

	assert.Equal(t, int64(2), countRows(t, "cost_records", "tenant_id = ?", tenantID))
}

func TestE2E_ConversionNeedsRate(t *testing.T) {
	tenantID := uniqueTenant(t)
	configureOpenAI(t, tenantID)

	runID := triggerRun(t, tenantID, "2026-01-01", "2026-01-01")
	run := waitForStatus(t, tenantID, runID, 2*time.Minute)
	require.Equal(t, "succeeded", run.Status, run.Error)

	query := map[string]any{"from": "2026-01-01", "to": "2026-01-01", "currency": "CHF"}
	resp, body := doJSON(t, http.MethodPost, "/v1/aggregations", query, tenantHeader(tenantID))
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode, string(body))

	rate := map[string]any{
		"base_currency":  "USD",
		"quote_currency": "CHF",
		"rate":           "0.9",
		"effective_date": "2025-12-31",
	}
	resp, body = doJSON(t, http.MethodPost, "/v1/exchange-rates", rate, nil)
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusConflict {
		t.Fatalf("append rate failed: %d: %s", resp.StatusCode, string(body))
	}

	resp, body = doJSON(t, http.MethodPost, "/v1/aggregations", query, tenantHeader(tenantID))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var result aggregationResponse
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, "CHF", result.Data.Currency)
}

func TestE2E_TriggerRequiresEnabledProvider(t *testing.T) {
	tenantID := uniqueTenant(t)

	resp, body := doJSON(t, http.MethodPost, "/v1/pipelines/runs", map[string]any{
		"provider":   aimodel.ProviderID,
		"domain":     "usage",
		"start_date": "2026-01-01",
		"end_date":   "2026-01-01",
	}, tenantHeader(tenantID))
	assert.Equal(t, http.StatusConflict, resp.StatusCode, string(body))
}

type runPayload struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	Error          string `json:"last_error"`
	RecordsWritten int64  `json:"records_written"`
}

type aggregationResponse struct {
	Data struct {
		Currency string `json:"currency"`
		Groups   []struct {
			Dimensions map[string]string `json:"dimensions"`
			Effective  decimal.Decimal   `json:"effective_cost"`
			Records    int64             `json:"records"`
		} `json:"groups"`
	} `json:"data"`
}

// fakeUpstream serves one day of completions usage for any window.
type fakeUpstream struct {
	calls atomic.Int32
}

const usagePage = `{
  "data": [
    {"start_time": 1767225600, "end_time": 1767312000, "results": [
      {"model": "gpt-4o-mini", "project_id": "proj_ml", "input_tokens": 2000000, "input_cached_tokens": 0, "output_tokens": 1000000},
      {"model": "gpt-4o", "project_id": "proj_web", "input_tokens": 1000000, "input_cached_tokens": 0, "output_tokens": 0}
    ]}
  ],
  "has_more": false
}`

func (f *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.calls.Add(1)
	if r.Header.Get("Authorization") != "Bearer sk-e2e" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(usagePage))
}

func setDefaultEnv() {
	setEnvIfEmpty("ENVIRONMENT", "test")
	setEnvIfEmpty("LOG_LEVEL", "error")
	setEnvIfEmpty("DATABASE_TYPE", "postgres")
	setEnvIfEmpty("DATABASE_NAME", "costflow_e2e")
	setEnvIfEmpty("CREDENTIAL_MASTER_KEY", "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=")
	setEnvIfEmpty("PIPELINE_BACKOFF_INITIAL", "100ms")
	setEnvIfEmpty("PIPELINE_LOCK_POLL_INTERVAL", "50ms")
}

func setEnvIfEmpty(key, value string) {
	if strings.TrimSpace(os.Getenv(key)) != "" {
		return
	}
	_ = os.Setenv(key, value)
}

func startEnv() (*testEnv, error) {
	var (
		srv    *server.Server
		dbConn *gorm.DB
		cfg    config.Config
	)

	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(func(cfg config.Config) (*snowflake.Node, error) {
			return snowflake.NewNode(cfg.NodeID)
		}),
		db.Module,
		clock.Module,
		migration.Module,
		ratelimit.Module,
		tenant.Module,
		hierarchy.Module,
		costrecord.Module,
		exchangerate.Module,
		provider.Module,
		credential.Module,
		quota.Module,
		pipeline.Module,
		pipeline.WithWorkers(),
		aggregation.Module,
		fx.Provide(server.NewEngine),
		fx.Provide(server.NewValidator),
		fx.Provide(server.NewServer),
		fx.Populate(&srv, &dbConn, &cfg),
		fx.NopLogger,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := app.Start(ctx); err != nil {
		return nil, err
	}

	if !strings.EqualFold(strings.TrimSpace(cfg.DBType), "postgres") {
		_ = app.Stop(context.Background())
		return nil, fmt.Errorf("expected postgres db, got %s", cfg.DBType)
	}

	upstream := &fakeUpstream{}
	return &testEnv{
		app:      app,
		db:       dbConn,
		httpSrv:  httptest.NewServer(srv.Engine()),
		upstream: upstream,
	}, nil
}

func (e *testEnv) shutdown() {
	if e.httpSrv != nil {
		e.httpSrv.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = e.app.Stop(ctx)
}

func (e *testEnv) url(path string) string {
	return e.httpSrv.URL + path
}

func uniqueTenant(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("e2e-%d", time.Now().UnixNano())
}

func tenantHeader(tenantID string) map[string]string {
	return map[string]string{"X-Tenant-ID": tenantID}
}

func configureOpenAI(t *testing.T, tenantID string) {
	t.Helper()

	upstream := httptest.NewServer(env.upstream)
	t.Cleanup(upstream.Close)

	resp, body := doJSON(t, http.MethodPost, "/v1/tenants/"+tenantID+"/providers/"+aimodel.ProviderID+"/enable", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	cred := map[string]any{
		"secret": "sk-e2e",
		"config": map[string]string{aimodel.SettingBaseURL: upstream.URL},
	}
	resp, body = doJSON(t, http.MethodPut, "/v1/tenants/"+tenantID+"/providers/"+aimodel.ProviderID+"/credential", cred, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode, string(body))
}

func triggerRun(t *testing.T, tenantID, from, to string) string {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, "/v1/pipelines/runs", map[string]any{
		"provider":   aimodel.ProviderID,
		"domain":     "usage",
		"start_date": from,
		"end_date":   to,
	}, tenantHeader(tenantID))
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var payload struct {
		Data runPayload `json:"data"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	require.NotEmpty(t, payload.Data.ID)
	return payload.Data.ID
}

func waitForStatus(t *testing.T, tenantID, runID string, timeout time.Duration) runPayload {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		resp, body := doJSON(t, http.MethodGet, "/v1/pipelines/runs/"+runID, nil, tenantHeader(tenantID))
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		var payload struct {
			Data runPayload `json:"data"`
		}
		require.NoError(t, json.Unmarshal(body, &payload))

		switch payload.Data.Status {
		case "succeeded", "failed", "cancelled":
			return payload.Data
		}
		if time.Now().After(deadline) {
			t.Fatalf("run %s still %s after %s", runID, payload.Data.Status, timeout)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func countRows(t *testing.T, table string, where string, args ...any) int64 {
	t.Helper()
	var count int64
	require.NoError(t, env.db.Table(table).Where(where, args...).Count(&count).Error)
	return count
}

func doJSON(t *testing.T, method, path string, payload any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, env.url(path), body)
	require.NoError(t, err)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}
