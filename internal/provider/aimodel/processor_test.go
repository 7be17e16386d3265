package aimodel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	providerdomain "github.com/smallbiznis/costflow/internal/provider/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const firstPage = `{
  "data": [
    {"start_time": 1767225600, "end_time": 1767312000, "results": [
      {"model": "gpt-4o-mini", "project_id": "proj_ml", "input_tokens": 2000000, "input_cached_tokens": 0, "output_tokens": 1000000},
      {"model": "gpt-4o", "project_id": "proj_web", "input_tokens": 1000000, "input_cached_tokens": 0, "output_tokens": 0}
    ]}
  ],
  "has_more": true,
  "next_page": "page_2"
}`

const secondPage = `{
  "data": [
    {"start_time": 1767312000, "end_time": 1767398400, "results": [
      {"model": "gpt-4o-mini-2025-01-01", "project_id": "proj_ml", "input_tokens": 1000000, "input_cached_tokens": 1000000, "output_tokens": 0}
    ]}
  ],
  "has_more": false
}`

func TestExtractUsageFollowsPages(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if r.URL.Query().Get("page") == "page_2" {
			_, _ = w.Write([]byte(secondPage))
			return
		}
		_, _ = w.Write([]byte(firstPage))
	}))
	defer srv.Close()

	p := New(zap.NewNop(), srv.Client(), nil)
	window, err := providerdomain.ParseDateRange("2026-01-01", "2026-01-02")
	require.NoError(t, err)
	cred := &providerdomain.Credential{
		TenantID: "t1",
		Secret:   []byte("sk-test"),
		Config: map[string]string{
			SettingBaseURL:         srv.URL,
			"project_tags.proj_ml": "team=TEAM-3",
			SettingDiscount:        "10",
		},
	}

	var records []providerdomain.RawUsageRecord
	err = p.ExtractUsage(context.Background(), cred, providerdomain.ExtractRequest{TenantID: "t1", Range: window},
		func(_ context.Context, batch []providerdomain.RawUsageRecord) error {
			records = append(records, batch...)
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	require.Len(t, records, 3)
	assert.Equal(t, "TEAM-3", records[0].Labels["team"])
	assert.Equal(t, "proj_ml", records[0].ResourceID)

	// 2M input * 0.15 + 1M output * 0.60 = 0.90 list, 10% discount.
	costs, err := p.CalculateCosts(records[0])
	require.NoError(t, err)
	assert.True(t, costs.List.Equal(decimal.RequireFromString("0.9")), costs.List.String())
	assert.True(t, costs.Effective.Equal(decimal.RequireFromString("0.81")), costs.Effective.String())
	assert.Equal(t, "USD", costs.Currency)

	// Dated variant falls back to the gpt-4o-mini family; cached input costs half.
	costs, err = p.CalculateCosts(records[2])
	require.NoError(t, err)
	assert.True(t, costs.List.Equal(decimal.RequireFromString("0.075")), costs.List.String())
}

func TestExtractUsageClassifiesStatus(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusTooManyRequests)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := New(zap.NewNop(), srv.Client(), nil)
	window, _ := providerdomain.ParseDateRange("2026-01-01", "2026-01-01")
	cred := &providerdomain.Credential{Secret: []byte("k"), Config: map[string]string{SettingBaseURL: srv.URL}}
	sink := func(context.Context, []providerdomain.RawUsageRecord) error { return nil }

	err := p.ExtractUsage(context.Background(), cred, providerdomain.ExtractRequest{Range: window}, sink)
	assert.True(t, providerdomain.IsTransient(err))

	status.Store(http.StatusUnauthorized)
	err = p.ExtractUsage(context.Background(), cred, providerdomain.ExtractRequest{Range: window}, sink)
	assert.True(t, providerdomain.IsPermanent(err))
}

func TestExtractUsageMalformedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data": {"unexpected": true}}`))
	}))
	defer srv.Close()

	p := New(zap.NewNop(), srv.Client(), nil)
	window, _ := providerdomain.ParseDateRange("2026-01-01", "2026-01-01")
	cred := &providerdomain.Credential{Secret: []byte("k"), Config: map[string]string{SettingBaseURL: srv.URL}}

	err := p.ExtractUsage(context.Background(), cred, providerdomain.ExtractRequest{Range: window},
		func(context.Context, []providerdomain.RawUsageRecord) error { return nil })
	assert.True(t, providerdomain.IsPermanent(err))
	assert.ErrorIs(t, err, providerdomain.ErrMalformedPayload)
}

func TestPricingForLongestPrefix(t *testing.T) {
	assert.True(t, PricingFor("gpt-4o-mini-2030").InputPerMTok.Equal(decimal.RequireFromString("0.15")))
	assert.True(t, PricingFor("gpt-4o-2030").InputPerMTok.Equal(decimal.RequireFromString("2.5")))
	assert.True(t, PricingFor("mystery-model").InputPerMTok.Equal(defaultPricing.InputPerMTok))
}
