package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/remesa-rates/internal/cache"
	"github.com/yourorg/remesa-rates/internal/circuitbreaker"
	"github.com/yourorg/remesa-rates/internal/metrics"
	"github.com/yourorg/remesa-rates/internal/model"
	"github.com/yourorg/remesa-rates/internal/security"
)

const testSigningKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type stubBuilder struct {
	calls int32
	fail  atomic.Bool
}

func (b *stubBuilder) BuildSnapshot(context.Context, bool) (*model.RateSnapshot, error) {
	atomic.AddInt32(&b.calls, 1)
	if b.fail.Load() {
		return nil, errors.New("every source failed")
	}
	return &model.RateSnapshot{
		Official: &model.SelectedRate{Category: model.CategoryOfficial, Value: 195.5, Source: "DolarAPI (BCV)", Confidence: model.ConfidenceHigh},
		Parallel: &model.SelectedRate{Category: model.CategoryParallel, Value: 294.1, Source: "DolarAPI (Paralelo)", Confidence: model.ConfidenceHigh},
		P2P:      &model.SelectedRate{Category: model.CategoryP2P, Value: 299.98, Source: "Calculated from Paralelo", Confidence: model.ConfidenceMedium},
		GenericRates: map[string]float64{
			"USD": 1,
			"EUR": 0.92,
			"MXN": 17.5,
		},
		Validation: model.ValidationResult{OfficialParallelDeltaPct: 50.44, P2PParallelDeltaPct: 2, Alert: "BCV-Paralelo difference is 50.44% (threshold 20%)"},
		Timestamp:  1736510400000,
	}, nil
}

func (b *stubBuilder) Calls() int { return int(atomic.LoadInt32(&b.calls)) }

type stubBreakers struct {
	resets int
}

func (b *stubBreakers) Breakers() []circuitbreaker.Snapshot {
	return []circuitbreaker.Snapshot{{Name: "dolarapi_oficial", State: "closed"}}
}

func (b *stubBreakers) ResetBreakers() { b.resets++ }

type testEnv struct {
	builder  *stubBuilder
	layer    *cache.Layer
	breakers *stubBreakers
	handler  http.Handler
}

func newTestEnv(t *testing.T, cfg ServerConfig, integrity *security.Integrity) *testEnv {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	env := &testEnv{builder: &stubBuilder{}, breakers: &stubBreakers{}}
	env.layer = cache.New(env.builder, 2*time.Minute, 24*time.Hour, m)

	if cfg.FreshTTL == 0 {
		cfg.FreshTTL = 2 * time.Minute
	}
	srv := NewServer(cfg, Dependencies{
		Cache:     env.layer,
		Breakers:  env.breakers,
		Integrity: integrity,
		Metrics:   m,
		Gatherer:  reg,
	})
	env.handler = srv.Handler()
	return env
}

func (e *testEnv) do(method, target string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestRatesResponseShape(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, nil)

	rec := env.do(http.MethodGet, "/rates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "public, s-maxage=120, stale-while-revalidate=60", rec.Header().Get("Cache-Control"))
	assert.NotEmpty(t, rec.Header().Get("ETag"))
	assert.Empty(t, rec.Header().Get("X-Rates-Signature"))

	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, false, body["cached"])

	data := body["data"].(map[string]interface{})
	venezuela := data["venezuela"].(map[string]interface{})
	assert.Equal(t, 195.5, venezuela["bcv"])
	assert.Equal(t, 294.1, venezuela["paralelo"])
	assert.Equal(t, 299.98, venezuela["binanceP2P"])
	assert.Equal(t, 1.087, data["euro"])
	assert.Equal(t, 17.5, data["countries"].(map[string]interface{})["MXN"])
	assert.Equal(t, 1736510400000.0, data["timestamp"])
	assert.Equal(t, false, data["isFallback"])

	sources := data["sources"].(map[string]interface{})
	p2p := sources["binanceP2P"].(map[string]interface{})
	assert.Equal(t, "Calculated from Paralelo", p2p["source"])
	assert.Equal(t, "MEDIUM", p2p["confidence"])

	validation := data["validation"].(map[string]interface{})
	assert.Equal(t, "BCV-Paralelo difference is 50.44% (threshold 20%)", validation["alert"])
}

func TestRatesCachedAndRefresh(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, nil)

	first := env.do(http.MethodGet, "/rates", nil)
	second := env.do(http.MethodGet, "/rates", nil)
	assert.Equal(t, true, decode(t, second)["cached"])
	assert.Equal(t, "fresh", second.Header().Get("X-Cache"))
	assert.Equal(t, 1, env.builder.Calls())
	assert.Equal(t, first.Header().Get("ETag"), second.Header().Get("ETag"))

	forced := env.do(http.MethodGet, "/rates?refresh=true", nil)
	assert.Equal(t, false, decode(t, forced)["cached"])
	assert.Equal(t, 2, env.builder.Calls())

	env.do(http.MethodGet, "/rates?refresh=nope", nil)
	assert.Equal(t, 2, env.builder.Calls())
}

func TestRatesNotModified(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, nil)

	etag := env.do(http.MethodGet, "/rates", nil).Header().Get("ETag")
	rec := env.do(http.MethodGet, "/rates", http.Header{"If-None-Match": {etag}})
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.String())

	rec = env.do(http.MethodGet, "/rates", http.Header{"If-None-Match": {`"stale"`}})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRatesStaticFallback(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, nil)
	env.builder.fail.Store(true)

	rec := env.do(http.MethodGet, "/rates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "static", rec.Header().Get("X-Cache"))

	body := decode(t, rec)
	data := body["data"].(map[string]interface{})
	assert.Equal(t, true, data["isFallback"])
	assert.Equal(t, false, body["cached"])
	venezuela := data["venezuela"].(map[string]interface{})
	for _, key := range []string{"bcv", "paralelo", "binanceP2P"} {
		assert.Greater(t, venezuela[key].(float64), 0.0, key)
	}
	assert.Equal(t, "Using fallback rates - APIs unavailable", data["validation"].(map[string]interface{})["alert"])
}

func TestRatesInternalError(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, nil)
	env.builder.fail.Store(true)
	env.layer.WithStatic(func(time.Time) *model.RateSnapshot { return nil })

	rec := env.do(http.MethodGet, "/rates", nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "Failed to fetch exchange rates", body["error"])
	assert.Contains(t, body["message"], "static fallback")
}

func TestRatesSigned(t *testing.T) {
	integrity, err := security.NewIntegrity(testSigningKey)
	require.NoError(t, err)
	env := newTestEnv(t, ServerConfig{}, integrity)

	rec := env.do(http.MethodGet, "/rates", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	sig := rec.Header().Get("X-Rates-Signature")
	require.NotEmpty(t, sig)
	assert.NoError(t, security.Verify(rec.Body.Bytes(), sig, integrity.Address()))
}

func TestRatesMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, nil)

	rec := env.do(http.MethodPost, "/rates", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "GET, HEAD", rec.Header().Get("Allow"))
}

func TestVenezuela(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, nil)

	rec := env.do(http.MethodGet, "/rates/venezuela", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	data := decode(t, rec)["data"].(map[string]interface{})
	official := data["official"].(map[string]interface{})
	assert.Equal(t, 195.5, official["value"])
	assert.Equal(t, "HIGH", official["confidence"])
	assert.Equal(t, "OFFICIAL", official["category"])
}

func TestConvert(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, nil)

	tests := []struct {
		name   string
		target string
		code   int
		amount float64
	}{
		{"usd to mxn", "/convert?amount=100&from=USD&to=MXN", http.StatusOK, 1750},
		{"defaults", "/convert", http.StatusOK, 1750},
		{"ves uses official", "/convert?amount=10&from=usd&to=ves", http.StatusOK, 1955},
		{"eur to usd", "/convert?amount=92&from=EUR&to=USD", http.StatusOK, 100},
		{"negative amount", "/convert?amount=-1", http.StatusBadRequest, 0},
		{"bad amount", "/convert?amount=abc", http.StatusBadRequest, 0},
		{"unsupported currency", "/convert?amount=1&from=USD&to=XYZ", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodGet, tt.target, nil)
			require.Equal(t, tt.code, rec.Code, rec.Body.String())

			body := decode(t, rec)
			if tt.code != http.StatusOK {
				assert.Equal(t, false, body["success"])
				return
			}
			to := body["data"].(map[string]interface{})["to"].(map[string]interface{})
			assert.Equal(t, tt.amount, to["amount"])
		})
	}
}

func TestCacheEndpoint(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, nil)
	env.do(http.MethodGet, "/rates", nil)

	rec := env.do(http.MethodGet, "/cache", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode(t, rec)["cache"].(map[string]interface{})
	assert.Equal(t, true, status["hasEntry"])

	rec = env.do(http.MethodPost, "/cache?action=invalidate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["cache"].(map[string]interface{})["hasEntry"])

	rec = env.do(http.MethodPost, "/cache?action=reset-breakers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, env.breakers.resets)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodPost, "/cache?action=drop", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(http.MethodDelete, "/cache", nil).Code)
}

func TestCountries(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, nil)

	tests := []struct {
		name      string
		path      string
		wantCount int
		wantFirst string
	}{
		{"whole catalogue", "/countries", 23, "USD"},
		{"central america", "/countries?region=central-america", 5, "GTQ"},
		{"caribbean", "/countries?region=caribbean", 3, "DOP"},
		{"unknown region", "/countries?region=atlantis", 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(http.MethodGet, tt.path, nil)
			require.Equal(t, http.StatusOK, rec.Code)
			body := decode(t, rec)
			assert.Equal(t, true, body["success"])
			assert.Equal(t, float64(tt.wantCount), body["count"])

			data := body["data"].([]interface{})
			require.Len(t, data, tt.wantCount)
			if tt.wantFirst != "" {
				first := data[0].(map[string]interface{})
				assert.Equal(t, tt.wantFirst, first["code"])
				assert.NotEmpty(t, first["country"])
				assert.NotEmpty(t, first["region"])
			}
		})
	}

	assert.Equal(t, 0, env.builder.Calls(), "the catalogue needs no upstream data")
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(http.MethodPost, "/countries", nil).Code)
}

func TestHealthAndStatus(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, nil)

	rec := env.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", decode(t, rec)["status"])

	rec = env.do(http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "operational", body["status"])
	assert.Len(t, body["breakers"], 1)
	assert.Equal(t, map[string]interface{}{"enabled": false}, body["alerts"])
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, ServerConfig{RateLimitRPS: 0.001, RateLimitBurst: 1}, nil)

	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/rates", nil).Code)
	rec := env.do(http.MethodGet, "/rates", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// health checks are never limited
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/health", nil).Code)
}

func TestRequestID(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, nil)

	rec := env.do(http.MethodGet, "/health", http.Header{"X-Request-Id": {"abc-123"}})
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))

	rec = env.do(http.MethodGet, "/health", nil)
	assert.Len(t, rec.Header().Get("X-Request-ID"), 36)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, ServerConfig{}, nil)
	env.do(http.MethodGet, "/rates", nil)

	rec := env.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "remesa_cache_results_total"))
}
