package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fablecast/fablecast"
	"github.com/fablecast/fablecast/balancer"
	"github.com/fablecast/fablecast/breaker"
	"github.com/fablecast/fablecast/cache"
	"github.com/fablecast/fablecast/gateway"
	"github.com/fablecast/fablecast/monitoring"
	"github.com/fablecast/fablecast/optimizer"
	"github.com/fablecast/fablecast/provider"
	"github.com/fablecast/fablecast/usage"
)

func newTestAPI(t *testing.T, usageConfig *usage.Config) *API {
	t.Helper()
	logger := zap.NewNop().Sugar()

	registry := provider.NewRegistry()
	registry.Register(fablecast.ServiceTTS, "", provider.ExecutorFunc(
		func(ctx context.Context, invocation *provider.Invocation) (*fablecast.Response, error) {
			return &fablecast.Response{Data: map[string]any{"audio_url": "https://cdn.example/a.mp3"}, Tokens: 8}, nil
		}))

	lb := balancer.New(balancer.DefaultConfig(), breaker.New(nil, logger), logger)
	lb.Register(&balancer.Endpoint{
		ID:             "ep-1",
		BaseURL:        "http://ep-1.local",
		Weight:         1,
		MaxConnections: 10,
		CostPerRequest: 0.02,
		Priority:       1,
		ServiceTypes:   []fablecast.ServiceType{fablecast.ServiceTTS},
	})

	optConfig := optimizer.DefaultConfig()
	optConfig.BatchableMethods = nil
	memoryCache, stopCache := cache.NewMemory(1 << 20)
	t.Cleanup(stopCache)
	opt := optimizer.New(optConfig, memoryCache, registry, logger)

	usageService := usage.NewService(usageConfig, usage.NewMemoryStore(), logger)
	monitor := monitoring.New(monitoring.DefaultConfig(), logger)

	gw := gateway.New(lb, opt, usageService, monitor, logger)
	require.NoError(t, gw.Start(context.Background()))
	t.Cleanup(gw.Stop)

	return New(gw, usageService, monitor, logger)
}

func doJSON(t *testing.T, handler http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	var decoded map[string]any
	if recorder.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &decoded))
	}
	return recorder, decoded
}

func TestCallEndpoint(t *testing.T) {
	api := newTestAPI(t, nil)
	handler := api.Handler()

	recorder, decoded := doJSON(t, handler, "POST", "/v1/call",
		`{"service_type":"tts","method":"synthesize","params":{"text":"hello"},"user_id":"alice"}`)
	require.Equal(t, http.StatusOK, recorder.Code)

	response := decoded["response"].(map[string]any)
	assert.Equal(t, "https://cdn.example/a.mp3", response["data"].(map[string]any)["audio_url"])
	info := decoded["info"].(map[string]any)
	assert.Equal(t, "ep-1", info["endpoint_id"])
	assert.NotEmpty(t, info["request_id"])
}

func TestCallEndpointValidation(t *testing.T) {
	api := newTestAPI(t, nil)
	handler := api.Handler()

	recorder, decoded := doJSON(t, handler, "POST", "/v1/call", `{"method":"synthesize"}`)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	errObj := decoded["error"].(map[string]any)
	assert.Equal(t, "invalid_request", errObj["code"])

	recorder, _ = doJSON(t, handler, "POST", "/v1/call", `{not json`)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder, _ = doJSON(t, handler, "POST", "/v1/call",
		`{"service_type":"tts","method":"synthesize","timeout":"soon"}`)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestCallEndpointQuotaExceeded(t *testing.T) {
	usageConfig := usage.DefaultConfig()
	usageConfig.Quotas[fablecast.ServiceTTS] = usage.QuotaDefaults{DailyRequests: 1}
	api := newTestAPI(t, usageConfig)
	handler := api.Handler()

	first, _ := doJSON(t, handler, "POST", "/v1/call",
		`{"service_type":"tts","method":"synthesize","params":{"text":"one"},"user_id":"bob"}`)
	require.Equal(t, http.StatusOK, first.Code)

	second, decoded := doJSON(t, handler, "POST", "/v1/call",
		`{"service_type":"tts","method":"synthesize","params":{"text":"two"},"user_id":"bob"}`)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	errObj := decoded["error"].(map[string]any)
	assert.Equal(t, "quota_exceeded", errObj["code"])
}

func TestMetricsAndAlertsEndpoints(t *testing.T) {
	api := newTestAPI(t, nil)
	handler := api.Handler()

	first, _ := doJSON(t, handler, "POST", "/v1/call",
		`{"service_type":"tts","method":"synthesize","params":{"text":"hello"}}`)
	require.Equal(t, http.StatusOK, first.Code)
	api.monitor.Collect()

	recorder, decoded := doJSON(t, handler, "GET", "/v1/metrics", "")
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, 1.0, decoded["gateway.calls_total"])

	recorder, decoded = doJSON(t, handler, "GET", "/v1/alerts", "")
	require.Equal(t, http.StatusOK, recorder.Code)
	_, hasAlerts := decoded["alerts"]
	assert.True(t, hasAlerts)

	recorder, _ = doJSON(t, handler, "GET", "/v1/alerts/history", "")
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestUsageEndpoints(t *testing.T) {
	api := newTestAPI(t, nil)
	handler := api.Handler()

	first, _ := doJSON(t, handler, "POST", "/v1/call",
		`{"service_type":"tts","method":"synthesize","params":{"text":"hello"},"user_id":"carol"}`)
	require.Equal(t, http.StatusOK, first.Code)

	recorder, decoded := doJSON(t, handler, "GET", "/v1/usage/stats?service_type=tts&window=1h", "")
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, 1.0, decoded["total_requests"])

	recorder, decoded = doJSON(t, handler, "GET", "/v1/usage/costs?top=5", "")
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.InDelta(t, 0.02, decoded["total_cost"].(float64), 1e-9)

	recorder, _ = doJSON(t, handler, "GET", "/v1/usage/stats?window=invalid", "")
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder, _ = doJSON(t, handler, "GET", "/v1/usage/costs?top=zero", "")
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestHealthzReflectsComponentStaleness(t *testing.T) {
	api := newTestAPI(t, nil)
	handler := api.Handler()
	api.monitor.Collect()

	recorder, decoded := doJSON(t, handler, "GET", "/healthz", "")
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "ok", decoded["status"])
	components := decoded["components"].(map[string]any)
	assert.Equal(t, true, components["gateway"])
}

func TestPrometheusScrape(t *testing.T) {
	api := newTestAPI(t, nil)
	handler := api.Handler()

	first, _ := doJSON(t, handler, "POST", "/v1/call",
		`{"service_type":"tts","method":"synthesize","params":{"text":"hello"}}`)
	require.Equal(t, http.StatusOK, first.Code)
	api.monitor.Collect()

	request := httptest.NewRequest("GET", "/metrics", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "fablecast_gateway_calls_total")
}

func TestRequestTimeoutApplied(t *testing.T) {
	api := newTestAPI(t, nil)
	handler := api.Handler()

	recorder, decoded := doJSON(t, handler, "POST", "/v1/call",
		`{"service_type":"tts","method":"synthesize","params":{"text":"hi"},"timeout":"5s"}`)
	require.Equal(t, http.StatusOK, recorder.Code)
	info := decoded["info"].(map[string]any)
	assert.Less(t, info["latency"].(float64), float64(5*time.Second))
}
