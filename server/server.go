// Package server exposes the gateway over HTTP: the call endpoint plus
// metrics, alerts, and usage reporting.
package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/fablecast/fablecast"
	"github.com/fablecast/fablecast/gateway"
	"github.com/fablecast/fablecast/monitoring"
	"github.com/fablecast/fablecast/usage"
)

// API serves the REST surface. Construct with New and mount Handler.
type API struct {
	gateway    *gateway.Gateway
	usage      *usage.Service
	monitor    *monitoring.Monitor
	prometheus http.Handler
	logger     *zap.SugaredLogger
}

func New(gw *gateway.Gateway, usageService *usage.Service, monitor *monitoring.Monitor, logger *zap.SugaredLogger) *API {
	return &API{
		gateway:    gw,
		usage:      usageService,
		monitor:    monitor,
		prometheus: monitoring.NewPrometheusExporter(monitor, "fablecast").Handler(),
		logger:     logger,
	}
}

// CallRequest is the JSON body of POST /v1/call.
type CallRequest struct {
	ServiceType string         `json:"service_type"`
	Method      string         `json:"method"`
	Params      map[string]any `json:"params"`
	UserID      string         `json:"user_id,omitempty"`
	SessionKey  string         `json:"session_key,omitempty"`
	Priority    string         `json:"priority,omitempty"`

	// Per-call deadline in Go duration notation, e.g. "10s".
	Timeout string `json:"timeout,omitempty"`
}

// CallResponse pairs the provider payload with call diagnostics.
type CallResponse struct {
	Response *fablecast.Response `json:"response"`
	Info     *fablecast.CallInfo `json:"info"`
}

type errorEnvelope struct {
	Error struct {
		Code    string              `json:"code"`
		Message string              `json:"message"`
		Info    *fablecast.CallInfo `json:"info,omitempty"`
	} `json:"error"`
}

// Handler builds the full route table wrapped in CORS.
func (api *API) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/v1/call", api.HandleCall).Methods("POST")
	router.HandleFunc("/v1/metrics", api.HandleMetrics).Methods("GET")
	router.HandleFunc("/v1/alerts", api.HandleAlerts).Methods("GET")
	router.HandleFunc("/v1/alerts/history", api.HandleAlertHistory).Methods("GET")
	router.HandleFunc("/v1/usage/stats", api.HandleUsageStats).Methods("GET")
	router.HandleFunc("/v1/usage/costs", api.HandleUsageCosts).Methods("GET")
	router.HandleFunc("/healthz", api.HandleHealthz).Methods("GET")
	router.Handle("/metrics", api.prometheus).Methods("GET")

	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	})
	return corsMiddleware.Handler(router)
}

// HandleCall handles POST /v1/call.
func (api *API) HandleCall(w http.ResponseWriter, r *http.Request) {
	var body CallRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		api.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON payload", nil)
		return
	}
	if body.ServiceType == "" || body.Method == "" {
		api.writeError(w, http.StatusBadRequest, "invalid_request", "service_type and method are required", nil)
		return
	}

	request := fablecast.NewServiceRequest(fablecast.ServiceType(body.ServiceType), body.Method, body.Params)
	request.UserID = body.UserID
	request.SessionKey = body.SessionKey
	if body.Priority != "" {
		request.Priority = fablecast.Priority(body.Priority)
	}
	if body.Timeout != "" {
		timeout, err := time.ParseDuration(body.Timeout)
		if err != nil {
			api.writeError(w, http.StatusBadRequest, "invalid_request", "timeout must be a duration like \"10s\"", nil)
			return
		}
		request.Timeout = timeout
	}

	response, info, err := api.gateway.Call(r.Context(), request)
	if err != nil {
		api.writeError(w, statusFor(err), info.ErrorClass, err.Error(), info)
		return
	}
	api.writeJSON(w, http.StatusOK, &CallResponse{Response: response, Info: info})
}

// HandleMetrics handles GET /v1/metrics.
func (api *API) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, http.StatusOK, api.monitor.Current())
}

// HandleAlerts handles GET /v1/alerts.
func (api *API) HandleAlerts(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, http.StatusOK, map[string]any{"alerts": api.monitor.ActiveAlerts()})
}

// HandleAlertHistory handles GET /v1/alerts/history.
func (api *API) HandleAlertHistory(w http.ResponseWriter, r *http.Request) {
	api.writeJSON(w, http.StatusOK, map[string]any{"alerts": api.monitor.AlertHistory()})
}

// HandleUsageStats handles GET /v1/usage/stats. Optional query
// parameters: service_type, user_id, window (default 24h).
func (api *API) HandleUsageStats(w http.ResponseWriter, r *http.Request) {
	window, ok := api.window(w, r, 24*time.Hour)
	if !ok {
		return
	}
	filter := usage.Filter{
		ServiceType: fablecast.ServiceType(r.URL.Query().Get("service_type")),
		UserID:      r.URL.Query().Get("user_id"),
	}

	now := time.Now()
	stats, err := api.usage.GetUsageStatistics(r.Context(), filter, now.Add(-window), now)
	if err != nil {
		api.logger.Warnw("Usage statistics query failed", "error", err)
		api.writeError(w, http.StatusServiceUnavailable, "persistence_unavailable", "Usage store unavailable", nil)
		return
	}
	api.writeJSON(w, http.StatusOK, stats)
}

// HandleUsageCosts handles GET /v1/usage/costs. Optional query
// parameters: window (default 24h), top (default 10).
func (api *API) HandleUsageCosts(w http.ResponseWriter, r *http.Request) {
	window, ok := api.window(w, r, 24*time.Hour)
	if !ok {
		return
	}
	topN := 10
	if raw := r.URL.Query().Get("top"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			api.writeError(w, http.StatusBadRequest, "invalid_request", "top must be a positive integer", nil)
			return
		}
		topN = parsed
	}

	now := time.Now()
	breakdown, err := api.usage.GetCostBreakdown(r.Context(), now.Add(-window), now, topN)
	if err != nil {
		api.logger.Warnw("Cost breakdown query failed", "error", err)
		api.writeError(w, http.StatusServiceUnavailable, "persistence_unavailable", "Usage store unavailable", nil)
		return
	}
	api.writeJSON(w, http.StatusOK, breakdown)
}

// HandleHealthz handles GET /healthz.
func (api *API) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	components := api.monitor.ComponentHealth()
	status := "ok"
	code := http.StatusOK
	for _, healthy := range components {
		if !healthy {
			status = "degraded"
			code = http.StatusServiceUnavailable
			break
		}
	}
	api.writeJSON(w, code, map[string]any{"status": status, "components": components})
}

func (api *API) window(w http.ResponseWriter, r *http.Request, fallback time.Duration) (time.Duration, bool) {
	raw := r.URL.Query().Get("window")
	if raw == "" {
		return fallback, true
	}
	window, err := time.ParseDuration(raw)
	if err != nil || window <= 0 {
		api.writeError(w, http.StatusBadRequest, "invalid_request", "window must be a duration like \"24h\"", nil)
		return 0, false
	}
	return window, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, fablecast.ErrQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, fablecast.ErrNoEligibleEndpoint),
		errors.Is(err, fablecast.ErrCircuitOpen),
		errors.Is(err, fablecast.ErrNotStarted):
		return http.StatusServiceUnavailable
	case errors.Is(err, fablecast.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, fablecast.ErrPermanentProvider):
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

func (api *API) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		api.logger.Warnw("Failed to encode response", "error", err)
	}
}

func (api *API) writeError(w http.ResponseWriter, status int, code string, message string, info *fablecast.CallInfo) {
	var envelope errorEnvelope
	envelope.Error.Code = code
	envelope.Error.Message = message
	envelope.Error.Info = info
	api.writeJSON(w, status, &envelope)
}
