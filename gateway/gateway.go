// Package gateway is the call path tying the components together:
// quota gate, endpoint selection, optimization pipeline, usage
// accounting, and the supervised background loops.
package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/fablecast/fablecast"
	"github.com/fablecast/fablecast/balancer"
	"github.com/fablecast/fablecast/monitoring"
	"github.com/fablecast/fablecast/optimizer"
	"github.com/fablecast/fablecast/usage"
)

// Gateway owns no component internals; it sequences them. Construct
// with New, wire endpoints, then Start before the first Call.
type Gateway struct {
	balancer  *balancer.Balancer
	optimizer *optimizer.Optimizer
	usage     *usage.Service
	monitor   *monitoring.Monitor

	callsTotal   atomic.Int64
	callFailures atomic.Int64
	inFlight     atomic.Int64

	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mutex   sync.Mutex

	clock  clock.Clock
	logger *zap.SugaredLogger
}

func New(lb *balancer.Balancer, opt *optimizer.Optimizer, usageService *usage.Service, monitor *monitoring.Monitor, logger *zap.SugaredLogger) *Gateway {
	return NewWithClock(lb, opt, usageService, monitor, logger, clock.New())
}

func NewWithClock(lb *balancer.Balancer, opt *optimizer.Optimizer, usageService *usage.Service, monitor *monitoring.Monitor, logger *zap.SugaredLogger, clk clock.Clock) *Gateway {
	g := &Gateway{
		balancer:  lb,
		optimizer: opt,
		usage:     usageService,
		monitor:   monitor,
		clock:     clk,
		logger:    logger,
	}
	lb.SetBalanceFunc(usageService.Balance)
	if monitor != nil {
		monitor.Register("gateway", g.snapshot)
		monitor.Register("usage", usageService.Snapshot)
		monitor.Register("balancer", func() map[string]float64 {
			return flattenBalancer(lb.Snapshot())
		})
	}
	return g
}

// Start brings the background loops up: endpoint health probing, quota
// resets, metric collection, alert evaluation, history cleanup.
// Starting an already started gateway is a warning no-op.
func (g *Gateway) Start(ctx context.Context) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.started {
		g.logger.Warnw("Gateway already started")
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	loops := []func(context.Context){
		g.balancer.RunHealthChecks,
		g.usage.RunQuotaResets,
	}
	if g.monitor != nil {
		loops = append(loops,
			g.monitor.RunCollection,
			g.monitor.RunEvaluation,
			g.monitor.RunCleanup,
		)
	}
	for _, loop := range loops {
		loop := loop
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			loop(loopCtx)
		}()
	}

	g.started = true
	g.logger.Infow("Gateway started", "loops", len(loops))
	return nil
}

// Stop cancels the loops and waits for them to drain. Stopping a
// stopped gateway is a no-op.
func (g *Gateway) Stop() {
	g.mutex.Lock()
	if !g.started {
		g.mutex.Unlock()
		return
	}
	g.started = false
	cancel := g.cancel
	g.mutex.Unlock()

	cancel()
	g.wg.Wait()
	g.logger.Infow("Gateway stopped")
}

// Settings is the hot-swappable configuration surface. Nil or empty
// fields leave the corresponding surface untouched.
type Settings struct {
	Endpoints     []*balancer.Endpoint
	Strategy      balancer.Strategy
	QuotaDefaults map[fablecast.ServiceType]usage.QuotaDefaults
	AlertRules    []monitoring.AlertRule
}

// Reconfigure applies settings without interrupting in-flight calls.
// Swapping endpoints re-registers the affected circuit breakers and
// invalidates session affinity bound to removed endpoints.
func (g *Gateway) Reconfigure(settings Settings) {
	if settings.Strategy != "" {
		g.balancer.SetStrategy(settings.Strategy)
	}
	if settings.Endpoints != nil {
		g.balancer.Reconfigure(settings.Endpoints)
	}
	if settings.QuotaDefaults != nil {
		g.usage.SetQuotaDefaults(settings.QuotaDefaults)
	}
	if settings.AlertRules != nil && g.monitor != nil {
		g.monitor.SetRules(settings.AlertRules)
	}
}

// Call runs one request end to end. CallInfo is populated on every
// outcome, including failures; exactly one usage record is written for
// every call that passes the quota gate.
func (g *Gateway) Call(ctx context.Context, request *fablecast.ServiceRequest) (*fablecast.Response, *fablecast.CallInfo, error) {
	info := &fablecast.CallInfo{RequestID: request.RequestID}

	g.mutex.Lock()
	started := g.started
	g.mutex.Unlock()
	if !started {
		info.ErrorClass = fablecast.ErrorClass(fablecast.ErrNotStarted)
		return nil, info, fablecast.ErrNotStarted
	}

	if request.ServiceType == "" || request.Method == "" {
		err := fmt.Errorf("%w: service type and method are required", fablecast.ErrPermanentProvider)
		info.ErrorClass = fablecast.ErrorClass(err)
		return nil, info, err
	}

	if request.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, request.Timeout)
		defer cancel()
	}

	g.callsTotal.Add(1)
	g.inFlight.Add(1)
	defer g.inFlight.Add(-1)

	if err := g.usage.CheckQuota(ctx, request.UserID, request.ServiceType); err != nil {
		g.callFailures.Add(1)
		info.ErrorClass = fablecast.ErrorClass(err)
		return nil, info, err
	}

	begin := g.clock.Now()

	endpoint, err := g.balancer.Select(ctx, request.ServiceType, request.UserID, request.SessionKey)
	if err != nil {
		g.callFailures.Add(1)
		info.ErrorClass = fablecast.ErrorClass(err)
		g.recordUsage(ctx, request, info, nil, false)
		return nil, info, err
	}
	info.EndpointID = endpoint.ID

	// Deferred so the decrement survives panics inside the pipeline.
	g.balancer.RecordRequestStart(endpoint.ID)
	success := false
	defer func() {
		g.balancer.RecordRequestEnd(endpoint.ID, info.Latency, success)
	}()

	result, err := g.optimizer.Optimize(ctx, request, endpoint)
	info.Latency = g.clock.Now().Sub(begin)
	success = err == nil

	if result != nil {
		info.Retries = result.Retries
		info.CacheHit = result.CacheHit
		info.Batched = result.Batched
	}

	// Cache hits never reached the endpoint, so they cost nothing.
	if success && !info.CacheHit {
		info.Cost = endpoint.CostPerRequest
	}

	if err != nil {
		g.callFailures.Add(1)
		info.ErrorClass = fablecast.ErrorClass(err)
		g.recordUsage(ctx, request, info, nil, false)
		return nil, info, &fablecast.CallError{Err: err, EndpointID: endpoint.ID, Retries: info.Retries}
	}

	g.recordUsage(ctx, request, info, result.Response, true)
	return result.Response, info, nil
}

func (g *Gateway) recordUsage(ctx context.Context, request *fablecast.ServiceRequest, info *fablecast.CallInfo, response *fablecast.Response, success bool) {
	record := &usage.Record{
		ServiceType: request.ServiceType,
		Method:      request.Method,
		UserID:      request.UserID,
		EndpointID:  info.EndpointID,
		Success:     success,
		Latency:     info.Latency,
		Cost:        info.Cost,
		CacheHit:    info.CacheHit,
	}
	if response != nil {
		record.Tokens = response.Tokens
	}
	g.usage.RecordUsage(ctx, record)
}

func (g *Gateway) snapshot() map[string]float64 {
	return map[string]float64{
		"calls_total":     float64(g.callsTotal.Load()),
		"call_failures":   float64(g.callFailures.Load()),
		"calls_in_flight": float64(g.inFlight.Load()),
	}
}

// flattenBalancer folds per-endpoint metrics into the monitoring map.
func flattenBalancer(snapshots []balancer.MetricsSnapshot) map[string]float64 {
	metrics := make(map[string]float64, len(snapshots)*4+2)
	healthy := 0.0
	var active int64
	for _, snap := range snapshots {
		prefix := "endpoint." + snap.EndpointID + "."
		metrics[prefix+"requests_total"] = float64(snap.TotalRequests)
		metrics[prefix+"failed_requests"] = float64(snap.FailedRequests)
		metrics[prefix+"active_connections"] = float64(snap.ActiveConnections)
		metrics[prefix+"avg_latency_seconds"] = snap.AvgLatency.Seconds()
		healthValue := 0.0
		if snap.Health == balancer.HealthHealthy || snap.Health == balancer.HealthDegraded {
			healthValue = 1
		}
		metrics[prefix+"healthy"] = healthValue
		healthy += healthValue
		active += snap.ActiveConnections
	}
	metrics["healthy_endpoints"] = healthy
	metrics["active_connections"] = float64(active)
	return metrics
}
