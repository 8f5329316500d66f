package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fablecast/fablecast"
	"github.com/fablecast/fablecast/balancer"
	"github.com/fablecast/fablecast/breaker"
	"github.com/fablecast/fablecast/cache"
	"github.com/fablecast/fablecast/monitoring"
	"github.com/fablecast/fablecast/optimizer"
	"github.com/fablecast/fablecast/provider"
	"github.com/fablecast/fablecast/usage"
)

type scriptedExecutor struct {
	calls atomic.Int64
	fail  func(call int64) error
}

func (e *scriptedExecutor) Execute(ctx context.Context, invocation *provider.Invocation) (*fablecast.Response, error) {
	call := e.calls.Add(1)
	if e.fail != nil {
		if err := e.fail(call); err != nil {
			return nil, err
		}
	}
	return &fablecast.Response{
		Data:   map[string]any{"endpoint": invocation.Endpoint.ID},
		Tokens: 10,
	}, nil
}

type fixture struct {
	gateway  *Gateway
	store    *usage.MemoryStore
	lb       *balancer.Balancer
	executor *scriptedExecutor
}

func newFixture(t *testing.T, endpoints []*balancer.Endpoint, usageConfig *usage.Config) *fixture {
	t.Helper()
	logger := zap.NewNop().Sugar()

	executor := &scriptedExecutor{}
	registry := provider.NewRegistry()
	registry.Register(fablecast.ServiceTTS, "", executor)
	registry.Register(fablecast.ServiceTextAnalysis, "", executor)

	lb := balancer.New(balancer.DefaultConfig(), breaker.New(nil, logger), logger)
	for _, endpoint := range endpoints {
		lb.Register(endpoint)
	}

	optConfig := optimizer.DefaultConfig()
	optConfig.BatchableMethods = nil
	optConfig.BaseBackoff = time.Millisecond
	memoryCache, stopCache := cache.NewMemory(1 << 20)
	t.Cleanup(stopCache)
	opt := optimizer.New(optConfig, memoryCache, registry, logger)

	store := usage.NewMemoryStore()
	usageService := usage.NewService(usageConfig, store, logger)

	monitor := monitoring.New(monitoring.DefaultConfig(), logger)
	g := New(lb, opt, usageService, monitor, logger)
	require.NoError(t, g.Start(context.Background()))
	t.Cleanup(g.Stop)

	return &fixture{gateway: g, store: store, lb: lb, executor: executor}
}

func ttsEndpoint(id string, cost float64) *balancer.Endpoint {
	return &balancer.Endpoint{
		ID:             id,
		BaseURL:        "http://" + id + ".local",
		Weight:         1,
		MaxConnections: 100,
		CostPerRequest: cost,
		Priority:       1,
		ServiceTypes:   []fablecast.ServiceType{fablecast.ServiceTTS, fablecast.ServiceTextAnalysis},
	}
}

func TestCallEndToEnd(t *testing.T) {
	f := newFixture(t, []*balancer.Endpoint{ttsEndpoint("ep-1", 0.02)}, nil)

	request := fablecast.NewServiceRequest(fablecast.ServiceTTS, "synthesize", map[string]any{"text": "hello"})
	request.UserID = "alice"

	response, info, err := f.gateway.Call(context.Background(), request)
	require.NoError(t, err)
	require.NotNil(t, response)
	assert.Equal(t, "ep-1", response.Data["endpoint"])
	assert.Equal(t, "ep-1", info.EndpointID)
	assert.Equal(t, request.RequestID, info.RequestID)
	assert.False(t, info.CacheHit)
	assert.Equal(t, 0.02, info.Cost)
	assert.Empty(t, info.ErrorClass)

	// Exactly one usage record, carrying the endpoint and tokens.
	records, err := f.store.Records(context.Background(), usage.Filter{},
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "ep-1", records[0].EndpointID)
	assert.Equal(t, int64(10), records[0].Tokens)
	assert.True(t, records[0].Success)
}

func TestCallBeforeStartRejected(t *testing.T) {
	logger := zap.NewNop().Sugar()
	registry := provider.NewRegistry()
	lb := balancer.New(balancer.DefaultConfig(), breaker.New(nil, logger), logger)
	memoryCache, stopCache := cache.NewMemory(1 << 20)
	t.Cleanup(stopCache)
	opt := optimizer.New(nil, memoryCache, registry, logger)
	usageService := usage.NewService(nil, usage.NewMemoryStore(), logger)
	g := New(lb, opt, usageService, nil, logger)

	_, info, err := g.Call(context.Background(), fablecast.NewServiceRequest(fablecast.ServiceTTS, "synthesize", nil))
	require.ErrorIs(t, err, fablecast.ErrNotStarted)
	assert.Equal(t, "not_started", info.ErrorClass)
}

func TestStartStopIdempotent(t *testing.T) {
	f := newFixture(t, []*balancer.Endpoint{ttsEndpoint("ep-1", 0)}, nil)

	// A second Start is a warning no-op.
	require.NoError(t, f.gateway.Start(context.Background()))
	f.gateway.Stop()
	f.gateway.Stop()

	require.NoError(t, f.gateway.Start(context.Background()))
}

func TestQuotaGateRejectsWithoutUsageRecord(t *testing.T) {
	usageConfig := usage.DefaultConfig()
	usageConfig.Quotas[fablecast.ServiceTTS] = usage.QuotaDefaults{DailyRequests: 1}
	f := newFixture(t, []*balancer.Endpoint{ttsEndpoint("ep-1", 0.01)}, usageConfig)
	ctx := context.Background()

	first := fablecast.NewServiceRequest(fablecast.ServiceTTS, "synthesize", map[string]any{"text": "one"})
	first.UserID = "bob"
	_, _, err := f.gateway.Call(ctx, first)
	require.NoError(t, err)

	second := fablecast.NewServiceRequest(fablecast.ServiceTTS, "synthesize", map[string]any{"text": "two"})
	second.UserID = "bob"
	_, info, err := f.gateway.Call(ctx, second)
	require.ErrorIs(t, err, fablecast.ErrQuotaExceeded)
	assert.Equal(t, "quota_exceeded", info.ErrorClass)

	// The rejected call never reached an endpoint and wrote no record.
	records, err := f.store.Records(ctx, usage.Filter{}, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, int64(1), f.executor.calls.Load())
}

func TestCacheHitIsFree(t *testing.T) {
	f := newFixture(t, []*balancer.Endpoint{ttsEndpoint("ep-1", 0.05)}, nil)
	ctx := context.Background()

	params := map[string]any{"text": "cache me", "voice": "aria"}
	first := fablecast.NewServiceRequest(fablecast.ServiceTTS, "synthesize", params)
	_, info, err := f.gateway.Call(ctx, first)
	require.NoError(t, err)
	assert.False(t, info.CacheHit)
	assert.Equal(t, 0.05, info.Cost)

	// Volatile fields do not change the cache identity.
	second := fablecast.NewServiceRequest(fablecast.ServiceTTS, "synthesize", map[string]any{
		"text": "cache me", "voice": "aria", "request_id": "different",
	})
	_, info, err = f.gateway.Call(ctx, second)
	require.NoError(t, err)
	assert.True(t, info.CacheHit)
	assert.Zero(t, info.Cost)
	assert.Equal(t, int64(1), f.executor.calls.Load())
}

func TestNoEligibleEndpointStillRecordsUsage(t *testing.T) {
	f := newFixture(t, nil, nil)
	ctx := context.Background()

	request := fablecast.NewServiceRequest(fablecast.ServiceTTS, "synthesize", map[string]any{"text": "x"})
	request.UserID = "carol"
	_, info, err := f.gateway.Call(ctx, request)
	require.ErrorIs(t, err, fablecast.ErrNoEligibleEndpoint)
	assert.Equal(t, "no_eligible_endpoint", info.ErrorClass)

	records, err := f.store.Records(ctx, usage.Filter{}, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.False(t, records[0].Success)
	assert.Empty(t, records[0].EndpointID)
}

func TestPermanentFailureReportsCallError(t *testing.T) {
	f := newFixture(t, []*balancer.Endpoint{ttsEndpoint("ep-1", 0.01)}, nil)
	f.executor.fail = func(int64) error {
		return fmt.Errorf("%w: voice not found", fablecast.ErrPermanentProvider)
	}

	request := fablecast.NewServiceRequest(fablecast.ServiceTTS, "synthesize", map[string]any{"text": "x"})
	_, info, err := f.gateway.Call(context.Background(), request)
	require.Error(t, err)

	var callErr *fablecast.CallError
	require.True(t, errors.As(err, &callErr))
	assert.Equal(t, "ep-1", callErr.EndpointID)
	assert.Equal(t, "permanent", info.ErrorClass)
	assert.Equal(t, int64(1), f.executor.calls.Load())
}

func TestConnectionSymmetryUnderConcurrentFailures(t *testing.T) {
	endpoints := []*balancer.Endpoint{
		ttsEndpoint("ep-1", 0.01),
		ttsEndpoint("ep-2", 0.01),
		ttsEndpoint("ep-3", 0.01),
	}
	f := newFixture(t, endpoints, nil)
	f.executor.fail = func(call int64) error {
		if call%5 == 0 {
			return fmt.Errorf("%w: injected", fablecast.ErrPermanentProvider)
		}
		return nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			request := fablecast.NewServiceRequest(fablecast.ServiceTTS, "synthesize",
				map[string]any{"text": fmt.Sprintf("utterance %d", i)})
			f.gateway.Call(context.Background(), request)
		}(i)
	}
	wg.Wait()

	// Every start was matched by an end on every path.
	for _, snap := range f.lb.Snapshot() {
		assert.Zero(t, snap.ActiveConnections, "endpoint %s leaked connections", snap.EndpointID)
	}
}

func TestReconfigureSwapsEndpointsAndStrategy(t *testing.T) {
	f := newFixture(t, []*balancer.Endpoint{ttsEndpoint("ep-1", 0.01)}, nil)

	f.gateway.Reconfigure(Settings{
		Endpoints: []*balancer.Endpoint{ttsEndpoint("ep-2", 0.01)},
		Strategy:  balancer.StrategyLeastConnections,
	})

	request := fablecast.NewServiceRequest(fablecast.ServiceTTS, "synthesize", map[string]any{"text": "x"})
	response, _, err := f.gateway.Call(context.Background(), request)
	require.NoError(t, err)
	assert.Equal(t, "ep-2", response.Data["endpoint"])
}

func TestReconfigureTightensQuotaDefaults(t *testing.T) {
	f := newFixture(t, []*balancer.Endpoint{ttsEndpoint("ep-1", 0.01)}, nil)
	ctx := context.Background()

	f.gateway.Reconfigure(Settings{
		QuotaDefaults: map[fablecast.ServiceType]usage.QuotaDefaults{
			fablecast.ServiceTTS: {DailyRequests: 1},
		},
	})

	first := fablecast.NewServiceRequest(fablecast.ServiceTTS, "synthesize", map[string]any{"text": "one"})
	first.UserID = "dan"
	_, _, err := f.gateway.Call(ctx, first)
	require.NoError(t, err)

	second := fablecast.NewServiceRequest(fablecast.ServiceTTS, "synthesize", map[string]any{"text": "two"})
	second.UserID = "dan"
	_, _, err = f.gateway.Call(ctx, second)
	require.ErrorIs(t, err, fablecast.ErrQuotaExceeded)
}
