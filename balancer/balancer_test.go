package balancer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fablecast/fablecast"
	"github.com/fablecast/fablecast/breaker"
)

func newTestBalancer(config *Config) (*Balancer, *breaker.Breaker) {
	logger := zap.NewNop().Sugar()
	circuitBreaker := breaker.New(nil, logger)
	return NewWithClock(config, circuitBreaker, logger, clock.NewMock()), circuitBreaker
}

func ttsEndpoint(id string, weight int) *Endpoint {
	return &Endpoint{
		ID:             id,
		BaseURL:        "https://" + id + ".example/v1",
		Weight:         weight,
		MaxConnections: 100,
		CostPerRequest: 0.01,
		Priority:       1,
		ServiceTypes:   []fablecast.ServiceType{fablecast.ServiceTTS},
	}
}

func TestSelectNoEndpoints(t *testing.T) {
	b, _ := newTestBalancer(nil)

	_, err := b.Select(context.Background(), fablecast.ServiceTTS, "", "")
	assert.ErrorIs(t, err, fablecast.ErrNoEligibleEndpoint)
}

func TestSelectFiltersServiceType(t *testing.T) {
	b, _ := newTestBalancer(nil)
	endpoint := ttsEndpoint("a", 1)
	endpoint.ServiceTypes = []fablecast.ServiceType{fablecast.ServiceImageGeneration}
	b.Register(endpoint)

	_, err := b.Select(context.Background(), fablecast.ServiceTTS, "", "")
	assert.ErrorIs(t, err, fablecast.ErrNoEligibleEndpoint)
}

func TestSelectFiltersUnhealthy(t *testing.T) {
	b, _ := newTestBalancer(nil)
	b.Register(ttsEndpoint("a", 1))
	b.Register(ttsEndpoint("b", 1))
	b.SetHealth("a", HealthUnhealthy)

	for i := 0; i < 10; i++ {
		endpoint, err := b.Select(context.Background(), fablecast.ServiceTTS, "", "")
		require.NoError(t, err)
		assert.Equal(t, "b", endpoint.ID)
	}
}

func TestSelectFiltersOpenCircuit(t *testing.T) {
	b, circuitBreaker := newTestBalancer(nil)
	b.Register(ttsEndpoint("a", 1))

	for i := 0; i < 3; i++ {
		circuitBreaker.RecordFailure("a")
	}

	_, err := b.Select(context.Background(), fablecast.ServiceTTS, "", "")
	assert.ErrorIs(t, err, fablecast.ErrNoEligibleEndpoint)
}

func TestSelectBalanceLookupDoesNotBlockMetrics(t *testing.T) {
	config := DefaultConfig()
	config.Strategy = StrategyCostOptimized
	b, _ := newTestBalancer(config)
	b.Register(ttsEndpoint("a", 1))

	entered := make(chan struct{})
	release := make(chan struct{})
	b.SetBalanceFunc(func(ctx context.Context, userID string) (float64, error) {
		close(entered)
		<-release
		return 100, nil
	})

	selected := make(chan struct{})
	go func() {
		defer close(selected)
		b.Select(context.Background(), fablecast.ServiceTTS, "user-1", "")
	}()
	<-entered

	// With the lookup in flight, unrelated metrics updates must proceed.
	recorded := make(chan struct{})
	go func() {
		defer close(recorded)
		b.RecordRequestStart("a")
		b.RecordRequestEnd("a", 10*time.Millisecond, true)
	}()

	select {
	case <-recorded:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("metrics update blocked behind the balance lookup")
	}
	close(release)
	<-selected
}

func TestSelectCircuitOpenWhenTrialConsumed(t *testing.T) {
	logger := zap.NewNop().Sugar()
	mock := clock.NewMock()
	circuitBreaker := breaker.NewWithClock(nil, logger, mock)
	b := NewWithClock(nil, circuitBreaker, logger, mock)
	b.Register(ttsEndpoint("a", 1))

	for i := 0; i < 3; i++ {
		circuitBreaker.RecordFailure("a")
	}
	mock.Add(61 * time.Second)

	// The half-open trial slot is taken; Select must not admit a second
	// request and must report the breaker, not a missing endpoint.
	require.True(t, circuitBreaker.Allow("a"))
	_, err := b.Select(context.Background(), fablecast.ServiceTTS, "", "")
	assert.ErrorIs(t, err, fablecast.ErrCircuitOpen)
}

func TestSelectFiltersAtCapacity(t *testing.T) {
	b, _ := newTestBalancer(nil)
	endpoint := ttsEndpoint("a", 1)
	endpoint.MaxConnections = 2
	b.Register(endpoint)

	b.RecordRequestStart("a")
	b.RecordRequestStart("a")

	_, err := b.Select(context.Background(), fablecast.ServiceTTS, "", "")
	assert.ErrorIs(t, err, fablecast.ErrNoEligibleEndpoint)

	b.RecordRequestEnd("a", 10*time.Millisecond, true)
	_, err = b.Select(context.Background(), fablecast.ServiceTTS, "", "")
	assert.NoError(t, err)
}

func TestRoundRobinCycles(t *testing.T) {
	config := DefaultConfig()
	config.Strategy = StrategyRoundRobin
	b, _ := newTestBalancer(config)
	b.Register(ttsEndpoint("a", 1))
	b.Register(ttsEndpoint("b", 1))
	b.Register(ttsEndpoint("c", 1))

	var got []string
	for i := 0; i < 6; i++ {
		endpoint, err := b.Select(context.Background(), fablecast.ServiceTTS, "", "")
		require.NoError(t, err)
		got = append(got, endpoint.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, got)
}

func TestWeightedRoundRobinDegradedHalving(t *testing.T) {
	config := DefaultConfig()
	config.Strategy = StrategyWeightedRoundRobin
	b, _ := newTestBalancer(config)
	b.Register(ttsEndpoint("a", 100))
	b.Register(ttsEndpoint("b", 50))
	b.SetHealth("b", HealthDegraded)

	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		endpoint, err := b.Select(context.Background(), fablecast.ServiceTTS, "", "")
		require.NoError(t, err)
		counts[endpoint.ID]++
	}

	// Effective weights 100:25, so "a" should take 4 of every 5 picks.
	ratio := float64(counts["a"]) / float64(counts["b"])
	assert.InDelta(t, 4.0, ratio, 0.2, "counts: %v", counts)
}

func TestLeastConnections(t *testing.T) {
	config := DefaultConfig()
	config.Strategy = StrategyLeastConnections
	b, _ := newTestBalancer(config)
	b.Register(ttsEndpoint("busy", 1))
	b.Register(ttsEndpoint("idle", 1))

	b.RecordRequestStart("busy")
	b.RecordRequestStart("busy")

	endpoint, err := b.Select(context.Background(), fablecast.ServiceTTS, "", "")
	require.NoError(t, err)
	assert.Equal(t, "idle", endpoint.ID)
}

func TestLeastResponseTimeInflatedByLoad(t *testing.T) {
	config := DefaultConfig()
	config.Strategy = StrategyLeastResponseTime
	b, _ := newTestBalancer(config)
	fast := ttsEndpoint("fast", 1)
	fast.MaxConnections = 2
	b.Register(fast)
	b.Register(ttsEndpoint("slow", 1))

	// fast averages 120ms but has one of its two slots in flight, so its
	// effective latency is 120ms * 1.5 = 180ms. slow averages 150ms idle.
	b.RecordRequestStart("fast")
	b.RecordRequestEnd("fast", 120*time.Millisecond, true)
	b.RecordRequestStart("slow")
	b.RecordRequestEnd("slow", 150*time.Millisecond, true)
	b.RecordRequestStart("fast")

	endpoint, err := b.Select(context.Background(), fablecast.ServiceTTS, "", "")
	require.NoError(t, err)
	assert.Equal(t, "slow", endpoint.ID)
}

func TestCostOptimizedLowBalance(t *testing.T) {
	config := DefaultConfig()
	config.Strategy = StrategyCostOptimized
	b, _ := newTestBalancer(config)
	cheap := ttsEndpoint("cheap", 1)
	cheap.CostPerRequest = 0.001
	pricey := ttsEndpoint("pricey", 1)
	pricey.CostPerRequest = 0.05
	b.Register(pricey)
	b.Register(cheap)

	b.SetBalanceFunc(func(ctx context.Context, userID string) (float64, error) {
		return 0.5, nil
	})

	endpoint, err := b.Select(context.Background(), fablecast.ServiceTTS, "user-1", "")
	require.NoError(t, err)
	assert.Equal(t, "cheap", endpoint.ID)
}

func TestIntelligentPrefersHealthyAndIdle(t *testing.T) {
	b, _ := newTestBalancer(nil)
	b.Register(ttsEndpoint("degraded", 1))
	b.Register(ttsEndpoint("healthy", 1))
	b.SetHealth("degraded", HealthDegraded)

	endpoint, err := b.Select(context.Background(), fablecast.ServiceTTS, "", "")
	require.NoError(t, err)
	assert.Equal(t, "healthy", endpoint.ID)
}

func TestSessionAffinity(t *testing.T) {
	config := DefaultConfig()
	config.Strategy = StrategyRoundRobin
	b, _ := newTestBalancer(config)
	b.Register(ttsEndpoint("a", 1))
	b.Register(ttsEndpoint("b", 1))

	first, err := b.Select(context.Background(), fablecast.ServiceTTS, "", "session-1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		endpoint, err := b.Select(context.Background(), fablecast.ServiceTTS, "", "session-1")
		require.NoError(t, err)
		assert.Equal(t, first.ID, endpoint.ID, "bound endpoint must be reused while eligible")
	}

	// Once the bound endpoint is ineligible, affinity rebinds.
	b.SetHealth(first.ID, HealthUnhealthy)
	endpoint, err := b.Select(context.Background(), fablecast.ServiceTTS, "", "session-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, endpoint.ID)
}

func TestReconfigureDropsRemovedEndpoints(t *testing.T) {
	b, circuitBreaker := newTestBalancer(nil)
	b.Register(ttsEndpoint("a", 1))
	b.Register(ttsEndpoint("b", 1))

	_, err := b.Select(context.Background(), fablecast.ServiceTTS, "", "session-1")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		circuitBreaker.RecordFailure("a")
	}

	b.Reconfigure([]*Endpoint{ttsEndpoint("b", 1)})

	assert.Nil(t, b.Endpoint("a"))
	assert.True(t, circuitBreaker.Allow("a"), "removed endpoint's circuit must be re-registered")

	endpoint, err := b.Select(context.Background(), fablecast.ServiceTTS, "", "session-1")
	require.NoError(t, err)
	assert.Equal(t, "b", endpoint.ID)
}

func TestConnectionSymmetryUnderConcurrency(t *testing.T) {
	b, _ := newTestBalancer(nil)
	endpoint := ttsEndpoint("a", 1)
	endpoint.MaxConnections = 0 // unlimited, breaker still fed
	b.Register(endpoint)

	var failures atomic.Int64
	done := make(chan struct{})
	for i := 0; i < 50; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 20; j++ {
				b.RecordRequestStart("a")
				success := (i+j)%3 != 0
				if !success {
					failures.Add(1)
				}
				b.RecordRequestEnd("a", time.Millisecond, success)
			}
		}(i)
	}
	for i := 0; i < 50; i++ {
		<-done
	}

	snapshot := b.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, int64(0), snapshot[0].ActiveConnections, "active connections must return to zero")
	assert.Equal(t, int64(1000), snapshot[0].TotalRequests)
	assert.Equal(t, failures.Load(), snapshot[0].FailedRequests)
}

func TestProbeTransitions(t *testing.T) {
	var healthy atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	b, _ := newTestBalancer(nil)
	endpoint := ttsEndpoint("a", 1)
	endpoint.HealthURL = server.URL
	b.Register(endpoint)
	state := b.stateOf("a")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		b.probe(ctx, state)
	}
	assert.Equal(t, HealthDegraded, b.Snapshot()[0].Health)

	for i := 0; i < 2; i++ {
		b.probe(ctx, state)
	}
	assert.Equal(t, HealthUnhealthy, b.Snapshot()[0].Health)

	healthy.Store(true)
	b.probe(ctx, state)
	snapshot := b.Snapshot()[0]
	assert.Equal(t, HealthHealthy, snapshot.Health)
	assert.Equal(t, 0, snapshot.ConsecutiveFailures)
}
