// Package balancer holds the endpoint registry and picks one eligible
// endpoint per request using a configurable strategy. It owns the
// endpoint health-probe loop and feeds request outcomes into the
// circuit breaker.
package balancer

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/fablecast/fablecast"
	"github.com/fablecast/fablecast/breaker"
)

// BalanceFunc reports a caller's remaining account balance. Used only by
// the cost_optimized strategy; a nil func means balances are unknown and
// the strategy falls back to least response time.
type BalanceFunc func(ctx context.Context, userID string) (float64, error)

type endpointState struct {
	endpoint *Endpoint
	metrics  *Metrics

	// Smooth weighted round-robin credit.
	wrrCurrent int
}

// Balancer selects endpoints and tracks their live metrics. Safe for
// concurrent use; per-endpoint metrics carry their own locks so updates
// to different endpoints do not contend.
type Balancer struct {
	config *Config

	// Registration order, kept stable for the round-robin strategies.
	order  []string
	states map[string]*endpointState

	rrIndex int

	// Session key -> endpoint id.
	affinity map[string]string

	breaker    *breaker.Breaker
	balanceOf  BalanceFunc
	httpClient *http.Client
	clock      clock.Clock
	logger     *zap.SugaredLogger
	mutex      sync.RWMutex
}

func New(config *Config, circuitBreaker *breaker.Breaker, logger *zap.SugaredLogger) *Balancer {
	return NewWithClock(config, circuitBreaker, logger, clock.New())
}

func NewWithClock(config *Config, circuitBreaker *breaker.Breaker, logger *zap.SugaredLogger, clk clock.Clock) *Balancer {
	if config == nil {
		config = DefaultConfig()
	}
	return &Balancer{
		config:     config,
		states:     make(map[string]*endpointState),
		affinity:   make(map[string]string),
		breaker:    circuitBreaker,
		httpClient: &http.Client{Timeout: config.HealthCheckTimeout},
		clock:      clk,
		logger:     logger,
	}
}

// SetBalanceFunc wires the account-balance reader used by the
// cost_optimized strategy.
func (b *Balancer) SetBalanceFunc(fn BalanceFunc) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.balanceOf = fn
}

// lowBalance reports whether the caller's balance is below the
// cost_optimized threshold. The registry lock is released before the
// lookup runs so a slow store never stalls selection or metrics updates.
func (b *Balancer) lowBalance(ctx context.Context, userID string) bool {
	b.mutex.RLock()
	strategy := b.config.Strategy
	balanceOf := b.balanceOf
	threshold := b.config.LowBalanceThreshold
	b.mutex.RUnlock()

	if strategy != StrategyCostOptimized || balanceOf == nil || userID == "" {
		return false
	}
	balance, err := balanceOf(ctx, userID)
	if err != nil {
		b.logger.Warnw("Balance lookup failed, falling back to least response time", "userId", userID, "error", err)
		return false
	}
	return balance < threshold
}

// Register adds or replaces an endpoint. A replaced endpoint keeps its
// metrics only if the base URL is unchanged; otherwise history no longer
// applies and its circuit is reset.
func (b *Balancer) Register(endpoint *Endpoint) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.register(endpoint)
}

func (b *Balancer) register(endpoint *Endpoint) {
	existing, ok := b.states[endpoint.ID]
	if ok && existing.endpoint.BaseURL == endpoint.BaseURL {
		existing.endpoint = endpoint
		return
	}
	if ok {
		b.breaker.Reset(endpoint.ID)
	} else {
		b.order = append(b.order, endpoint.ID)
	}
	b.states[endpoint.ID] = &endpointState{
		endpoint: endpoint,
		metrics:  &Metrics{Health: HealthHealthy},
	}
}

// Reconfigure swaps the whole endpoint set. Removed endpoints lose their
// circuits and any session affinity bound to them.
func (b *Balancer) Reconfigure(endpoints []*Endpoint) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	keep := make(map[string]bool, len(endpoints))
	for _, endpoint := range endpoints {
		keep[endpoint.ID] = true
		b.register(endpoint)
	}

	remaining := b.order[:0]
	for _, id := range b.order {
		if keep[id] {
			remaining = append(remaining, id)
			continue
		}
		delete(b.states, id)
		b.breaker.Reset(id)
	}
	b.order = remaining

	for session, id := range b.affinity {
		if !keep[id] {
			delete(b.affinity, session)
		}
	}
	b.logger.Infow("Balancer reconfigured", "endpoints", len(endpoints))
}

// SetStrategy switches the selection strategy at runtime.
func (b *Balancer) SetStrategy(strategy Strategy) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.config.Strategy = strategy
}

// Select returns one eligible endpoint for serviceType. It returns
// ErrNoEligibleEndpoint when every candidate is unhealthy or at
// capacity, and ErrCircuitOpen when candidates existed but every
// breaker refused them. An eligible session-bound endpoint
// short-circuits strategy selection.
func (b *Balancer) Select(ctx context.Context, serviceType fablecast.ServiceType, userID string, sessionKey string) (*Endpoint, error) {
	// The balance read may hit an external store, so it happens before
	// the registry lock is taken.
	lowBalance := b.lowBalance(ctx, userID)

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.config.SessionAffinity && sessionKey != "" {
		if id, ok := b.affinity[sessionKey]; ok {
			if state, ok := b.states[id]; ok && b.eligible(state, serviceType) && b.breaker.Allow(id) {
				return state.endpoint, nil
			}
			delete(b.affinity, sessionKey)
		}
	}

	var candidates []*endpointState
	for _, id := range b.order {
		state := b.states[id]
		if b.eligible(state, serviceType) {
			candidates = append(candidates, state)
		}
	}
	if len(candidates) == 0 {
		return nil, fablecast.ErrNoEligibleEndpoint
	}

	// Allow consumes the half-open trial slot, so it is only asked for the
	// endpoint the strategy actually picked; a refusal drops that endpoint
	// from the candidate set and re-runs the pick.
	for len(candidates) > 0 {
		var chosen *endpointState
		switch b.config.Strategy {
		case StrategyRoundRobin:
			chosen = b.pickRoundRobin(candidates)
		case StrategyWeightedRoundRobin:
			chosen = b.pickWeightedRoundRobin(candidates)
		case StrategyLeastConnections:
			chosen = pickLeastConnections(candidates)
		case StrategyLeastResponseTime:
			chosen = pickLeastResponseTime(candidates)
		case StrategyResourceBased:
			chosen = pickResourceBased(candidates)
		case StrategyCostOptimized:
			chosen = pickCostOptimized(candidates, lowBalance)
		default:
			chosen = pickIntelligent(candidates)
		}

		if !b.breaker.Allow(chosen.endpoint.ID) {
			remaining := candidates[:0]
			for _, state := range candidates {
				if state != chosen {
					remaining = append(remaining, state)
				}
			}
			candidates = remaining
			continue
		}

		if b.config.SessionAffinity && sessionKey != "" {
			b.affinity[sessionKey] = chosen.endpoint.ID
		}
		return chosen.endpoint, nil
	}
	// Candidates existed but every breaker refused them.
	return nil, fablecast.ErrCircuitOpen
}

// Eligibility filters, applied in order: service support, health,
// circuit breaker, capacity.
func (b *Balancer) eligible(state *endpointState, serviceType fablecast.ServiceType) bool {
	if !state.endpoint.supports(serviceType) {
		return false
	}

	m := state.metrics
	m.mutex.Lock()
	health := m.Health
	active := m.ActiveConnections
	m.mutex.Unlock()

	if health == HealthUnhealthy || health == HealthMaintenance {
		return false
	}
	if b.breaker.StateOf(state.endpoint.ID) == breaker.StateOpen {
		return false
	}
	if state.endpoint.MaxConnections > 0 && active >= state.endpoint.MaxConnections {
		return false
	}
	return true
}

// RecordRequestStart bumps the endpoint's active-connection count. Must
// be paired with RecordRequestEnd on every exit path.
func (b *Balancer) RecordRequestStart(endpointID string) {
	state := b.stateOf(endpointID)
	if state == nil {
		return
	}
	m := state.metrics
	m.mutex.Lock()
	m.ActiveConnections++
	m.TotalRequests++
	m.mutex.Unlock()
}

// RecordRequestEnd updates metrics for a finished call and feeds the
// outcome into the circuit breaker.
func (b *Balancer) RecordRequestEnd(endpointID string, latency time.Duration, success bool) {
	state := b.stateOf(endpointID)
	if state == nil {
		return
	}

	m := state.metrics
	m.mutex.Lock()
	m.ActiveConnections--
	if m.ActiveConnections < 0 {
		m.ActiveConnections = 0
	}
	if success {
		m.SuccessfulRequests++
	} else {
		m.FailedRequests++
		m.LastFailure = b.clock.Now()
	}
	m.LastLatency = latency
	if m.MinLatency == 0 || latency < m.MinLatency {
		m.MinLatency = latency
	}
	if latency > m.MaxLatency {
		m.MaxLatency = latency
	}
	finished := m.SuccessfulRequests + m.FailedRequests
	if finished == 1 {
		m.AvgLatency = latency
	} else {
		m.AvgLatency += (latency - m.AvgLatency) / time.Duration(finished)
	}
	m.mutex.Unlock()

	if success {
		b.breaker.RecordSuccess(endpointID)
	} else {
		b.breaker.RecordFailure(endpointID)
	}
}

// SetHealth forces an endpoint's health status, e.g. for maintenance
// windows.
func (b *Balancer) SetHealth(endpointID string, health HealthStatus) {
	state := b.stateOf(endpointID)
	if state == nil {
		return
	}
	state.metrics.mutex.Lock()
	state.metrics.Health = health
	state.metrics.mutex.Unlock()
}

// Endpoint returns the configured endpoint for id, or nil.
func (b *Balancer) Endpoint(id string) *Endpoint {
	state := b.stateOf(id)
	if state == nil {
		return nil
	}
	return state.endpoint
}

// Snapshot copies every endpoint's metrics for the monitoring service.
func (b *Balancer) Snapshot() []MetricsSnapshot {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	snapshots := make([]MetricsSnapshot, 0, len(b.order))
	for _, id := range b.order {
		m := b.states[id].metrics
		m.mutex.Lock()
		snapshots = append(snapshots, MetricsSnapshot{
			EndpointID:          id,
			TotalRequests:       m.TotalRequests,
			SuccessfulRequests:  m.SuccessfulRequests,
			FailedRequests:      m.FailedRequests,
			ActiveConnections:   m.ActiveConnections,
			MinLatency:          m.MinLatency,
			MaxLatency:          m.MaxLatency,
			AvgLatency:          m.AvgLatency,
			LastLatency:         m.LastLatency,
			ConsecutiveFailures: m.ConsecutiveFailures,
			Health:              m.Health,
			LastChecked:         m.LastChecked,
		})
		m.mutex.Unlock()
	}
	return snapshots
}

func (b *Balancer) stateOf(endpointID string) *endpointState {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.states[endpointID]
}
