package balancer

import (
	"time"
)

// Weights of the intelligent composite score.
const (
	intelligentPerformanceWeight = 0.30
	intelligentLoadWeight        = 0.25
	intelligentPriorityWeight    = 0.20
	intelligentCostWeight        = 0.15
	intelligentHealthWeight      = 0.10
)

func (b *Balancer) pickRoundRobin(candidates []*endpointState) *endpointState {
	chosen := candidates[b.rrIndex%len(candidates)]
	b.rrIndex++
	return chosen
}

// pickWeightedRoundRobin implements smooth weighted round robin over the
// candidates' effective weights. A degraded endpoint's weight counts at
// half until its probes recover.
func (b *Balancer) pickWeightedRoundRobin(candidates []*endpointState) *endpointState {
	total := 0
	var chosen *endpointState
	for _, state := range candidates {
		weight := effectiveWeight(state)
		total += weight
		state.wrrCurrent += weight
		if chosen == nil || state.wrrCurrent > chosen.wrrCurrent {
			chosen = state
		}
	}
	chosen.wrrCurrent -= total
	return chosen
}

func effectiveWeight(state *endpointState) int {
	weight := state.endpoint.Weight
	if weight <= 0 {
		weight = 1
	}
	state.metrics.mutex.Lock()
	degraded := state.metrics.Health == HealthDegraded
	state.metrics.mutex.Unlock()
	if degraded {
		weight /= 2
		if weight == 0 {
			weight = 1
		}
	}
	return weight
}

func pickLeastConnections(candidates []*endpointState) *endpointState {
	chosen := candidates[0]
	lowest := activeConnections(chosen)
	for _, state := range candidates[1:] {
		if active := activeConnections(state); active < lowest {
			chosen, lowest = state, active
		}
	}
	return chosen
}

// pickLeastResponseTime inflates each endpoint's average latency by its
// connection-to-capacity ratio so a fast but saturated endpoint loses to
// a slightly slower idle one.
func pickLeastResponseTime(candidates []*endpointState) *endpointState {
	chosen := candidates[0]
	best := inflatedLatency(chosen)
	for _, state := range candidates[1:] {
		if latency := inflatedLatency(state); latency < best {
			chosen, best = state, latency
		}
	}
	return chosen
}

func pickResourceBased(candidates []*endpointState) *endpointState {
	chosen := candidates[0]
	best := resourceScore(chosen)
	for _, state := range candidates[1:] {
		if score := resourceScore(state); score < best {
			chosen, best = state, score
		}
	}
	return chosen
}

// pickCostOptimized routes low-balance callers to the cheapest endpoint
// and everyone else by least response time. The balance itself is read
// in Select before the registry lock is taken.
func pickCostOptimized(candidates []*endpointState, lowBalance bool) *endpointState {
	if lowBalance {
		chosen := candidates[0]
		for _, state := range candidates[1:] {
			if state.endpoint.CostPerRequest < chosen.endpoint.CostPerRequest {
				chosen = state
			}
		}
		return chosen
	}
	return pickLeastResponseTime(candidates)
}

// pickIntelligent scores each candidate as
// 0.30·performance + 0.25·(1−load) + 0.20·(1/priority) +
// 0.15·(1−normalized cost) + 0.10·health, highest score wins.
func pickIntelligent(candidates []*endpointState) *endpointState {
	maxCost := 0.0
	for _, state := range candidates {
		if state.endpoint.CostPerRequest > maxCost {
			maxCost = state.endpoint.CostPerRequest
		}
	}

	var chosen *endpointState
	best := -1.0
	for _, state := range candidates {
		score := intelligentScore(state, maxCost)
		if score > best {
			chosen, best = state, score
		}
	}
	return chosen
}

func intelligentScore(state *endpointState, maxCost float64) float64 {
	m := state.metrics
	m.mutex.Lock()
	avgLatency := m.AvgLatency
	active := m.ActiveConnections
	health := m.Health
	finished := m.SuccessfulRequests + m.FailedRequests
	succeeded := m.SuccessfulRequests
	m.mutex.Unlock()

	successRate := 1.0
	if finished > 0 {
		successRate = float64(succeeded) / float64(finished)
	}
	performance := successRate / (1.0 + avgLatency.Seconds())

	load := 0.0
	if state.endpoint.MaxConnections > 0 {
		load = float64(active) / float64(state.endpoint.MaxConnections)
	}

	priority := state.endpoint.Priority
	if priority <= 0 {
		priority = 1
	}

	costScore := 1.0
	if maxCost > 0 {
		costScore = 1.0 - state.endpoint.CostPerRequest/maxCost
	}

	healthScore := 0.0
	switch health {
	case HealthHealthy:
		healthScore = 1.0
	case HealthDegraded:
		healthScore = 0.5
	}

	return intelligentPerformanceWeight*performance +
		intelligentLoadWeight*(1.0-load) +
		intelligentPriorityWeight*(1.0/float64(priority)) +
		intelligentCostWeight*costScore +
		intelligentHealthWeight*healthScore
}

func activeConnections(state *endpointState) int64 {
	state.metrics.mutex.Lock()
	defer state.metrics.mutex.Unlock()
	return state.metrics.ActiveConnections
}

func inflatedLatency(state *endpointState) time.Duration {
	m := state.metrics
	m.mutex.Lock()
	avgLatency := m.AvgLatency
	active := m.ActiveConnections
	m.mutex.Unlock()

	ratio := 0.0
	if state.endpoint.MaxConnections > 0 {
		ratio = float64(active) / float64(state.endpoint.MaxConnections)
	}
	return time.Duration(float64(avgLatency) * (1.0 + ratio))
}

func resourceScore(state *endpointState) float64 {
	m := state.metrics
	m.mutex.Lock()
	active := m.ActiveConnections
	finished := m.SuccessfulRequests + m.FailedRequests
	failed := m.FailedRequests
	m.mutex.Unlock()

	load := 0.0
	if state.endpoint.MaxConnections > 0 {
		load = float64(active) / float64(state.endpoint.MaxConnections)
	}
	errorRate := 0.0
	if finished > 0 {
		errorRate = float64(failed) / float64(finished)
	}
	priority := state.endpoint.Priority
	if priority <= 0 {
		priority = 1
	}
	return (load + errorRate) / float64(priority)
}
