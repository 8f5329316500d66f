package balancer

import (
	"context"
	"net/http"
	"sync"
)

// RunHealthChecks probes every endpoint's health URL at the configured
// interval until ctx is cancelled. A probe error or non-2xx response
// increments the endpoint's consecutive-failure count and degrades its
// health at the configured thresholds; a success while unhealthy flips
// it back to healthy. Intended to run as one of the gateway's
// supervised loops.
func (b *Balancer) RunHealthChecks(ctx context.Context) {
	ticker := b.clock.Ticker(b.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.probeAll(ctx)
		}
	}
}

func (b *Balancer) probeAll(ctx context.Context) {
	b.mutex.RLock()
	states := make([]*endpointState, 0, len(b.states))
	for _, state := range b.states {
		states = append(states, state)
	}
	b.mutex.RUnlock()

	var wg sync.WaitGroup
	for _, state := range states {
		wg.Add(1)
		go func(state *endpointState) {
			defer wg.Done()
			b.probe(ctx, state)
		}(state)
	}
	wg.Wait()
}

func (b *Balancer) probe(ctx context.Context, state *endpointState) {
	probeCtx, cancel := context.WithTimeout(ctx, b.config.HealthCheckTimeout)
	defer cancel()

	healthy := false
	request, err := http.NewRequestWithContext(probeCtx, http.MethodGet, state.endpoint.probeURL(), nil)
	if err == nil {
		response, probeErr := b.httpClient.Do(request)
		if probeErr == nil {
			healthy = response.StatusCode >= 200 && response.StatusCode < 300
			response.Body.Close()
		}
	}

	m := state.metrics
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.LastChecked = b.clock.Now()
	if m.Health == HealthMaintenance {
		// Operator-forced status, probes do not override it.
		return
	}

	if healthy {
		if m.Health != HealthHealthy {
			b.logger.Infow("Endpoint recovered", "endpoint", state.endpoint.ID, "previousHealth", m.Health)
		}
		m.Health = HealthHealthy
		m.ConsecutiveFailures = 0
		return
	}

	m.ConsecutiveFailures++
	m.LastFailure = b.clock.Now()
	switch {
	case m.ConsecutiveFailures >= b.config.UnhealthyThreshold:
		if m.Health != HealthUnhealthy {
			b.logger.Warnw("Endpoint unhealthy", "endpoint", state.endpoint.ID, "consecutiveFailures", m.ConsecutiveFailures)
		}
		m.Health = HealthUnhealthy
	case m.ConsecutiveFailures >= b.config.DegradedThreshold:
		if m.Health == HealthHealthy {
			b.logger.Warnw("Endpoint degraded", "endpoint", state.endpoint.ID, "consecutiveFailures", m.ConsecutiveFailures)
		}
		m.Health = HealthDegraded
	}
}
