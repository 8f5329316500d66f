package balancer

import (
	"sync"
	"time"

	"github.com/fablecast/fablecast"
)

// Strategy defines how the balancer picks among eligible endpoints.
type Strategy string

const (
	// StrategyRoundRobin cycles through eligible endpoints in order.
	StrategyRoundRobin Strategy = "round_robin"

	// StrategyWeightedRoundRobin distributes by configured weight. A
	// degraded endpoint's weight is halved until it recovers.
	StrategyWeightedRoundRobin Strategy = "weighted_round_robin"

	// StrategyLeastConnections picks the endpoint with the fewest active
	// connections.
	StrategyLeastConnections Strategy = "least_connections"

	// StrategyLeastResponseTime picks the lowest average latency, inflated
	// by the endpoint's connection-to-capacity ratio.
	StrategyLeastResponseTime Strategy = "least_response_time"

	// StrategyResourceBased scores by load and error rate divided by
	// priority tier.
	StrategyResourceBased Strategy = "resource_based"

	// StrategyCostOptimized prefers the cheapest endpoint when the
	// caller's remaining balance is low, otherwise least response time.
	StrategyCostOptimized Strategy = "cost_optimized"

	// StrategyIntelligent combines performance, load, priority, cost and
	// health into one weighted score. The default.
	StrategyIntelligent Strategy = "intelligent"
)

// HealthStatus is the probe-driven health of an endpoint.
type HealthStatus string

const (
	HealthHealthy     HealthStatus = "healthy"
	HealthDegraded    HealthStatus = "degraded"
	HealthUnhealthy   HealthStatus = "unhealthy"
	HealthMaintenance HealthStatus = "maintenance"
)

// Endpoint is one configured upstream address plus credentials. Owned
// exclusively by the balancer; mutated only through Reconfigure.
type Endpoint struct {
	ID string `yaml:"id"`

	// Base URL of the provider API. E.g., "https://api.primary.example/v1"
	BaseURL string `yaml:"base_url"`

	// Bearer credential sent to the provider.
	APIKey string `yaml:"api_key"`

	// Probe target. Defaults to BaseURL + "/health".
	HealthURL string `yaml:"health_url"`

	// Relative share for weighted round robin.
	Weight int `yaml:"weight"`

	// Hard cap on concurrent in-flight requests.
	MaxConnections int64 `yaml:"max_connections"`

	// Cost charged per request, used by cost-aware strategies and quota
	// accounting.
	CostPerRequest float64 `yaml:"cost_per_request"`

	// Priority tier, 1 is highest.
	Priority int `yaml:"priority"`

	Region string `yaml:"region"`

	// Service types this endpoint can serve.
	ServiceTypes []fablecast.ServiceType `yaml:"service_types"`
}

func (e *Endpoint) probeURL() string {
	if e.HealthURL != "" {
		return e.HealthURL
	}
	return e.BaseURL + "/health"
}

func (e *Endpoint) supports(serviceType fablecast.ServiceType) bool {
	for _, s := range e.ServiceTypes {
		if s == serviceType {
			return true
		}
	}
	return false
}

// Metrics is the live view of one endpoint. One instance per endpoint,
// guarded by its own mutex so endpoints never contend with each other.
type Metrics struct {
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	ActiveConnections  int64

	MinLatency  time.Duration
	MaxLatency  time.Duration
	AvgLatency  time.Duration
	LastLatency time.Duration

	ConsecutiveFailures int
	LastFailure         time.Time

	Health      HealthStatus
	LastChecked time.Time

	mutex sync.Mutex
}

// MetricsSnapshot is the copyable form of Metrics handed to monitoring.
type MetricsSnapshot struct {
	EndpointID          string        `json:"endpoint_id"`
	TotalRequests       int64         `json:"total_requests"`
	SuccessfulRequests  int64         `json:"successful_requests"`
	FailedRequests      int64         `json:"failed_requests"`
	ActiveConnections   int64         `json:"active_connections"`
	MinLatency          time.Duration `json:"min_latency"`
	MaxLatency          time.Duration `json:"max_latency"`
	AvgLatency          time.Duration `json:"avg_latency"`
	LastLatency         time.Duration `json:"last_latency"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Health              HealthStatus  `json:"health"`
	LastChecked         time.Time     `json:"last_checked"`
}

// Config controls selection and health probing.
type Config struct {
	Strategy Strategy `yaml:"strategy"`

	// Reuse the previously bound endpoint for a session while eligible.
	SessionAffinity bool `yaml:"session_affinity"`

	// Probe cadence and per-probe timeout.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	HealthCheckTimeout  time.Duration `yaml:"health_check_timeout"`

	// Probe failures before an endpoint is marked degraded / unhealthy.
	DegradedThreshold  int `yaml:"degraded_threshold"`
	UnhealthyThreshold int `yaml:"unhealthy_threshold"`

	// Remaining balance below which cost_optimized switches to the
	// cheapest endpoint.
	LowBalanceThreshold float64 `yaml:"low_balance_threshold"`
}

// DefaultConfig returns the balancer defaults.
func DefaultConfig() *Config {
	return &Config{
		Strategy:            StrategyIntelligent,
		SessionAffinity:     true,
		HealthCheckInterval: 30 * time.Second,
		HealthCheckTimeout:  5 * time.Second,
		DegradedThreshold:   3,
		UnhealthyThreshold:  5,
		LowBalanceThreshold: 1.0,
	}
}
