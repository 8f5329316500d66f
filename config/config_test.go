package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fablecast/fablecast"
	"github.com/fablecast/fablecast/balancer"
	"github.com/fablecast/fablecast/monitoring"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "endpoints: []\n")

	config, err := Load(path, zap.NewNop().Sugar())
	require.NoError(t, err)

	assert.Equal(t, 8080, config.Port)
	assert.Equal(t, balancer.StrategyIntelligent, config.Balancer.Strategy)
	assert.Equal(t, 30*time.Second, config.Balancer.HealthCheckInterval)
	assert.Equal(t, 3, config.Optimizer.MaxRetries)
	assert.Equal(t, time.Minute, config.Usage.ResetInterval)
	assert.Equal(t, 15*time.Second, config.Monitor.CollectInterval)
	assert.Nil(t, config.OTel)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
port: 9090
valkey_endpoint: localhost:6379
provider_api_key: shared-key
endpoints:
  - id: primary
    base_url: https://api.primary.example/v1
    weight: 100
    cost_per_request: 0.02
    service_types: [tts, text_analysis]
  - id: budget
    base_url: https://api.budget.example/v1
    api_key: own-key
    service_types: [tts]
balancer:
  strategy: weighted_round_robin
  session_affinity: true
  health_check_interval: 10s
optimizer:
  cache_enabled: false
  batch_timeout: 750ms
  max_retries: 0
usage:
  reset_interval: 30s
  quotas:
    tts:
      daily_requests: 100
      warn_threshold: 0.9
monitoring:
  evaluate_interval: 5s
  rules:
    - name: custom_latency
      metric: usage.avg_latency_seconds
      operator: ">"
      threshold: 2.5
      severity: warning
      cooldown: 1m
      enabled: true
otel:
  enabled: true
  endpoint: collector:4317
  interval: 30s
  insecure: true
`)

	config, err := Load(path, zap.NewNop().Sugar())
	require.NoError(t, err)

	assert.Equal(t, 9090, config.Port)
	assert.Equal(t, "localhost:6379", config.ValkeyEndpoint)

	require.Len(t, config.Endpoints, 2)
	assert.Equal(t, "shared-key", config.Endpoints[0].APIKey)
	assert.Equal(t, "own-key", config.Endpoints[1].APIKey)
	// Unset weight and priority get usable defaults.
	assert.Equal(t, 1, config.Endpoints[1].Weight)
	assert.Equal(t, 1, config.Endpoints[0].Priority)

	assert.Equal(t, balancer.StrategyWeightedRoundRobin, config.Balancer.Strategy)
	assert.True(t, config.Balancer.SessionAffinity)
	assert.Equal(t, 10*time.Second, config.Balancer.HealthCheckInterval)

	assert.False(t, config.Optimizer.CacheEnabled)
	assert.Equal(t, 750*time.Millisecond, config.Optimizer.BatchTimeout)
	// Explicit zero disables retries; it is not mistaken for unset.
	assert.Equal(t, 0, config.Optimizer.MaxRetries)

	assert.Equal(t, 30*time.Second, config.Usage.ResetInterval)
	assert.Equal(t, int64(100), config.Usage.Quotas[fablecast.ServiceTTS].DailyRequests)

	assert.Equal(t, 5*time.Second, config.Monitor.EvaluateInterval)
	require.Len(t, config.Monitor.Rules, 1)
	assert.Equal(t, monitoring.OpGreaterThan, config.Monitor.Rules[0].Operator)
	assert.Equal(t, time.Minute, config.Monitor.Rules[0].Cooldown)

	require.NotNil(t, config.OTel)
	assert.Equal(t, "collector:4317", config.OTel.Endpoint)
	assert.Equal(t, 30*time.Second, config.OTel.Interval)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
port: 9090
balancer:
  strategy: round_robin
endpoints: []
`)
	t.Setenv("PORT", "7070")
	t.Setenv("BALANCER_STRATEGY", "least_connections")
	t.Setenv("MAX_RETRIES", "5")

	config, err := Load(path, zap.NewNop().Sugar())
	require.NoError(t, err)

	assert.Equal(t, 7070, config.Port)
	assert.Equal(t, balancer.StrategyLeastConnections, config.Balancer.Strategy)
	assert.Equal(t, 5, config.Optimizer.MaxRetries)
}

func TestValidateRejectsBadEndpoints(t *testing.T) {
	path := writeConfig(t, `
endpoints:
  - id: dup
    base_url: https://a.example
  - id: dup
    base_url: https://b.example
`)
	_, err := Load(path, zap.NewNop().Sugar())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate endpoint id")
}

func TestBadDurationRejected(t *testing.T) {
	path := writeConfig(t, `
optimizer:
  batch_timeout: soon
endpoints: []
`)
	_, err := Load(path, zap.NewNop().Sugar())
	require.Error(t, err)
}
