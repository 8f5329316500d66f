// Package config loads the gateway configuration from a YAML file or a
// remote URL, with environment variables taking precedence over file
// values. Durations are written in Go notation, e.g. "30s" or "1h30m".
package config

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/fablecast/fablecast"
	"github.com/fablecast/fablecast/balancer"
	"github.com/fablecast/fablecast/monitoring"
	"github.com/fablecast/fablecast/optimizer"
	"github.com/fablecast/fablecast/usage"
	"github.com/fablecast/fablecast/utils/env"
)

// Config is the assembled application configuration.
type Config struct {
	// Port to listen for incoming requests.
	Port int

	// Valkey endpoint backing the response cache. Empty selects the
	// in-process cache. E.g., localhost:6379
	ValkeyEndpoint string

	// Byte budget for the in-process cache when Valkey is not used.
	CacheMaxBytes int64

	// MySQL DSN for the usage store. Empty selects the in-memory store.
	MySQLDSN string

	// Upstream endpoints available for selection.
	Endpoints []*balancer.Endpoint

	Balancer  *balancer.Config
	Optimizer *optimizer.Config
	Usage     *usage.Config
	Monitor   *monitoring.Config

	// OTLP metrics push; nil unless enabled.
	OTel *monitoring.OTelConfig
}

// fileConfig mirrors the YAML document. Durations are strings here and
// parsed during assembly; the YAML parser cannot decode "30s" into a
// time.Duration directly.
type fileConfig struct {
	Port           int                  `yaml:"port"`
	ValkeyEndpoint string               `yaml:"valkey_endpoint"`
	CacheMaxBytes  int64                `yaml:"cache_max_bytes"`
	MySQLDSN       string               `yaml:"mysql_dsn"`
	ProviderAPIKey string               `yaml:"provider_api_key"`
	Endpoints      []*balancer.Endpoint `yaml:"endpoints"`

	Balancer *struct {
		Strategy            string  `yaml:"strategy"`
		SessionAffinity     *bool   `yaml:"session_affinity"`
		HealthCheckInterval string  `yaml:"health_check_interval"`
		HealthCheckTimeout  string  `yaml:"health_check_timeout"`
		DegradedThreshold   int     `yaml:"degraded_threshold"`
		UnhealthyThreshold  int     `yaml:"unhealthy_threshold"`
		LowBalanceThreshold float64 `yaml:"low_balance_threshold"`
	} `yaml:"balancer"`

	Optimizer *struct {
		CacheEnabled     *bool    `yaml:"cache_enabled"`
		LongTTL          string   `yaml:"long_ttl"`
		ShortTTL         string   `yaml:"short_ttl"`
		MediumTTL        string   `yaml:"medium_ttl"`
		BatchableMethods []string `yaml:"batchable_methods"`
		BatchSize        int      `yaml:"batch_size"`
		BatchTimeout     string   `yaml:"batch_timeout"`
		BatchCallTimeout string   `yaml:"batch_call_timeout"`
		CostTuning       *bool    `yaml:"cost_tuning"`
		MaxRetries       *int     `yaml:"max_retries"`
		BaseBackoff      string   `yaml:"base_backoff"`
		MaxBackoff       string   `yaml:"max_backoff"`
	} `yaml:"optimizer"`

	Usage *struct {
		Quotas        map[string]usage.QuotaDefaults `yaml:"quotas"`
		ResetInterval string                         `yaml:"reset_interval"`
	} `yaml:"usage"`

	Monitoring *struct {
		CollectInterval  string `yaml:"collect_interval"`
		EvaluateInterval string `yaml:"evaluate_interval"`
		CleanupInterval  string `yaml:"cleanup_interval"`
		HistoryRetention string `yaml:"history_retention"`
		Rules            []struct {
			Name      string  `yaml:"name"`
			Metric    string  `yaml:"metric"`
			Operator  string  `yaml:"operator"`
			Threshold float64 `yaml:"threshold"`
			Severity  string  `yaml:"severity"`
			Cooldown  string  `yaml:"cooldown"`
			Enabled   bool    `yaml:"enabled"`
		} `yaml:"rules"`
	} `yaml:"monitoring"`

	OTel *struct {
		Enabled     bool   `yaml:"enabled"`
		Endpoint    string `yaml:"endpoint"`
		ServiceName string `yaml:"service_name"`
		Interval    string `yaml:"interval"`
		Insecure    bool   `yaml:"insecure"`
	} `yaml:"otel"`
}

// Load reads the configuration from path (or the CONFIG_SOURCE
// environment variable, which may be an http(s) URL) and applies
// environment overrides.
func Load(path string, logger *zap.SugaredLogger) (*Config, error) {
	configSource := env.OptionalStringVariable("CONFIG_SOURCE", path)
	configToken := env.OptionalStringVariable("CONFIG_TOKEN", "")
	configData, err := func(configSource, configToken string) ([]byte, error) {
		if strings.HasPrefix(configSource, "http://") || strings.HasPrefix(configSource, "https://") {
			logger.Infow("Fetching remote config", "url", configSource)
			return fetchRemoteConfig(configSource, configToken)
		}
		logger.Infow("Loading local config", "path", configSource)
		return os.ReadFile(configSource)
	}(configSource, configToken)
	if err != nil {
		return nil, fmt.Errorf("failed to get config data: %v", err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(configData, &file); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}

	config, err := assemble(&file)
	if err != nil {
		return nil, err
	}

	// Environment variables precede the values from the YAML file.
	config.Port = env.OptionalIntVariable("PORT", config.Port)
	config.ValkeyEndpoint = env.OptionalStringVariable("VALKEY_ENDPOINT", config.ValkeyEndpoint)
	config.MySQLDSN = env.OptionalStringVariable("MYSQL_DSN", config.MySQLDSN)
	config.Balancer.Strategy = balancer.Strategy(env.OptionalStringVariable("BALANCER_STRATEGY", string(config.Balancer.Strategy)))
	config.Balancer.SessionAffinity = env.OptionalBoolVariable("SESSION_AFFINITY", config.Balancer.SessionAffinity)
	config.Balancer.HealthCheckInterval = env.OptionalDurationVariable("HEALTH_CHECK_INTERVAL", config.Balancer.HealthCheckInterval)
	config.Optimizer.CacheEnabled = env.OptionalBoolVariable("CACHE_ENABLED", config.Optimizer.CacheEnabled)
	config.Optimizer.MaxRetries = env.OptionalIntVariable("MAX_RETRIES", config.Optimizer.MaxRetries)
	config.Optimizer.BatchSize = env.OptionalIntVariable("BATCH_SIZE", config.Optimizer.BatchSize)
	config.Optimizer.BatchTimeout = env.OptionalDurationVariable("BATCH_TIMEOUT", config.Optimizer.BatchTimeout)

	providerKey := env.OptionalStringVariable("PROVIDER_API_KEY", file.ProviderAPIKey)
	applyEndpointDefaults(config.Endpoints, providerKey)

	if err := validate(config); err != nil {
		return nil, err
	}
	return config, nil
}

func assemble(file *fileConfig) (*Config, error) {
	config := &Config{
		Port:          8080,
		CacheMaxBytes: 256 << 20,
		Balancer:      balancer.DefaultConfig(),
		Optimizer:     optimizer.DefaultConfig(),
		Usage:         usage.DefaultConfig(),
		Monitor:       monitoring.DefaultConfig(),
		Endpoints:     file.Endpoints,
	}
	if file.Port != 0 {
		config.Port = file.Port
	}
	if file.CacheMaxBytes != 0 {
		config.CacheMaxBytes = file.CacheMaxBytes
	}
	config.ValkeyEndpoint = file.ValkeyEndpoint
	config.MySQLDSN = file.MySQLDSN

	var err error
	if b := file.Balancer; b != nil {
		if b.Strategy != "" {
			config.Balancer.Strategy = balancer.Strategy(b.Strategy)
		}
		if b.SessionAffinity != nil {
			config.Balancer.SessionAffinity = *b.SessionAffinity
		}
		if config.Balancer.HealthCheckInterval, err = duration(b.HealthCheckInterval, config.Balancer.HealthCheckInterval); err != nil {
			return nil, fmt.Errorf("balancer.health_check_interval: %v", err)
		}
		if config.Balancer.HealthCheckTimeout, err = duration(b.HealthCheckTimeout, config.Balancer.HealthCheckTimeout); err != nil {
			return nil, fmt.Errorf("balancer.health_check_timeout: %v", err)
		}
		if b.DegradedThreshold != 0 {
			config.Balancer.DegradedThreshold = b.DegradedThreshold
		}
		if b.UnhealthyThreshold != 0 {
			config.Balancer.UnhealthyThreshold = b.UnhealthyThreshold
		}
		if b.LowBalanceThreshold != 0 {
			config.Balancer.LowBalanceThreshold = b.LowBalanceThreshold
		}
	}

	if o := file.Optimizer; o != nil {
		if o.CacheEnabled != nil {
			config.Optimizer.CacheEnabled = *o.CacheEnabled
		}
		if config.Optimizer.LongTTL, err = duration(o.LongTTL, config.Optimizer.LongTTL); err != nil {
			return nil, fmt.Errorf("optimizer.long_ttl: %v", err)
		}
		if config.Optimizer.ShortTTL, err = duration(o.ShortTTL, config.Optimizer.ShortTTL); err != nil {
			return nil, fmt.Errorf("optimizer.short_ttl: %v", err)
		}
		if config.Optimizer.MediumTTL, err = duration(o.MediumTTL, config.Optimizer.MediumTTL); err != nil {
			return nil, fmt.Errorf("optimizer.medium_ttl: %v", err)
		}
		if o.BatchableMethods != nil {
			config.Optimizer.BatchableMethods = o.BatchableMethods
		}
		if o.BatchSize != 0 {
			config.Optimizer.BatchSize = o.BatchSize
		}
		if config.Optimizer.BatchTimeout, err = duration(o.BatchTimeout, config.Optimizer.BatchTimeout); err != nil {
			return nil, fmt.Errorf("optimizer.batch_timeout: %v", err)
		}
		if config.Optimizer.BatchCallTimeout, err = duration(o.BatchCallTimeout, config.Optimizer.BatchCallTimeout); err != nil {
			return nil, fmt.Errorf("optimizer.batch_call_timeout: %v", err)
		}
		if o.CostTuning != nil {
			config.Optimizer.CostTuning = *o.CostTuning
		}
		if o.MaxRetries != nil {
			config.Optimizer.MaxRetries = *o.MaxRetries
		}
		if config.Optimizer.BaseBackoff, err = duration(o.BaseBackoff, config.Optimizer.BaseBackoff); err != nil {
			return nil, fmt.Errorf("optimizer.base_backoff: %v", err)
		}
		if config.Optimizer.MaxBackoff, err = duration(o.MaxBackoff, config.Optimizer.MaxBackoff); err != nil {
			return nil, fmt.Errorf("optimizer.max_backoff: %v", err)
		}
	}

	if u := file.Usage; u != nil {
		for service, defaults := range u.Quotas {
			config.Usage.Quotas[fablecast.ServiceType(service)] = defaults
		}
		if config.Usage.ResetInterval, err = duration(u.ResetInterval, config.Usage.ResetInterval); err != nil {
			return nil, fmt.Errorf("usage.reset_interval: %v", err)
		}
	}

	if m := file.Monitoring; m != nil {
		if config.Monitor.CollectInterval, err = duration(m.CollectInterval, config.Monitor.CollectInterval); err != nil {
			return nil, fmt.Errorf("monitoring.collect_interval: %v", err)
		}
		if config.Monitor.EvaluateInterval, err = duration(m.EvaluateInterval, config.Monitor.EvaluateInterval); err != nil {
			return nil, fmt.Errorf("monitoring.evaluate_interval: %v", err)
		}
		if config.Monitor.CleanupInterval, err = duration(m.CleanupInterval, config.Monitor.CleanupInterval); err != nil {
			return nil, fmt.Errorf("monitoring.cleanup_interval: %v", err)
		}
		if config.Monitor.HistoryRetention, err = duration(m.HistoryRetention, config.Monitor.HistoryRetention); err != nil {
			return nil, fmt.Errorf("monitoring.history_retention: %v", err)
		}
		if len(m.Rules) > 0 {
			rules := make([]monitoring.AlertRule, 0, len(m.Rules))
			for _, rule := range m.Rules {
				cooldown, err := duration(rule.Cooldown, 5*time.Minute)
				if err != nil {
					return nil, fmt.Errorf("monitoring rule %q cooldown: %v", rule.Name, err)
				}
				rules = append(rules, monitoring.AlertRule{
					Name:      rule.Name,
					Metric:    rule.Metric,
					Operator:  monitoring.Operator(rule.Operator),
					Threshold: rule.Threshold,
					Severity:  monitoring.Severity(rule.Severity),
					Cooldown:  cooldown,
					Enabled:   rule.Enabled,
				})
			}
			config.Monitor.Rules = rules
		}
	}

	if o := file.OTel; o != nil && o.Enabled {
		interval, err := duration(o.Interval, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("otel.interval: %v", err)
		}
		config.OTel = &monitoring.OTelConfig{
			Enabled:     true,
			Endpoint:    o.Endpoint,
			ServiceName: o.ServiceName,
			Interval:    interval,
			Insecure:    o.Insecure,
		}
	}

	return config, nil
}

func applyEndpointDefaults(endpoints []*balancer.Endpoint, providerKey string) {
	for _, endpoint := range endpoints {
		if endpoint.APIKey == "" {
			endpoint.APIKey = providerKey
		}
		if endpoint.Weight <= 0 {
			endpoint.Weight = 1
		}
		if endpoint.Priority <= 0 {
			endpoint.Priority = 1
		}
	}
}

func validate(config *Config) error {
	seen := make(map[string]bool, len(config.Endpoints))
	for _, endpoint := range config.Endpoints {
		if endpoint.ID == "" {
			return fmt.Errorf("endpoint with base_url %q has no id", endpoint.BaseURL)
		}
		if endpoint.BaseURL == "" {
			return fmt.Errorf("endpoint %q has no base_url", endpoint.ID)
		}
		if seen[endpoint.ID] {
			return fmt.Errorf("duplicate endpoint id %q", endpoint.ID)
		}
		seen[endpoint.ID] = true
	}
	return nil
}

func duration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	return time.ParseDuration(value)
}

func fetchRemoteConfig(url string, token string) ([]byte, error) {
	client := &http.Client{Timeout: 10 * time.Second}

	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status fetching config: %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}
