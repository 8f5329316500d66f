// Package optimizer wraps each provider call with cache lookup,
// batching, cost-aware parameter tuning, and adaptive retry. Every step
// short-circuits: a cache hit never reaches an executor, a batched call
// never executes alone.
package optimizer

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/fablecast/fablecast"
	"github.com/fablecast/fablecast/balancer"
	"github.com/fablecast/fablecast/cache"
	"github.com/fablecast/fablecast/provider"
)

// Config tunes the optimization pipeline.
type Config struct {
	CacheEnabled bool `yaml:"cache_enabled"`

	// TTL tiers: reference listings, status polls, everything else.
	LongTTL   time.Duration `yaml:"long_ttl"`
	ShortTTL  time.Duration `yaml:"short_ttl"`
	MediumTTL time.Duration `yaml:"medium_ttl"`

	// Methods eligible for batching, e.g. "tts:synthesize".
	BatchableMethods []string      `yaml:"batchable_methods"`
	BatchSize        int           `yaml:"batch_size"`
	BatchTimeout     time.Duration `yaml:"batch_timeout"`
	BatchCallTimeout time.Duration `yaml:"batch_call_timeout"`

	CostTuning bool `yaml:"cost_tuning"`

	MaxRetries  int           `yaml:"max_retries"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() *Config {
	return &Config{
		CacheEnabled:     true,
		LongTTL:          6 * time.Hour,
		ShortTTL:         2 * time.Minute,
		MediumTTL:        30 * time.Minute,
		BatchableMethods: []string{"tts:synthesize", "text_analysis:analyze"},
		BatchSize:        10,
		BatchTimeout:     2 * time.Second,
		BatchCallTimeout: 60 * time.Second,
		CostTuning:       true,
		MaxRetries:       3,
		BaseBackoff:      500 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
	}
}

// Result describes what the pipeline did for one call.
type Result struct {
	Response *fablecast.Response
	CacheHit bool
	Batched  bool
	Retries  int
}

// Optimizer is safe for concurrent use.
type Optimizer struct {
	config   *Config
	store    cache.Store
	registry *provider.Registry

	batchable  map[string]bool
	batchers   map[string]*batcher
	batchMutex sync.Mutex

	clock  clock.Clock
	logger *zap.SugaredLogger
}

func New(config *Config, store cache.Store, registry *provider.Registry, logger *zap.SugaredLogger) *Optimizer {
	return NewWithClock(config, store, registry, logger, clock.New())
}

func NewWithClock(config *Config, store cache.Store, registry *provider.Registry, logger *zap.SugaredLogger, clk clock.Clock) *Optimizer {
	if config == nil {
		config = DefaultConfig()
	}
	batchable := make(map[string]bool, len(config.BatchableMethods))
	for _, method := range config.BatchableMethods {
		batchable[method] = true
	}
	return &Optimizer{
		config:    config,
		store:     store,
		registry:  registry,
		batchable: batchable,
		batchers:  make(map[string]*batcher),
		clock:     clk,
		logger:    logger,
	}
}

// Optimize runs the pipeline for request against the chosen endpoint.
// Retryable failures re-enter the pipeline from the cache check, up to
// the configured maximum, with capped exponential backoff plus jitter.
func (o *Optimizer) Optimize(ctx context.Context, request *fablecast.ServiceRequest, endpoint *balancer.Endpoint) (*Result, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		result, err := o.runOnce(ctx, request, endpoint)
		if err == nil {
			result.Retries = request.RetryCount
			return result, nil
		}
		lastErr = err

		if !fablecast.IsRetryable(err) || attempt >= o.config.MaxRetries {
			break
		}
		request.RetryCount++
		if backoffErr := o.backoff(ctx, attempt); backoffErr != nil {
			lastErr = backoffErr
			break
		}
	}
	return &Result{Retries: request.RetryCount}, lastErr
}

func (o *Optimizer) runOnce(ctx context.Context, request *fablecast.ServiceRequest, endpoint *balancer.Endpoint) (*Result, error) {
	key := CacheKey(request)

	if o.config.CacheEnabled {
		if response, ok := o.cacheLookup(ctx, key); ok {
			return &Result{Response: response, CacheHit: true}, nil
		}
	}

	params := NormalizeParams(request.Params)
	if o.config.CostTuning {
		params = tuneParams(request.ServiceType, request.Method, params)
	}

	var response *fablecast.Response
	var err error
	batched := false
	if o.batchable[string(request.ServiceType)+":"+request.Method] {
		batched = true
		response, err = o.batcherFor(request.ServiceType, request.Method).join(ctx, params, endpoint)
	} else {
		var executor provider.Executor
		executor, err = o.registry.Resolve(request.ServiceType, request.Method)
		if err == nil {
			response, err = executor.Execute(ctx, &provider.Invocation{
				ServiceType: request.ServiceType,
				Method:      request.Method,
				Params:      params,
				Endpoint:    endpoint,
			})
		}
	}
	if err != nil {
		return nil, err
	}

	if o.config.CacheEnabled {
		o.cacheWrite(ctx, key, request.Method, response)
	}
	return &Result{Response: response, Batched: batched}, nil
}

// cacheLookup treats any backend failure as a miss: the cache must never
// fail the primary call.
func (o *Optimizer) cacheLookup(ctx context.Context, key string) (*fablecast.Response, bool) {
	raw, err := o.store.Get(ctx, key)
	if err != nil {
		o.logger.Warnw("Cache read failed, treating as miss", "key", key, "error", err)
		return nil, false
	}
	if raw == nil {
		return nil, false
	}
	var response fablecast.Response
	if err := json.Unmarshal(raw, &response); err != nil {
		o.logger.Warnw("Dropping undecodable cache entry", "key", key, "error", err)
		_ = o.store.Delete(ctx, key)
		return nil, false
	}
	return &response, true
}

func (o *Optimizer) cacheWrite(ctx context.Context, key string, method string, response *fablecast.Response) {
	raw, err := json.Marshal(response)
	if err != nil {
		o.logger.Warnw("Cache encode failed", "key", key, "error", err)
		return
	}
	if err := o.store.Set(ctx, key, raw, o.cacheTTL(method)); err != nil {
		o.logger.Warnw("Cache write failed", "key", key, "error", err)
	}
}

// backoff sleeps base·2^attempt plus up to one base of jitter, capped at
// MaxBackoff, honoring ctx cancellation.
func (o *Optimizer) backoff(ctx context.Context, attempt int) error {
	delay := o.config.BaseBackoff << uint(attempt)
	if delay > o.config.MaxBackoff {
		delay = o.config.MaxBackoff
	}
	delay += time.Duration(rand.Int63n(int64(o.config.BaseBackoff) + 1))
	if delay > o.config.MaxBackoff {
		delay = o.config.MaxBackoff
	}

	timer := o.clock.Timer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
