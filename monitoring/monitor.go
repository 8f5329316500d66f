// Package monitoring polls component snapshots into a flat metric map,
// keeps bounded per-metric history, and raises threshold alerts.
package monitoring

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Bound on retained points per metric; the cleanup loop also trims by
// age.
const historyCap = 1000

// SourceFunc produces one component's current metrics. Keys from a
// source named "usage" surface as "usage.<key>".
type SourceFunc func() map[string]float64

// Point is one sampled metric value.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Config for the monitoring service.
type Config struct {
	CollectInterval  time.Duration `yaml:"collect_interval"`
	EvaluateInterval time.Duration `yaml:"evaluate_interval"`
	CleanupInterval  time.Duration `yaml:"cleanup_interval"`
	HistoryRetention time.Duration `yaml:"history_retention"`

	// Rules evaluated on every pass; nil means DefaultRules.
	Rules []AlertRule `yaml:"rules"`
}

func DefaultConfig() *Config {
	return &Config{
		CollectInterval:  15 * time.Second,
		EvaluateInterval: 30 * time.Second,
		CleanupInterval:  10 * time.Minute,
		HistoryRetention: time.Hour,
		Rules:            DefaultRules(),
	}
}

type source struct {
	name string
	fn   SourceFunc
}

// Monitor is the collection and alerting hub. Sources are registered
// once at wiring time; collection and evaluation run on their own
// loops.
type Monitor struct {
	config  *Config
	sources []source

	current   map[string]float64
	history   map[string][]Point
	collected map[string]time.Time
	mutex     sync.RWMutex

	alerts alertState

	clock  clock.Clock
	logger *zap.SugaredLogger
}

func New(config *Config, logger *zap.SugaredLogger) *Monitor {
	return NewWithClock(config, logger, clock.New())
}

func NewWithClock(config *Config, logger *zap.SugaredLogger, clk clock.Clock) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Rules == nil {
		config.Rules = DefaultRules()
	}
	return &Monitor{
		config:    config,
		current:   make(map[string]float64),
		history:   make(map[string][]Point),
		collected: make(map[string]time.Time),
		alerts: alertState{
			active:    make(map[string]*Alert),
			lastFired: make(map[string]time.Time),
		},
		clock:  clk,
		logger: logger,
	}
}

// Register adds a named snapshot source. Not safe to call once the
// collection loop is running.
func (m *Monitor) Register(name string, fn SourceFunc) {
	m.sources = append(m.sources, source{name: name, fn: fn})
}

// RunCollection samples every source on the collect interval until ctx
// is cancelled.
func (m *Monitor) RunCollection(ctx context.Context) {
	ticker := m.clock.Ticker(m.config.CollectInterval)
	defer ticker.Stop()

	m.Collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Collect()
		}
	}
}

// Collect runs one sampling pass over all sources.
func (m *Monitor) Collect() {
	now := m.clock.Now()
	for _, src := range m.sources {
		snapshot := src.fn()

		m.mutex.Lock()
		for key, value := range snapshot {
			metric := src.name + "." + key
			m.current[metric] = value
			points := append(m.history[metric], Point{Timestamp: now, Value: value})
			if len(points) > historyCap {
				points = points[len(points)-historyCap:]
			}
			m.history[metric] = points
		}
		m.collected[src.name] = now
		m.mutex.Unlock()
	}
}

// RunEvaluation walks the alert rules on the evaluate interval until
// ctx is cancelled.
func (m *Monitor) RunEvaluation(ctx context.Context) {
	ticker := m.clock.Ticker(m.config.EvaluateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Evaluate()
		}
	}
}

// RunCleanup trims aged-out history points on the cleanup interval.
func (m *Monitor) RunCleanup(ctx context.Context) {
	ticker := m.clock.Ticker(m.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.cleanup()
		}
	}
}

func (m *Monitor) cleanup() {
	cutoff := m.clock.Now().Add(-m.config.HistoryRetention)

	m.mutex.Lock()
	defer m.mutex.Unlock()
	for metric, points := range m.history {
		keep := 0
		for keep < len(points) && points[keep].Timestamp.Before(cutoff) {
			keep++
		}
		if keep == len(points) {
			delete(m.history, metric)
		} else if keep > 0 {
			m.history[metric] = append([]Point(nil), points[keep:]...)
		}
	}
}

// Current returns a copy of the latest sampled metric map.
func (m *Monitor) Current() map[string]float64 {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	copied := make(map[string]float64, len(m.current))
	for metric, value := range m.current {
		copied[metric] = value
	}
	return copied
}

// History returns the retained points for one metric, oldest first.
func (m *Monitor) History(metric string) []Point {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return append([]Point(nil), m.history[metric]...)
}

// MetricNames lists every metric seen so far, sorted.
func (m *Monitor) MetricNames() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	names := make([]string, 0, len(m.current))
	for metric := range m.current {
		names = append(names, metric)
	}
	sort.Strings(names)
	return names
}

// ComponentHealth reports, per registered source, whether its last
// sample is recent enough. A source that missed three collect
// intervals counts as unhealthy.
func (m *Monitor) ComponentHealth() map[string]bool {
	stale := 3 * m.config.CollectInterval
	now := m.clock.Now()

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	health := make(map[string]bool, len(m.sources))
	for _, src := range m.sources {
		sampled, ok := m.collected[src.name]
		health[src.name] = ok && now.Sub(sampled) <= stale
	}
	return health
}
