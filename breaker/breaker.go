// Package breaker implements a per-key circuit breaker. Each tracked key
// (an endpoint id or a service type) owns an independent state machine so
// a failing endpoint never blocks traffic to its siblings.
package breaker

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// State represents the state of a single circuit.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config controls when circuits trip and recover.
type Config struct {
	// Consecutive failures before the circuit opens.
	FailureThreshold int `yaml:"failure_threshold"`

	// Consecutive successes in half-open before the circuit closes.
	SuccessThreshold int `yaml:"success_threshold"`

	// How long an open circuit waits before permitting a trial request.
	Cooldown time.Duration `yaml:"cooldown"`
}

// DefaultConfig returns the thresholds the gateway ships with.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		Cooldown:         60 * time.Second,
	}
}

type circuit struct {
	state                State
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	// Set while the single half-open trial request is in flight.
	trialInFlight bool
}

// Breaker tracks one circuit per key. Safe for concurrent use.
type Breaker struct {
	config   *Config
	circuits map[string]*circuit
	clock    clock.Clock
	logger   *zap.SugaredLogger
	mutex    sync.Mutex
}

func New(config *Config, logger *zap.SugaredLogger) *Breaker {
	return NewWithClock(config, logger, clock.New())
}

// NewWithClock injects a clock so cooldown transitions can be tested
// without sleeping.
func NewWithClock(config *Config, logger *zap.SugaredLogger, clk clock.Clock) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	return &Breaker{
		config:   config,
		circuits: make(map[string]*circuit),
		clock:    clk,
		logger:   logger,
	}
}

// Allow reports whether a request for key may proceed. While open, the
// key is refused until the cooldown elapses; the first call after the
// cooldown flips the circuit half-open and is admitted as the single
// trial request.
func (b *Breaker) Allow(key string) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return true
	}

	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock.Now().Sub(c.openedAt) >= b.config.Cooldown {
			c.state = StateHalfOpen
			c.trialInFlight = true
			b.logger.Infow("Circuit half-open, admitting trial request", "key", key)
			return true
		}
		return false
	case StateHalfOpen:
		if c.trialInFlight {
			return false
		}
		c.trialInFlight = true
		return true
	}
	return true
}

// RecordSuccess feeds a successful outcome into key's circuit.
func (b *Breaker) RecordSuccess(key string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	c := b.getOrCreate(key)
	c.consecutiveFailures = 0
	c.trialInFlight = false

	switch c.state {
	case StateHalfOpen:
		c.consecutiveSuccesses++
		if c.consecutiveSuccesses >= b.config.SuccessThreshold {
			c.state = StateClosed
			c.consecutiveSuccesses = 0
			b.logger.Infow("Circuit closed", "key", key)
		}
	case StateOpen:
		// A success that raced an open transition closes the circuit: the
		// target is evidently reachable again.
		c.state = StateClosed
		c.consecutiveSuccesses = 0
	}
}

// RecordFailure feeds a failed outcome into key's circuit. A failed
// half-open trial reopens the circuit and restarts the cooldown.
func (b *Breaker) RecordFailure(key string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	c := b.getOrCreate(key)
	c.consecutiveSuccesses = 0
	c.consecutiveFailures++
	c.trialInFlight = false

	switch c.state {
	case StateClosed:
		if c.consecutiveFailures >= b.config.FailureThreshold {
			c.state = StateOpen
			c.openedAt = b.clock.Now()
			b.logger.Warnw("Circuit opened", "key", key, "consecutiveFailures", c.consecutiveFailures)
		}
	case StateHalfOpen:
		c.state = StateOpen
		c.openedAt = b.clock.Now()
		b.logger.Warnw("Circuit reopened after failed trial", "key", key)
	}
}

// StateOf returns the current state for key. Unknown keys are closed.
func (b *Breaker) StateOf(key string) State {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	c, ok := b.circuits[key]
	if !ok {
		return StateClosed
	}
	if c.state == StateOpen && b.clock.Now().Sub(c.openedAt) >= b.config.Cooldown {
		return StateHalfOpen
	}
	return c.state
}

// Reset discards the circuit for key, returning it to closed. Used when
// an endpoint is reconfigured and its history no longer applies.
func (b *Breaker) Reset(key string) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	delete(b.circuits, key)
}

// Snapshot returns the state of every tracked circuit.
func (b *Breaker) Snapshot() map[string]State {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	states := make(map[string]State, len(b.circuits))
	for key, c := range b.circuits {
		states[key] = c.state
	}
	return states
}

func (b *Breaker) getOrCreate(key string) *circuit {
	c, ok := b.circuits[key]
	if !ok {
		c = &circuit{state: StateClosed}
		b.circuits[key] = c
	}
	return c
}
