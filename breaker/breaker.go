package breaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen is returned when a key's breaker is rejecting operations.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Config holds circuit breaker tuning. Zero values fall back to defaults.
type Config struct {
	// Threshold is the failure count within the cooling window that opens
	// the breaker.
	Threshold int `yaml:"threshold"`

	// CoolingPeriod is how long the breaker stays open after the last
	// failure before resetting to closed.
	CoolingPeriod time.Duration `yaml:"cooling_period"`
}

// DefaultConfig returns the reference breaker settings.
func DefaultConfig() Config {
	return Config{
		Threshold:     4,
		CoolingPeriod: 60 * time.Second,
	}
}

type keyState struct {
	failureCount int
	lastFailure  time.Time
}

// Breaker tracks failure counts per logical key and rejects operations on
// keys that have failed Threshold times within the cooling window. There is
// no half-open probe state: the breaker closes again only when CoolingPeriod
// has elapsed since the last recorded failure, at which point the count
// resets to zero. A success never resets the count early.
type Breaker struct {
	config Config
	mu     sync.Mutex
	states map[string]*keyState

	// now is swappable in tests
	now func() time.Time
}

// New creates a Breaker with the given config, applying defaults for zero fields.
func New(config Config) *Breaker {
	if config.Threshold <= 0 {
		config.Threshold = DefaultConfig().Threshold
	}
	if config.CoolingPeriod <= 0 {
		config.CoolingPeriod = DefaultConfig().CoolingPeriod
	}
	return &Breaker{
		config: config,
		states: make(map[string]*keyState),
		now:    time.Now,
	}
}

// Allow returns ErrCircuitOpen if the breaker for key currently rejects
// operations, nil otherwise. An expired cooling window resets the key's
// failure count as a side effect.
func (b *Breaker) Allow(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.states[key]
	if !ok {
		return nil
	}

	if b.expired(state) {
		delete(b.states, key)
		zap.S().Debugw("breaker_reset", "key", key)
		return nil
	}

	if state.failureCount >= b.config.Threshold {
		return ErrCircuitOpen
	}
	return nil
}

// RecordFailure increments the failure count for key. It returns
// ErrCircuitOpen when the increment reaches the threshold, nil otherwise.
func (b *Breaker) RecordFailure(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	state, ok := b.states[key]
	if !ok || b.expired(state) {
		state = &keyState{}
		b.states[key] = state
	}

	state.failureCount++
	state.lastFailure = now

	if state.failureCount >= b.config.Threshold {
		zap.S().Warnw("breaker_opened",
			"key", key,
			"failures", state.failureCount,
			"cooling", b.config.CoolingPeriod)
		return ErrCircuitOpen
	}
	return nil
}

// Reset clears the failure state for key regardless of the cooling window.
// Used when the key's context is destroyed.
func (b *Breaker) Reset(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, key)
}

// FailureCount returns the current failure count for key, zero if the
// cooling window has expired.
func (b *Breaker) FailureCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.states[key]
	if !ok || b.expired(state) {
		return 0
	}
	return state.failureCount
}

func (b *Breaker) expired(state *keyState) bool {
	return b.now().Sub(state.lastFailure) > b.config.CoolingPeriod
}
