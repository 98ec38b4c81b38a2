// Package resources wraps the context manager with system-wide admission
// control: a tracked memory estimate, hard memory/CPU limits, pressure
// events, and a best-effort optimization pass that spills least-recently
// used contexts to the snapshot store.
package resources

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/soundloom/contextd/contexts"
	"github.com/soundloom/contextd/events"
	"github.com/soundloom/contextd/messages"
	"go.uber.org/zap"
)

// Admission errors for the resource layer.
var (
	ErrMemoryLimitExceeded = errors.New("memory limit exceeded")
	ErrCPULimitExceeded    = errors.New("cpu limit exceeded")
)

// recencyCapacity bounds the LRU used for spill ordering. Contexts beyond
// this are unrealistic for a single manager; eviction from the LRU only
// loses recency hints, never context data.
const recencyCapacity = 4096

// Config tunes the resource layer. Zero values fall back to defaults.
type Config struct {
	// MaxMemoryBytes is the hard admission limit for the tracked estimate.
	MaxMemoryBytes int64 `yaml:"max_memory_bytes"`

	// TotalMemoryBytes is the denominator for memory pressure.
	TotalMemoryBytes int64 `yaml:"total_memory_bytes"`

	// MaxCPU rejects message additions when the advisory CPU gauge is above it.
	MaxCPU float64 `yaml:"max_cpu"`

	// PressureHighWater is the pressure at which a resourcePressure event fires.
	PressureHighWater float64 `yaml:"pressure_high_water"`

	// OptimizeThreshold is the pressure at which an optimization pass runs.
	OptimizeThreshold float64 `yaml:"optimize_threshold"`

	// ContextTTL makes contexts idle longer than this eligible for spill
	// during optimization. Zero disables idle spilling.
	ContextTTL time.Duration `yaml:"context_ttl"`
}

// DefaultConfig returns the reference resource settings.
func DefaultConfig() Config {
	return Config{
		MaxMemoryBytes:    256 << 20,
		TotalMemoryBytes:  512 << 20,
		MaxCPU:            0.95,
		PressureHighWater: 0.9,
		OptimizeThreshold: 0.8,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxMemoryBytes <= 0 {
		c.MaxMemoryBytes = def.MaxMemoryBytes
	}
	if c.TotalMemoryBytes <= 0 {
		c.TotalMemoryBytes = def.TotalMemoryBytes
	}
	if c.MaxCPU <= 0 || c.MaxCPU > 1 {
		c.MaxCPU = def.MaxCPU
	}
	if c.PressureHighWater <= 0 || c.PressureHighWater > 1 {
		c.PressureHighWater = def.PressureHighWater
	}
	if c.OptimizeThreshold <= 0 || c.OptimizeThreshold > 1 {
		c.OptimizeThreshold = def.OptimizeThreshold
	}
	return c
}

// SystemResources is an advisory snapshot of the tracked process estimates.
// The memory figure is a proxy built from message content sizes, not RSS.
type SystemResources struct {
	MemoryUsed     int64
	TotalMemory    int64
	CPUUsed        float64
	MemoryPressure float64
}

// Manager is the resource-governing wrapper around a context manager.
type Manager struct {
	config   Config
	contexts *contexts.Manager
	bus      *events.Bus

	mu         sync.Mutex
	keyBytes   map[string]int64
	memoryUsed int64
	cpuUsed    float64
	recency    *lru.Cache[string, time.Time]

	// now is swappable in tests
	now func() time.Time
}

// NewManager builds the resource layer over a snapshot store. The returned
// manager owns an event bus; observers subscribe through Events().
func NewManager(store contexts.Store, contextConfig contexts.Config, config Config) *Manager {
	bus := events.NewBus()
	recency, _ := lru.New[string, time.Time](recencyCapacity)
	return &Manager{
		config:   config.withDefaults(),
		contexts: contexts.NewManager(store, bus, contextConfig),
		bus:      bus,
		keyBytes: make(map[string]int64),
		recency:  recency,
		now:      time.Now,
	}
}

// Events returns the bus carrying resource and lifecycle events.
func (m *Manager) Events() *events.Bus {
	return m.bus
}

// UpdateCPUUsage feeds the advisory CPU gauge. The manager has no view of
// host CPU on its own; the embedding process reports it.
func (m *Manager) UpdateCPUUsage(used float64) {
	m.mu.Lock()
	m.cpuUsed = used
	m.mu.Unlock()
}

// GetCurrentResources returns a snapshot of the tracked estimates. Always a
// value; absent figures are zero.
func (m *Manager) GetCurrentResources() SystemResources {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() SystemResources {
	pressure := 0.0
	if m.config.TotalMemoryBytes > 0 {
		pressure = float64(m.memoryUsed) / float64(m.config.TotalMemoryBytes)
	}
	return SystemResources{
		MemoryUsed:     m.memoryUsed,
		TotalMemory:    m.config.TotalMemoryBytes,
		CPUUsed:        m.cpuUsed,
		MemoryPressure: pressure,
	}
}

// InitializeContext creates a context after checking the memory limit.
func (m *Manager) InitializeContext(ctx context.Context, key string, constraints contexts.ModelConstraints) (*contexts.State, error) {
	m.mu.Lock()
	used := m.memoryUsed
	m.mu.Unlock()
	if used > m.config.MaxMemoryBytes {
		m.bus.Emit(events.ResourceExhausted{
			Reason:  "memory",
			Limit:   float64(m.config.MaxMemoryBytes),
			Current: float64(used),
		})
		return nil, fmt.Errorf("%w: %d bytes tracked, limit %d", ErrMemoryLimitExceeded, used, m.config.MaxMemoryBytes)
	}

	state, err := m.contexts.InitializeContext(ctx, key, constraints)
	if err != nil {
		return nil, err
	}

	m.accountFor(key, state)
	return state, nil
}

// AddMessage appends a message after checking the memory and CPU limits,
// then refreshes accounting and reacts to the resulting pressure.
func (m *Manager) AddMessage(ctx context.Context, key string, msg messages.Message) (*contexts.State, error) {
	m.mu.Lock()
	used := m.memoryUsed
	cpu := m.cpuUsed
	m.mu.Unlock()

	if used > m.config.MaxMemoryBytes {
		m.bus.Emit(events.ResourceExhausted{
			Reason:  "memory",
			Limit:   float64(m.config.MaxMemoryBytes),
			Current: float64(used),
		})
		return nil, fmt.Errorf("%w: %d bytes tracked, limit %d", ErrMemoryLimitExceeded, used, m.config.MaxMemoryBytes)
	}
	if cpu > m.config.MaxCPU {
		m.bus.Emit(events.ResourceExhausted{
			Reason:  "cpu",
			Limit:   m.config.MaxCPU,
			Current: cpu,
		})
		return nil, fmt.Errorf("%w: %.2f used, limit %.2f", ErrCPULimitExceeded, cpu, m.config.MaxCPU)
	}

	state, err := m.contexts.AddMessage(ctx, key, msg)
	if err != nil {
		if errors.Is(err, contexts.ErrResourceExhausted) {
			// The offending context is gone; release its accounting.
			m.forget(key)
		}
		return nil, err
	}

	pressure := m.accountFor(key, state)

	if pressure >= m.config.PressureHighWater {
		m.bus.Emit(events.ResourcePressure{
			Pressure:  pressure,
			Threshold: m.config.PressureHighWater,
			Source:    "addMessage",
		})
	}
	if pressure >= m.config.OptimizeThreshold {
		m.OptimizeResources(ctx)
	}

	return state, nil
}

// ReplaceMessages swaps a context's history, refreshing accounting.
func (m *Manager) ReplaceMessages(ctx context.Context, key string, history []messages.Message) (*contexts.State, error) {
	state, err := m.contexts.ReplaceMessages(ctx, key, history)
	if err != nil {
		return nil, err
	}
	m.accountFor(key, state)
	return state, nil
}

// GetContext returns the keyed context, refreshing its recency.
func (m *Manager) GetContext(ctx context.Context, key string) (*contexts.State, error) {
	state, err := m.contexts.GetContext(ctx, key)
	if err != nil || state == nil {
		return state, err
	}
	m.accountFor(key, state)
	return state, nil
}

// RemoveContext destroys the keyed context and releases its accounting.
func (m *Manager) RemoveContext(ctx context.Context, key string) error {
	if err := m.contexts.RemoveContext(ctx, key); err != nil {
		return err
	}
	m.forget(key)
	return nil
}

// OptimizeResources spills least-recently-used and idle contexts until the
// tracked pressure drops below the optimization threshold. Best-effort and
// idempotent: when nothing can be reclaimed it is a no-op, not an error.
func (m *Manager) OptimizeResources(ctx context.Context) {
	var freedTotal int64

	for _, key := range m.spillCandidates() {
		m.mu.Lock()
		pressure := m.snapshotLocked().MemoryPressure
		idle := m.config.ContextTTL > 0
		if idle {
			if last, ok := m.recency.Peek(key); ok {
				idle = m.now().Sub(last) > m.config.ContextTTL
			} else {
				idle = false
			}
		}
		m.mu.Unlock()

		if pressure < m.config.OptimizeThreshold && !idle {
			break
		}

		freed, err := m.contexts.Spill(ctx, key)
		if err != nil {
			zap.S().Debugw("optimize_spill_failed", "key", key, "error", err)
			continue
		}
		m.forget(key)
		freedTotal += freed
	}

	if freedTotal > 0 {
		m.bus.Emit(events.MemoryOptimized{BytesFreed: freedTotal})
		zap.S().Infow("memory_optimized", "bytes_freed", freedTotal)
	}
}

// Cleanup tears down every context, clears accounting, and best-effort
// clears the durable store. Always reaches a clean terminal state.
func (m *Manager) Cleanup(ctx context.Context) {
	m.contexts.CleanupAll(ctx)

	m.mu.Lock()
	m.keyBytes = make(map[string]int64)
	m.memoryUsed = 0
	m.recency.Purge()
	m.mu.Unlock()
}

// Close releases the event bus after a final cleanup.
func (m *Manager) Close(ctx context.Context) {
	m.Cleanup(ctx)
	m.bus.Close()
}

// accountFor replaces the tracked byte estimate for key with the state's
// current content size and bumps recency. Returns the resulting pressure.
func (m *Manager) accountFor(key string, state *contexts.State) float64 {
	var size int64
	for _, msg := range state.Messages {
		size += int64(len(msg.Content))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.memoryUsed += size - m.keyBytes[key]
	m.keyBytes[key] = size
	m.recency.Add(key, m.now())
	return m.snapshotLocked().MemoryPressure
}

// forget releases the accounting for a removed or spilled key.
func (m *Manager) forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.memoryUsed -= m.keyBytes[key]
	delete(m.keyBytes, key)
	m.recency.Remove(key)
}

// spillCandidates returns keys in least-recently-used order.
func (m *Manager) spillCandidates() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recency.Keys()
}
