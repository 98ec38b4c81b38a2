package contexts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/soundloom/contextd/breaker"
	"github.com/soundloom/contextd/events"
	"github.com/soundloom/contextd/messages"
	"github.com/soundloom/contextd/tokens"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Config tunes the context manager. Zero values fall back to defaults.
type Config struct {
	// CompressionTrigger is the fraction of the context window at which a
	// context is compressed after a successful append.
	CompressionTrigger float64 `yaml:"compression_trigger"`

	// CompressionTarget is the fraction of the context window the retained
	// suffix must fit within after compression.
	CompressionTarget float64 `yaml:"compression_target"`

	// LockTimeout bounds how long an operation waits for a context's lock.
	LockTimeout time.Duration `yaml:"lock_timeout"`

	// Breaker configures the per-context circuit breaker.
	Breaker breaker.Config `yaml:"breaker"`
}

// DefaultConfig returns the reference manager settings.
func DefaultConfig() Config {
	return Config{
		CompressionTrigger: 0.30,
		CompressionTarget:  0.25,
		LockTimeout:        10 * time.Second,
		Breaker:            breaker.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CompressionTrigger <= 0 || c.CompressionTrigger > 1 {
		c.CompressionTrigger = def.CompressionTrigger
	}
	if c.CompressionTarget <= 0 || c.CompressionTarget > 1 {
		c.CompressionTarget = def.CompressionTarget
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = def.LockTimeout
	}
	return c
}

// Manager owns the set of live conversational contexts. Every read-modify-
// write sequence on one key runs under that key's lock; operations on
// different keys proceed independently. The manager hydrates from and
// persists to a Store, and gates chronically failing keys with a circuit
// breaker.
type Manager struct {
	config  Config
	store   Store
	breaker *breaker.Breaker
	bus     *events.Bus

	mu    sync.Mutex
	live  map[string]*State
	locks map[string]*semaphore.Weighted

	// now is swappable in tests
	now func() time.Time
}

// NewManager creates a context manager over the given store. The bus may be
// nil when no observer cares about lifecycle events.
func NewManager(store Store, bus *events.Bus, config Config) *Manager {
	return &Manager{
		config:  config.withDefaults(),
		store:   store,
		breaker: breaker.New(config.Breaker),
		bus:     bus,
		live:    make(map[string]*State),
		locks:   make(map[string]*semaphore.Weighted),
		now:     time.Now,
	}
}

// emit publishes an event if a bus is attached.
func (m *Manager) emit(event events.Event) {
	if m.bus != nil {
		m.bus.Emit(event)
	}
}

// keyLock returns the semaphore guarding key, creating it on first use.
func (m *Manager) keyLock(key string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		lock = semaphore.NewWeighted(1)
		m.locks[key] = lock
	}
	return lock
}

// acquire takes the per-key lock, bounded by the configured lock timeout.
func (m *Manager) acquire(ctx context.Context, key string) (release func(), err error) {
	lock := m.keyLock(key)
	lockCtx, cancel := context.WithTimeout(ctx, m.config.LockTimeout)
	defer cancel()
	if err := lock.Acquire(lockCtx, 1); err != nil {
		return nil, fmt.Errorf("%w: key %q", ErrLockTimeout, key)
	}
	return func() { lock.Release(1) }, nil
}

// nextTimestamp returns a monotonic ordering value for the next message in
// state: never less than or equal to the last retained message's timestamp.
func (m *Manager) nextTimestamp(state *State) int64 {
	ts := m.now().UnixNano()
	if n := len(state.Messages); n > 0 {
		if last := state.Messages[n-1].Timestamp; ts <= last {
			ts = last + 1
		}
	}
	return ts
}

// InitializeContext creates a context for key under the given constraints.
// If a snapshot exists in the store, the prior messages and metadata are
// restored; a missing or corrupt snapshot yields a fresh empty context and
// never surfaces an error.
func (m *Manager) InitializeContext(ctx context.Context, key string, constraints ModelConstraints) (*State, error) {
	if err := constraints.Validate(); err != nil {
		return nil, err
	}

	release, err := m.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	m.mu.Lock()
	_, exists := m.live[key]
	m.mu.Unlock()
	if exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateContext, key)
	}

	now := m.now()
	state := &State{
		Key:         key,
		Messages:    []messages.Message{},
		Constraints: constraints,
		Metadata: Metadata{
			CreatedAt:     now,
			LastAccessAt:  now,
			LastUpdatedAt: now,
		},
	}

	if cached, err := m.store.Read(ctx, key); err == nil {
		if cached.Constraints == constraints {
			state.Messages = cached.Messages
			state.Metadata = cached.Metadata
			state.Metadata.LastAccessAt = now
			// The snapshot's count is advisory; recompute from what was
			// actually retained.
			state.TokenCount = tokens.EstimateHistory(state.Messages)
			zap.S().Debugw("context_hydrated",
				"key", key,
				"messages", len(state.Messages),
				"tokens", state.TokenCount)
		} else {
			// A key is never silently reused under different budgets.
			zap.S().Warnw("context_snapshot_constraints_mismatch", "key", key)
		}
	} else if !errors.Is(err, ErrSnapshotNotFound) {
		zap.S().Warnw("context_hydration_failed", "key", key, "error", err)
	}

	m.mu.Lock()
	m.live[key] = state
	m.mu.Unlock()

	m.persist(ctx, state)
	return state.Clone(), nil
}

// AddMessage validates, budgets, and appends a message to the keyed context.
// Token overflow beyond the context's MaxTokens removes the context entirely
// and returns ErrResourceExhausted; the key's breaker records the failure
// first. Crossing the compression trigger compresses the context before the
// call returns when the constraints allow truncation; without it, exceeding
// the context window follows the same exhaustion path as MaxTokens overflow.
func (m *Manager) AddMessage(ctx context.Context, key string, msg messages.Message) (state *State, err error) {
	if err := m.breaker.Allow(key); err != nil {
		return nil, err
	}

	// Unexpected internal failures count against the key's breaker and
	// surface as processing failures; typed budget and validation errors
	// pass through unchanged.
	defer func() {
		if r := recover(); r != nil {
			m.breaker.RecordFailure(key)
			state, err = nil, fmt.Errorf("%w: %v", ErrMessageProcessingFailed, r)
			zap.S().Errorw("message_processing_panic", "key", key, "panic", r)
		}
	}()

	if err := messages.Validate(msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	release, err := m.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	m.mu.Lock()
	state, ok := m.live[key]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrContextNotFound, key)
	}

	cost := tokens.Estimate(msg)
	if state.TokenCount+cost > state.Constraints.MaxTokens {
		// Poison-the-context policy: the overflowing context is removed,
		// not left half-updated.
		m.breaker.RecordFailure(key)
		m.dropLocked(ctx, key, state, "resource_exhausted")
		return nil, fmt.Errorf("%w: %q would hold %d tokens, max %d",
			ErrResourceExhausted, key, state.TokenCount+cost, state.Constraints.MaxTokens)
	}

	msg.Timestamp = m.nextTimestamp(state)
	state.Messages = append(state.Messages, msg)
	state.TokenCount = tokens.EstimateHistory(state.Messages)

	now := m.now()
	state.Metadata.LastAccessAt = now
	state.Metadata.LastUpdatedAt = now

	// Retained messages must fit the context window at steady state.
	// TruncateOnOverflow selects how that is enforced: truncation to the
	// recent suffix once the trigger is crossed, or exhaustion when the
	// window itself is exceeded.
	trigger := int(float64(state.Constraints.ContextWindow) * m.config.CompressionTrigger)
	if state.Constraints.TruncateOnOverflow {
		if state.TokenCount > trigger {
			if exhausted := m.compress(state); exhausted {
				m.breaker.RecordFailure(key)
				m.dropLocked(ctx, key, state, "resource_exhausted")
				return nil, fmt.Errorf("%w: %q sole message exceeds the compression target", ErrResourceExhausted, key)
			}
		}
	} else if state.TokenCount > state.Constraints.ContextWindow {
		m.breaker.RecordFailure(key)
		m.dropLocked(ctx, key, state, "resource_exhausted")
		return nil, fmt.Errorf("%w: %q holds %d tokens, context window %d",
			ErrResourceExhausted, key, state.TokenCount, state.Constraints.ContextWindow)
	}

	m.persist(ctx, state)
	return state.Clone(), nil
}

// ReplaceMessages swaps the keyed context's history for the given sequence,
// preserving the messages' relative order and timestamps. Used when a
// conversation is transferred between contexts. Every message must validate,
// and the resulting token count must fit the destination's MaxTokens.
func (m *Manager) ReplaceMessages(ctx context.Context, key string, history []messages.Message) (*State, error) {
	for _, msg := range history {
		if err := messages.Validate(msg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
		}
	}

	release, err := m.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	m.mu.Lock()
	state, ok := m.live[key]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrContextNotFound, key)
	}

	total := tokens.EstimateHistory(history)
	if total > state.Constraints.MaxTokens {
		return nil, fmt.Errorf("%w: %q would hold %d tokens, max %d",
			ErrResourceExhausted, key, total, state.Constraints.MaxTokens)
	}

	state.Messages = messages.Copy(history)
	state.TokenCount = total

	now := m.now()
	state.Metadata.LastAccessAt = now
	state.Metadata.LastUpdatedAt = now

	m.persist(ctx, state)
	return state.Clone(), nil
}

// GetContext returns the keyed context, hydrating from the store when it is
// not live. A missing key returns (nil, nil).
func (m *Manager) GetContext(ctx context.Context, key string) (*State, error) {
	release, err := m.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	m.mu.Lock()
	state, ok := m.live[key]
	m.mu.Unlock()

	if !ok {
		cached, err := m.store.Read(ctx, key)
		if err != nil {
			if !errors.Is(err, ErrSnapshotNotFound) {
				zap.S().Warnw("context_hydration_failed", "key", key, "error", err)
			}
			return nil, nil
		}
		cached.TokenCount = tokens.EstimateHistory(cached.Messages)
		state = cached
		m.mu.Lock()
		m.live[key] = state
		m.mu.Unlock()
	}

	state.Metadata.LastAccessAt = m.now()
	return state.Clone(), nil
}

// Keys returns the keys of all live contexts.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.live))
	for key := range m.live {
		keys = append(keys, key)
	}
	return keys
}

// RemoveContext destroys the keyed context in memory and in the store.
func (m *Manager) RemoveContext(ctx context.Context, key string) error {
	release, err := m.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	m.mu.Lock()
	state, ok := m.live[key]
	m.mu.Unlock()
	if !ok {
		// The context may have been spilled; a snapshot still counts as
		// an existing context.
		cached, err := m.store.Read(ctx, key)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrContextNotFound, key)
		}
		state = cached
	}

	m.dropLocked(ctx, key, state, "removed")
	// Explicit removal clears fault history; exhaustion-driven removal
	// deliberately does not, so a chronically overflowing key fails fast.
	m.breaker.Reset(key)
	return nil
}

// Spill persists the keyed context and drops it from memory; a later
// GetContext or InitializeContext hydrates it back. Returns the approximate
// number of bytes of message content released.
func (m *Manager) Spill(ctx context.Context, key string) (int64, error) {
	release, err := m.acquire(ctx, key)
	if err != nil {
		return 0, err
	}
	defer release()

	m.mu.Lock()
	state, ok := m.live[key]
	m.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrContextNotFound, key)
	}

	if err := m.store.Write(ctx, key, state); err != nil {
		return 0, err
	}

	m.mu.Lock()
	delete(m.live, key)
	m.mu.Unlock()

	freed := contentBytes(state)
	zap.S().Debugw("context_spilled", "key", key, "bytes", freed)
	return freed, nil
}

// Cleanup removes a single context, wrapping failures as ErrCleanupFailed.
func (m *Manager) Cleanup(ctx context.Context, key string) error {
	if err := m.RemoveContext(ctx, key); err != nil {
		return fmt.Errorf("%w: %w", ErrCleanupFailed, err)
	}
	return nil
}

// CleanupAll removes every live context and clears the store. Each key is
// torn down independently; one failure never aborts the sweep.
func (m *Manager) CleanupAll(ctx context.Context) {
	for _, key := range m.Keys() {
		if err := m.RemoveContext(ctx, key); err != nil {
			zap.S().Warnw("context_cleanup_failed", "key", key, "error", err)
		}
	}
	if err := m.store.CleanupAll(); err != nil {
		zap.S().Warnw("store_cleanup_failed", "error", err)
	}
}

// dropLocked removes a context the caller already holds the key lock for,
// emitting a cleanup notification. Store removal is best-effort.
func (m *Manager) dropLocked(ctx context.Context, key string, state *State, reason string) {
	m.mu.Lock()
	delete(m.live, key)
	m.mu.Unlock()

	if err := m.store.Remove(ctx, key); err != nil {
		zap.S().Warnw("context_store_remove_failed", "key", key, "error", err)
	}

	m.emit(events.ContextCleanup{
		ModelID:   key,
		Reason:    reason,
		Timestamp: m.now(),
		Messages:  len(state.Messages),
		Tokens:    state.TokenCount,
	})
	zap.S().Infow("context_removed",
		"key", key,
		"reason", reason,
		"messages", len(state.Messages),
		"tokens", state.TokenCount)
}

// persist writes state to the store. Durability here is a cache of the live
// context, so failures are logged and absorbed rather than failing the
// operation that produced the state.
func (m *Manager) persist(ctx context.Context, state *State) {
	if err := m.store.Write(ctx, state.Key, state); err != nil {
		zap.S().Warnw("context_persist_failed", "key", state.Key, "error", err)
		m.emit(events.Error{Code: "CacheError", Message: err.Error(), Recoverable: true})
	}
}

// contentBytes approximates a context's memory footprint by summing message
// content lengths. A proxy, not an RSS measurement.
func contentBytes(state *State) int64 {
	var total int64
	for _, msg := range state.Messages {
		total += int64(len(msg.Content))
	}
	return total
}
