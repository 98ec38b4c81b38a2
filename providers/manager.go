// Package providers binds named conversational contexts to external chat
// backends, guards each with a pre-flight token cap, and supports moving a
// conversation between backends mid-flight.
package providers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/soundloom/contextd/backends"
	"github.com/soundloom/contextd/breaker"
	"github.com/soundloom/contextd/contexts"
	"github.com/soundloom/contextd/messages"
	"github.com/soundloom/contextd/resources"
	"github.com/soundloom/contextd/tokens"
	"go.uber.org/zap"
)

// Provider-level errors.
var (
	ErrProviderExists        = errors.New("provider already registered")
	ErrProviderNotFound      = errors.New("provider not registered")
	ErrTokenLimitExceeded    = errors.New("provider token limit exceeded")
	ErrProvider              = errors.New("provider backend error")
	ErrContextTransferFailed = errors.New("context transfer failed")
	ErrProviderStateMismatch = errors.New("provider state mismatch")
)

// Config tunes the provider layer. Zero values fall back to defaults.
type Config struct {
	// MaxTokensPerProvider caps each provider's context; a backend
	// reporting a smaller MaxTokens wins. Used for the pre-flight check.
	MaxTokensPerProvider int `yaml:"max_tokens_per_provider"`

	// Temperature passed to every backend chat call.
	Temperature float32 `yaml:"temperature"`

	// RequestTimeout bounds each backend call. A timed-out backend
	// surfaces as a provider error; it never counts against the
	// context's circuit breaker, which tracks internal faults only.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultConfig returns the reference provider settings.
func DefaultConfig() Config {
	return Config{
		MaxTokensPerProvider: 4096,
		Temperature:          1,
		RequestTimeout:       2 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MaxTokensPerProvider <= 0 {
		c.MaxTokensPerProvider = def.MaxTokensPerProvider
	}
	if c.Temperature <= 0 {
		c.Temperature = def.Temperature
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	return c
}

type registration struct {
	backend   backends.ChatBackend
	maxTokens int
}

// Manager is the provider-facing surface: registration, message round-trips,
// and provider switches, all backed by the resource manager's contexts.
type Manager struct {
	config    Config
	resources *resources.Manager

	mu        sync.RWMutex
	providers map[string]*registration
}

// NewManager creates a provider manager over the given resource layer.
func NewManager(res *resources.Manager, config Config) *Manager {
	return &Manager{
		config:    config.withDefaults(),
		resources: res,
		providers: make(map[string]*registration),
	}
}

// RegisterProvider binds id to a backend and initializes its context from
// the backend's reported capabilities.
func (m *Manager) RegisterProvider(ctx context.Context, id string, backend backends.ChatBackend) error {
	m.mu.Lock()
	if _, exists := m.providers[id]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrProviderExists, id)
	}
	// Reserve the id before the (blocking) context initialization so a
	// concurrent registration of the same id fails fast.
	m.providers[id] = nil
	m.mu.Unlock()

	constraints, maxTokens := m.constraintsFor(backend)
	if _, err := m.resources.InitializeContext(ctx, id, constraints); err != nil {
		m.mu.Lock()
		delete(m.providers, id)
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	m.providers[id] = &registration{backend: backend, maxTokens: maxTokens}
	m.mu.Unlock()

	zap.S().Infow("provider_registered",
		"id", id,
		"model", backend.GetCapabilities().Model,
		"context_window", constraints.ContextWindow,
		"max_tokens", maxTokens)
	return nil
}

// constraintsFor derives a provider context's constraints from the
// configured cap and the backend's reported capabilities.
func (m *Manager) constraintsFor(backend backends.ChatBackend) (contexts.ModelConstraints, int) {
	caps := backend.GetCapabilities()
	maxTokens := m.config.MaxTokensPerProvider
	if caps.MaxTokens > 0 && caps.MaxTokens < maxTokens {
		maxTokens = caps.MaxTokens
	}
	contextWindow := caps.ContextWindow
	if contextWindow <= 0 {
		contextWindow = maxTokens
	}
	return contexts.ModelConstraints{
		MaxTokens:          maxTokens,
		ContextWindow:      contextWindow,
		TruncateOnOverflow: true,
	}, maxTokens
}

func (m *Manager) provider(id string) (*registration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	reg, ok := m.providers[id]
	if !ok || reg == nil {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotFound, id)
	}
	return reg, nil
}

// ProcessMessage appends the user message to id's context, obtains the
// backend's reply, appends that too, and returns the reply text.
//
// The token cap is checked before any state changes: estimated existing
// tokens plus the candidate must fit the provider's cap. This pre-flight is
// separate from the context manager's exhaustion handling, which removes an
// overflowing context outright.
func (m *Manager) ProcessMessage(ctx context.Context, id string, msg messages.Message) (string, error) {
	reg, err := m.provider(id)
	if err != nil {
		return "", err
	}

	if err := messages.Validate(msg); err != nil {
		return "", fmt.Errorf("%w: %w", contexts.ErrInvalidMessage, err)
	}

	state, err := m.resources.GetContext(ctx, id)
	if err != nil {
		return "", err
	}
	existing := 0
	if state != nil {
		existing = state.TokenCount
	}
	if cost := tokens.Estimate(msg); existing+cost > reg.maxTokens {
		return "", fmt.Errorf("%w: provider %q at %d tokens, message costs %d, cap %d",
			ErrTokenLimitExceeded, id, existing, cost, reg.maxTokens)
	}

	state, err = m.resources.AddMessage(ctx, id, msg)
	if err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.config.RequestTimeout)
	defer cancel()
	reply, err := reg.backend.Chat(callCtx, state.Messages, m.config.Temperature, reg.maxTokens)
	if err != nil {
		return "", m.wrapBackendErr(id, err)
	}
	if reply.Role != messages.RoleAssistant {
		reply.Role = messages.RoleAssistant
	}

	if _, err := m.resources.AddMessage(ctx, id, reply); err != nil {
		return "", err
	}
	return reply.Content, nil
}

// wrapBackendErr wraps backend failures as provider errors, letting typed
// resource errors pass through unchanged.
func (m *Manager) wrapBackendErr(id string, err error) error {
	switch {
	case errors.Is(err, contexts.ErrResourceExhausted),
		errors.Is(err, ErrTokenLimitExceeded),
		errors.Is(err, resources.ErrMemoryLimitExceeded),
		errors.Is(err, resources.ErrCPULimitExceeded),
		errors.Is(err, breaker.ErrCircuitOpen):
		return err
	}
	return fmt.Errorf("%w: %q: %w", ErrProvider, id, err)
}

// SwitchProvider copies the conversation from fromID's context into toID's,
// preserving order and token accounting, and aligns the destination
// backend's own state with what arrived.
func (m *Manager) SwitchProvider(ctx context.Context, fromID, toID string) error {
	if _, err := m.provider(fromID); err != nil {
		return err
	}
	to, err := m.provider(toID)
	if err != nil {
		return err
	}

	source, err := m.resources.GetContext(ctx, fromID)
	if err != nil {
		return err
	}
	if source == nil {
		return fmt.Errorf("%w: %q", contexts.ErrContextNotFound, fromID)
	}

	dest, err := m.resources.ReplaceMessages(ctx, toID, source.Messages)
	if errors.Is(err, contexts.ErrContextNotFound) {
		// The destination context may have been exhausted or cleaned up
		// since registration; re-create it from the backend's capabilities.
		constraints, _ := m.constraintsFor(to.backend)
		if _, initErr := m.resources.InitializeContext(ctx, toID, constraints); initErr != nil {
			return fmt.Errorf("%w: %w", ErrContextTransferFailed, initErr)
		}
		dest, err = m.resources.ReplaceMessages(ctx, toID, source.Messages)
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrContextTransferFailed, err)
	}

	if len(source.Messages) > 0 && len(dest.Messages) == 0 {
		return fmt.Errorf("%w: destination %q empty after transfer from %q",
			ErrContextTransferFailed, toID, fromID)
	}

	to.backend.SetContextState(dest.Messages)
	if reported := len(to.backend.GetContextState()); reported != len(dest.Messages) {
		return fmt.Errorf("%w: backend %q reports %d messages, transferred %d",
			ErrProviderStateMismatch, toID, reported, len(dest.Messages))
	}

	zap.S().Infow("provider_switched",
		"from", fromID,
		"to", toID,
		"messages", len(dest.Messages),
		"tokens", dest.TokenCount)
	return nil
}
