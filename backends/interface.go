// Package backends defines the ChatBackend capability the provider resource
// manager calls into, and adapters for the supported chat APIs. The manager
// never assumes a specific backend; anything conforming to ChatBackend is
// pluggable.
package backends

import (
	"context"
	"sync"

	"github.com/soundloom/contextd/messages"
)

// Capabilities describes a backend's reported limits, used to derive the
// constraints of the context bound to it.
type Capabilities struct {
	Model         string
	ContextWindow int
	MaxTokens     int
}

// ChatBackend is the capability contract for an external chat API. Backends
// mirror the message state they were last driven with, so a provider switch
// can move a conversation between backends and verify the destination agrees
// with what was transferred.
type ChatBackend interface {
	GetCapabilities() Capabilities

	// Chat sends the full history and returns the assistant reply. The
	// context carries the caller's timeout.
	Chat(ctx context.Context, history []messages.Message, temperature float32, maxTokens int) (messages.Message, error)

	GetContextState() []messages.Message
	SetContextState(history []messages.Message)
}

// mirrorState is the backend-side copy of the conversation, embedded by
// every adapter.
type mirrorState struct {
	mu      sync.RWMutex
	history []messages.Message
}

func (s *mirrorState) GetContextState() []messages.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return messages.Copy(s.history)
}

func (s *mirrorState) SetContextState(history []messages.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = messages.Copy(history)
}

// record mirrors the exchange the backend just served.
func (s *mirrorState) record(history []messages.Message, reply messages.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(messages.Copy(history), reply)
}
