package backends

import (
	"context"
	"fmt"
	"sync"

	"github.com/soundloom/contextd/messages"
)

var _ ChatBackend = (*ScriptedBackend)(nil)

// ScriptedBackend is a deterministic in-memory backend for tests and
// offline runs: it replies from a queue and records every call.
type ScriptedBackend struct {
	mirrorState
	caps Capabilities

	mu      sync.Mutex
	replies []string
	failErr error
	calls   int
}

// NewScriptedBackend creates a backend that answers with the given replies
// in order; once the queue is drained it echoes a counter.
func NewScriptedBackend(caps Capabilities, replies ...string) *ScriptedBackend {
	return &ScriptedBackend{caps: caps, replies: replies}
}

// FailWith makes every subsequent Chat call return err. Pass nil to heal.
func (b *ScriptedBackend) FailWith(err error) {
	b.mu.Lock()
	b.failErr = err
	b.mu.Unlock()
}

// Calls reports how many Chat calls the backend served or rejected.
func (b *ScriptedBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *ScriptedBackend) GetCapabilities() Capabilities {
	return b.caps
}

func (b *ScriptedBackend) Chat(ctx context.Context, history []messages.Message, _ float32, _ int) (messages.Message, error) {
	if err := ctx.Err(); err != nil {
		return messages.Message{}, err
	}

	b.mu.Lock()
	b.calls++
	if b.failErr != nil {
		err := b.failErr
		b.mu.Unlock()
		return messages.Message{}, err
	}
	var content string
	if len(b.replies) > 0 {
		content = b.replies[0]
		b.replies = b.replies[1:]
	} else {
		content = fmt.Sprintf("reply %d", b.calls)
	}
	b.mu.Unlock()

	reply := messages.Message{
		Role:    messages.RoleAssistant,
		Content: content,
	}
	b.record(history, reply)
	return reply, nil
}
