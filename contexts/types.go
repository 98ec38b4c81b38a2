package contexts

import (
	"time"

	"github.com/soundloom/contextd/messages"
)

// ModelConstraints are the per-context token budgets supplied at creation.
type ModelConstraints struct {
	// MaxTokens is the hard ceiling for the context's running token count.
	// Exceeding it exhausts (removes) the context.
	MaxTokens int `json:"max_tokens" yaml:"max_tokens"`

	// ContextWindow is the budget the retained messages must fit within at
	// steady state; compression targets a fraction of it.
	ContextWindow int `json:"context_window" yaml:"context_window"`

	// ResponseTokensReserved is budget held back for a model reply.
	ResponseTokensReserved int `json:"response_tokens_reserved,omitempty" yaml:"response_tokens_reserved"`

	// TruncateOnOverflow selects compression over rejection when the
	// compression trigger fires.
	TruncateOnOverflow bool `json:"truncate_on_overflow" yaml:"truncate_on_overflow"`
}

// Validate checks the creation-time invariants.
func (c ModelConstraints) Validate() error {
	if c.MaxTokens <= 0 || c.ContextWindow <= 0 {
		return ErrInvalidConstraints
	}
	if c.ResponseTokensReserved < 0 {
		return ErrInvalidConstraints
	}
	return nil
}

// Metadata tracks a context's lifecycle timestamps and scheduling hints.
type Metadata struct {
	CreatedAt     time.Time `json:"created_at"`
	LastAccessAt  time.Time `json:"last_access_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
	Priority      int       `json:"priority,omitempty"`
	Importance    float64   `json:"importance,omitempty"`
}

// State is the full record for one conversational context: the ordered
// message history, the running token count, and the budgets it lives under.
// The token count is always recomputed from the retained messages, never
// adjusted incrementally, so it cannot drift.
type State struct {
	Key         string             `json:"key"`
	Messages    []messages.Message `json:"messages"`
	TokenCount  int                `json:"token_count"`
	Constraints ModelConstraints   `json:"constraints"`
	Metadata    Metadata           `json:"metadata"`
}

// Clone returns a deep copy of the state. Callers receive clones so the
// manager's live state cannot be mutated from outside.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = messages.Copy(s.Messages)
	return &out
}
