package messages

import (
	"errors"
	"fmt"
	"strings"
)

// Standard role constants
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single entry in a conversational context.
// Messages are immutable once stored; a context only ever appends.
// Timestamp is a monotonic ordering value assigned by the context manager,
// not a wall-clock reading.
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
}

// Validation failures for candidate messages. Each sub-reason is its own
// sentinel so callers can report the precise violation.
var (
	ErrEmptyContent = errors.New("message content is empty")
	ErrInvalidRole  = errors.New("message role is invalid")
)

// ValidRole reports whether role is one of the recognized role constants.
func ValidRole(role string) bool {
	switch role {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Validate checks a candidate message before it is admitted to a context.
// Content must be non-empty after trimming and the role must be recognized.
func Validate(msg Message) error {
	if strings.TrimSpace(msg.Content) == "" {
		return ErrEmptyContent
	}
	if !ValidRole(msg.Role) {
		return fmt.Errorf("%w: %q", ErrInvalidRole, msg.Role)
	}
	return nil
}

// Copy creates a defensive copy of a message history slice.
func Copy(history []Message) []Message {
	result := make([]Message, len(history))
	copy(result, history)
	return result
}
