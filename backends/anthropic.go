package backends

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/soundloom/contextd/messages"
	"go.uber.org/zap"
)

var _ ChatBackend = (*AnthropicBackend)(nil)

// AnthropicBackend drives the Anthropic Messages API.
type AnthropicBackend struct {
	mirrorState
	client anthropic.Client
	caps   Capabilities
}

// NewAnthropicBackend creates a backend for the given model capabilities.
func NewAnthropicBackend(apiKey string, caps Capabilities) *AnthropicBackend {
	if apiKey == "" {
		zap.S().Debugw("anthropic_missing_api_key")
	}
	return &AnthropicBackend{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		caps:   caps,
	}
}

func (b *AnthropicBackend) GetCapabilities() Capabilities {
	return b.caps
}

// Chat sends the history and returns the assistant reply. System messages
// are lifted into the request's system prompt, which is where the Messages
// API expects them.
func (b *AnthropicBackend) Chat(ctx context.Context, history []messages.Message, temperature float32, maxTokens int) (messages.Message, error) {
	var params []anthropic.MessageParam
	var system strings.Builder
	for _, msg := range history {
		switch msg.Role {
		case messages.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(msg.Content)
		case messages.RoleAssistant:
			params = append(params, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
		default:
			params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}

	request := anthropic.MessageNewParams{
		Model:       anthropic.Model(b.caps.Model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(float64(temperature)),
		Messages:    params,
	}
	if system.Len() > 0 {
		request.System = []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: system.String(),
			},
		}
	}

	zap.S().Debugw("anthropic_chat", "model", b.caps.Model, "messages", len(params))
	message, err := b.client.Messages.New(ctx, request)
	if err != nil {
		return messages.Message{}, fmt.Errorf("anthropic chat: %w", err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	reply := messages.Message{
		Role:    messages.RoleAssistant,
		Content: text.String(),
	}
	b.record(history, reply)
	return reply, nil
}
