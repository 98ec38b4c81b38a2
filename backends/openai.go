package backends

import (
	"context"
	"fmt"

	ai "github.com/sashabaranov/go-openai"
	"github.com/soundloom/contextd/messages"
	"go.uber.org/zap"
)

var _ ChatBackend = (*OpenAIBackend)(nil)

// OpenAIBackend drives an OpenAI-compatible chat completion API. A custom
// base URL covers compatible gateways and local servers.
type OpenAIBackend struct {
	mirrorState
	client *ai.Client
	caps   Capabilities
}

// NewOpenAIBackend creates a backend for the given model capabilities.
func NewOpenAIBackend(apiKey, baseURL string, caps Capabilities) *OpenAIBackend {
	cfg := ai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIBackend{
		client: ai.NewClientWithConfig(cfg),
		caps:   caps,
	}
}

func (b *OpenAIBackend) GetCapabilities() Capabilities {
	return b.caps
}

// Chat sends the history and returns the assistant reply.
func (b *OpenAIBackend) Chat(ctx context.Context, history []messages.Message, temperature float32, maxTokens int) (messages.Message, error) {
	aiMessages := make([]ai.ChatCompletionMessage, 0, len(history))
	for _, msg := range history {
		aiMessages = append(aiMessages, ai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	zap.S().Debugw("openai_chat", "model", b.caps.Model, "messages", len(aiMessages))
	resp, err := b.client.CreateChatCompletion(ctx, ai.ChatCompletionRequest{
		Model:               b.caps.Model,
		Messages:            aiMessages,
		Temperature:         temperature,
		MaxCompletionTokens: maxTokens,
	})
	if err != nil {
		return messages.Message{}, fmt.Errorf("openai chat: %w", err)
	}
	if len(resp.Choices) == 0 {
		return messages.Message{}, fmt.Errorf("openai chat: empty response for model %s", b.caps.Model)
	}

	reply := messages.Message{
		Role:    messages.RoleAssistant,
		Content: resp.Choices[0].Message.Content,
	}
	b.record(history, reply)
	return reply, nil
}
