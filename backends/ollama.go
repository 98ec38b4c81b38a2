package backends

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	ollamaapi "github.com/ollama/ollama/api"
	"github.com/soundloom/contextd/messages"
	"go.uber.org/zap"
)

var _ ChatBackend = (*OllamaBackend)(nil)

// OllamaBackend drives a local or remote Ollama server.
type OllamaBackend struct {
	mirrorState
	client *ollamaapi.Client
	caps   Capabilities
}

// NewOllamaBackend creates a backend talking to the given base URL
// (defaults to the standard local server).
func NewOllamaBackend(baseURL string, caps Capabilities) (*OllamaBackend, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ollama: invalid URL %s: %w", baseURL, err)
	}
	return &OllamaBackend{
		client: ollamaapi.NewClient(u, http.DefaultClient),
		caps:   caps,
	}, nil
}

func (b *OllamaBackend) GetCapabilities() Capabilities {
	return b.caps
}

// Chat sends the history and returns the assistant reply.
func (b *OllamaBackend) Chat(ctx context.Context, history []messages.Message, temperature float32, maxTokens int) (messages.Message, error) {
	ollamaMessages := make([]ollamaapi.Message, 0, len(history))
	for _, msg := range history {
		ollamaMessages = append(ollamaMessages, ollamaapi.Message{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	stream := false
	chatReq := &ollamaapi.ChatRequest{
		Model:    b.caps.Model,
		Messages: ollamaMessages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": temperature,
			"num_predict": maxTokens,
		},
	}

	zap.S().Debugw("ollama_chat", "model", b.caps.Model, "messages", len(ollamaMessages))
	var content string
	err := b.client.Chat(ctx, chatReq, func(resp ollamaapi.ChatResponse) error {
		content += resp.Message.Content
		return nil
	})
	if err != nil {
		return messages.Message{}, fmt.Errorf("ollama chat: %w", err)
	}

	reply := messages.Message{
		Role:    messages.RoleAssistant,
		Content: content,
	}
	b.record(history, reply)
	return reply, nil
}
