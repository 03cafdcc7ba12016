package relay

import (
	"context"
	"errors"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completer produces an assistant reply for a conversation.
type Completer interface {
	Complete(ctx context.Context, model string, messages []Message) (string, error)
}

// OpenAICompleter talks to any OpenAI-compatible chat completion endpoint.
type OpenAICompleter struct {
	client  *openai.Client
	timeout time.Duration
}

// NewOpenAICompleter builds a completer for the API rooted at baseURL
// (for example https://host/v1).
func NewOpenAICompleter(baseURL, apiKey string, timeout time.Duration) *OpenAICompleter {
	cfg := openai.DefaultConfig(strings.TrimSpace(apiKey))
	cfg.BaseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	return &OpenAICompleter{client: openai.NewClientWithConfig(cfg), timeout: timeout}
}

// Complete sends a non-streaming chat completion request.
func (o *OpenAICompleter) Complete(ctx context.Context, model string, messages []Message) (string, error) {
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	reqMessages := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		reqMessages = append(reqMessages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: reqMessages,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("upstream returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
