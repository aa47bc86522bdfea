package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ashureev/trax-tutor/internal/domain"
	"github.com/sashabaranov/go-openai"
)

// OpenAIProvider talks to the OpenAI chat completions API or a compatible server.
type OpenAIProvider struct {
	client *openai.Client
}

// NewOpenAI creates an OpenAI provider. An empty baseURL uses the public API.
func NewOpenAI(apiKey, baseURL string) *OpenAIProvider {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg)}
}

// Complete implements Provider.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (string, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.System)+len(req.History)+1)
	for _, s := range req.System {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: s})
	}
	for _, m := range req.History {
		role := openai.ChatMessageRoleUser
		if m.Role == domain.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.User})

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:               req.Model,
		Messages:            messages,
		MaxCompletionTokens: req.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}

	choice := resp.Choices[0]
	slog.Debug("OpenAI completion received",
		"model", req.Model,
		"finish_reason", choice.FinishReason,
		"total_tokens", resp.Usage.TotalTokens,
	)
	if strings.TrimSpace(choice.Message.Content) == "" {
		return "", ErrEmptyCompletion
	}
	return choice.Message.Content, nil
}
