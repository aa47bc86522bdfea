// Package llm adapts chat completion backends to a single Provider contract.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/trax-tutor/internal/config"
	"github.com/ashureev/trax-tutor/internal/domain"
)

// ErrEmptyCompletion is returned when a provider answers without any text.
var ErrEmptyCompletion = errors.New("provider returned no completion")

// Request is a single chat completion call.
type Request struct {
	// System messages are sent first, in order.
	System    []string
	History   []domain.Message
	User      string
	MaxTokens int
	Model     string
}

// Provider produces the raw assistant text for a request.
type Provider interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// New builds the provider selected by cfg.
func New(ctx context.Context, cfg config.LLMConfig) (Provider, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return NewOpenAI(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL), nil
	case config.ProviderGemini:
		return NewGemini(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
