package agent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/ashureev/trax-tutor/internal/domain"
	"github.com/ashureev/trax-tutor/internal/llm"
)

var (
	leadingFence  = regexp.MustCompile("^```[A-Za-z0-9_+-]*[ \t]*\r?\n?")
	trailingFence = regexp.MustCompile("\r?\n?```\\s*$")
)

// Invoker sends one tutoring completion request per turn.
type Invoker struct {
	provider  llm.Provider
	model     string
	maxTokens int
}

// NewInvoker creates an Invoker for the given model and output budget.
func NewInvoker(provider llm.Provider, model string, maxTokens int) *Invoker {
	return &Invoker{provider: provider, model: model, maxTokens: maxTokens}
}

// Invoke asks the provider for the next assistant message. The prompt is the
// system instruction, the mode note, the history and then the new message.
// The returned text is trimmed and stripped of code fences.
func (i *Invoker) Invoke(ctx context.Context, mode domain.Mode, history []domain.Message, prompt string) (string, error) {
	start := time.Now()
	raw, err := i.provider.Complete(ctx, llm.Request{
		System:    []string{SystemInstruction, ModeNote(mode)},
		History:   history,
		User:      prompt,
		MaxTokens: i.maxTokens,
		Model:     i.model,
	})
	if err != nil {
		completionDuration.WithLabelValues("turn", "error").Observe(time.Since(start).Seconds())
		return "", fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	completionDuration.WithLabelValues("turn", "ok").Observe(time.Since(start).Seconds())
	return StripFences(raw), nil
}

// StripFences trims text and removes a leading ``` (optionally tagged) and a
// trailing ``` fence.
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	text = leadingFence.ReplaceAllString(text, "")
	text = trailingFence.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}
