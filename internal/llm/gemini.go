package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/trax-tutor/internal/config"
	"github.com/ashureev/trax-tutor/internal/domain"
	"google.golang.org/genai"
)

// GeminiProvider calls Gemini through the Gemini API or Vertex AI.
type GeminiProvider struct {
	client *genai.Client
}

// NewGemini creates a Gemini provider. An API key selects the Gemini API,
// otherwise the GCP project and location select Vertex AI.
func NewGemini(ctx context.Context, cfg config.LLMConfig) (*GeminiProvider, error) {
	cc := &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.GeminiAPIKey == "" {
		cc = &genai.ClientConfig{
			Project:  cfg.GCPProject,
			Location: cfg.GCPLocation,
			Backend:  genai.BackendVertexAI,
		}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiProvider{client: client}, nil
}

// Complete implements Provider.
func (p *GeminiProvider) Complete(ctx context.Context, req Request) (string, error) {
	contents := make([]*genai.Content, 0, len(req.History)+1)
	for _, m := range req.History {
		role := genai.Role(genai.RoleUser)
		if m.Role == domain.RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}
	contents = append(contents, genai.NewContentFromText(req.User, genai.RoleUser))

	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(req.MaxTokens),
	}
	if len(req.System) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(req.System, "\n\n"), genai.RoleUser)
	}

	res, err := p.client.Models.GenerateContent(ctx, req.Model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate content: %w", err)
	}
	text := res.Text()
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}
