package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultNeedsProviderCredentials(t *testing.T) {
	cfg := Default()
	require.Error(t, cfg.Validate())

	cfg.LLM.OpenAIAPIKey = "sk-test"
	require.NoError(t, cfg.Validate())
}

func TestValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"non numeric port", func(c *Config) { c.Port = "http" }},
		{"unknown identity mode", func(c *Config) { c.IdentityMode = "jwt" }},
		{"header mode without header", func(c *Config) { c.IdentityMode = IdentityHeader; c.IdentityHeader = "" }},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "anthropic" }},
		{"zero max tokens", func(c *Config) { c.LLM.MaxTokens = 0 }},
		{"bad base url", func(c *Config) { c.LLM.OpenAIBaseURL = "not a url" }},
		{"zero title concurrency", func(c *Config) { c.Titles.Concurrency = 0 }},
		{"gemini without credentials", func(c *Config) { c.LLM.Provider = ProviderGemini }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.LLM.OpenAIAPIKey = "sk-test"
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestGeminiAcceptsVertexProject(t *testing.T) {
	cfg := Default()
	cfg.LLM.Provider = ProviderGemini
	cfg.LLM.GCPProject = "trax-prod"
	assert.NoError(t, cfg.Validate())
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trax.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "9090"
identity_mode: header
identity_header: X-User
llm:
  provider: openai
  openai_api_key: from-file
  model: gpt-4o
titles:
  concurrency: 2
  timeout: 5s
`), 0o600))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("OPENAI_API_KEY", "from-env")
	t.Setenv("RATE_LIMIT_WINDOW", "30s")
	t.Setenv("CONVERSATION_LOG_ENABLED", "off")
	t.Setenv("LLM_MAX_TOKENS", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, IdentityHeader, cfg.IdentityMode)
	assert.Equal(t, "X-User", cfg.IdentityHeader)
	assert.Equal(t, "from-env", cfg.LLM.OpenAIAPIKey)
	assert.Equal(t, 2, cfg.Titles.Concurrency)
	assert.Equal(t, 5*time.Second, cfg.Titles.Timeout)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.WindowDuration)
	assert.False(t, cfg.ConversationLog.Enabled)
	assert.Equal(t, 500, cfg.LLM.MaxTokens)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.TitleModel)
}

func TestLoadMissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestAllowedOrigins(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins())

	cfg.FrontendURL = "https://trax.example.com"
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, []string{"https://trax.example.com"}, cfg.AllowedOrigins())
}

func TestLoadModelDefaultsFollowProvider(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "gemini")
	t.Setenv("GEMINI_API_KEY", "test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-flash", cfg.LLM.Model)
	assert.Equal(t, "gemini-2.5-flash-lite", cfg.LLM.TitleModel)

	t.Setenv("LLM_MODEL", "gemini-2.5-pro")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, "gemini-2.5-pro", cfg.LLM.Model)
	assert.Equal(t, "gemini-2.5-flash-lite", cfg.LLM.TitleModel)
}
