// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Identity modes.
const (
	IdentityAnonymous = "anonymous"
	IdentityHeader    = "header"
)

// LLM providers.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// Config holds all application configuration.
type Config struct {
	Port           string `yaml:"port" validate:"required,numeric"`
	GRPCPort       string `yaml:"grpc_port" validate:"omitempty,numeric"`
	FrontendURL    string `yaml:"frontend_url"`
	DBPath         string `yaml:"db_path" validate:"required"`
	IdentityMode   string `yaml:"identity_mode" validate:"oneof=anonymous header"`
	IdentityHeader string `yaml:"identity_header" validate:"required_if=IdentityMode header"`
	MaxPromptBytes int    `yaml:"max_prompt_bytes" validate:"gt=0"`

	LLM             LLMConfig             `yaml:"llm"`
	Titles          TitleConfig           `yaml:"titles"`
	RateLimit       RateLimitConfig       `yaml:"rate_limit"`
	ConversationLog ConversationLogConfig `yaml:"conversation_log"`
}

// LLMConfig selects and tunes the completion provider.
type LLMConfig struct {
	Provider       string `yaml:"provider" validate:"oneof=openai gemini"`
	OpenAIAPIKey   string `yaml:"openai_api_key"`
	OpenAIBaseURL  string `yaml:"openai_base_url" validate:"omitempty,url"`
	Model          string `yaml:"model" validate:"required"`
	TitleModel     string `yaml:"title_model" validate:"required"`
	MaxTokens      int    `yaml:"max_tokens" validate:"gt=0,lte=8192"`
	TitleMaxTokens int    `yaml:"title_max_tokens" validate:"gt=0,lte=256"`
	GeminiAPIKey   string `yaml:"gemini_api_key"`
	GCPProject     string `yaml:"gcp_project"`
	GCPLocation    string `yaml:"gcp_location"`
}

// TitleConfig bounds background title generation.
type TitleConfig struct {
	Concurrency int           `yaml:"concurrency" validate:"gt=0"`
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
}

// RateLimitConfig controls per-user turn throttling.
type RateLimitConfig struct {
	RequestsPerWindow int           `yaml:"requests_per_window" validate:"gt=0"`
	WindowDuration    time.Duration `yaml:"window" validate:"gt=0"`
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir" validate:"required"`
	GlobalEnabled bool   `yaml:"global_enabled"`
	GlobalPath    string `yaml:"global_path" validate:"required"`
	QueueSize     int    `yaml:"queue_size" validate:"gt=0"`
}

var validate = validator.New()

// providerModels are the chat and title models used when none is configured.
var providerModels = map[string]struct{ chat, title string }{
	ProviderOpenAI: {chat: "gpt-4o", title: "gpt-4o-mini"},
	ProviderGemini: {chat: "gemini-2.5-flash", title: "gemini-2.5-flash-lite"},
}

// Default returns the configuration used when neither a file nor the
// environment provide a value.
func Default() *Config {
	return &Config{
		Port:           "8080",
		DBPath:         "./data/trax.db",
		IdentityMode:   IdentityAnonymous,
		IdentityHeader: "X-Trax-User-ID",
		MaxPromptBytes: 16 << 10,
		LLM: LLMConfig{
			Provider:       ProviderOpenAI,
			Model:          providerModels[ProviderOpenAI].chat,
			TitleModel:     providerModels[ProviderOpenAI].title,
			MaxTokens:      500,
			TitleMaxTokens: 20,
			GCPLocation:    "us-central1",
		},
		Titles: TitleConfig{
			Concurrency: 4,
			Timeout:     20 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: 10,
			WindowDuration:    time.Minute,
		},
		ConversationLog: ConversationLogConfig{
			Enabled:    true,
			Dir:        "./data/logs/conversations",
			GlobalPath: "./data/logs/conversations/all.ndjson",
			QueueSize:  1000,
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file named by
// CONFIG_FILE, and environment variables, in increasing precedence. Models
// left unset default per provider.
func Load() (*Config, error) {
	cfg := Default()
	cfg.LLM.Model, cfg.LLM.TitleModel = "", ""

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	cfg.LLM.applyModelDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.GRPCPort = getEnv("GRPC_PORT", c.GRPCPort)
	c.FrontendURL = getEnv("FRONTEND_URL", c.FrontendURL)
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.IdentityMode = strings.ToLower(getEnv("IDENTITY_MODE", c.IdentityMode))
	c.IdentityHeader = getEnv("IDENTITY_HEADER", c.IdentityHeader)
	c.MaxPromptBytes = getEnvInt("MAX_PROMPT_BYTES", c.MaxPromptBytes)

	c.LLM.Provider = strings.ToLower(getEnv("LLM_PROVIDER", c.LLM.Provider))
	c.LLM.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.LLM.OpenAIAPIKey)
	c.LLM.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", c.LLM.OpenAIBaseURL)
	c.LLM.Model = getEnv("LLM_MODEL", c.LLM.Model)
	c.LLM.TitleModel = getEnv("LLM_TITLE_MODEL", c.LLM.TitleModel)
	c.LLM.MaxTokens = getEnvInt("LLM_MAX_TOKENS", c.LLM.MaxTokens)
	c.LLM.TitleMaxTokens = getEnvInt("LLM_TITLE_MAX_TOKENS", c.LLM.TitleMaxTokens)
	c.LLM.GeminiAPIKey = getEnv("GEMINI_API_KEY", c.LLM.GeminiAPIKey)
	c.LLM.GCPProject = getEnv("GCP_PROJECT", c.LLM.GCPProject)
	c.LLM.GCPLocation = getEnv("GCP_LOCATION", c.LLM.GCPLocation)

	c.Titles.Concurrency = getEnvInt("TITLE_CONCURRENCY", c.Titles.Concurrency)
	c.Titles.Timeout = getEnvDuration("TITLE_TIMEOUT", c.Titles.Timeout)

	c.RateLimit.RequestsPerWindow = getEnvInt("RATE_LIMIT_REQUESTS", c.RateLimit.RequestsPerWindow)
	c.RateLimit.WindowDuration = getEnvDuration("RATE_LIMIT_WINDOW", c.RateLimit.WindowDuration)

	c.ConversationLog.Enabled = getEnvBool("CONVERSATION_LOG_ENABLED", c.ConversationLog.Enabled)
	c.ConversationLog.Dir = getEnv("CONVERSATION_LOG_DIR", c.ConversationLog.Dir)
	c.ConversationLog.GlobalEnabled = getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", c.ConversationLog.GlobalEnabled)
	c.ConversationLog.GlobalPath = getEnv("CONVERSATION_LOG_GLOBAL_PATH", c.ConversationLog.GlobalPath)
	c.ConversationLog.QueueSize = getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", c.ConversationLog.QueueSize)
}

func (l *LLMConfig) applyModelDefaults() {
	models, ok := providerModels[l.Provider]
	if !ok {
		return
	}
	if l.Model == "" {
		l.Model = models.chat
	}
	if l.TitleModel == "" {
		l.TitleModel = models.title
	}
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.LLM.Provider == ProviderOpenAI && c.LLM.OpenAIAPIKey == "" && c.LLM.OpenAIBaseURL == "" {
		return fmt.Errorf("OPENAI_API_KEY cannot be empty for the openai provider")
	}
	if c.LLM.Provider == ProviderGemini && c.LLM.GeminiAPIKey == "" && c.LLM.GCPProject == "" {
		return fmt.Errorf("GEMINI_API_KEY or GCP_PROJECT must be set for the gemini provider")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// AllowedOrigins returns the CORS origins for the configured frontend.
func (c *Config) AllowedOrigins() []string {
	if c.IsDevelopment() {
		return []string{"*"}
	}
	return []string{c.FrontendURL}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
