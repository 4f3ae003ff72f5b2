// Package config loads panelsim configuration from a YAML file with
// environment-variable overrides. Components receive the typed sub-configs
// through their constructors; nothing reads the environment at call time.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all panelsim configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Server    ServerConfig    `yaml:"server"`
	LLM       LLMConfig       `yaml:"llm"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Credit    CreditConfig    `yaml:"credit"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Store     StoreConfig     `yaml:"store"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	JWTSecret       string `yaml:"jwt_secret"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// LLMConfig configures the completion backend.
type LLMConfig struct {
	Provider        string  `yaml:"provider"` // openai, gemini
	APIKey          string  `yaml:"api_key"`
	Model           string  `yaml:"model"`
	BaseURL         string  `yaml:"base_url"`
	Timeout         string  `yaml:"timeout"`
	MaxAttempts     int     `yaml:"max_attempts"`
	MaxConcurrent   int     `yaml:"max_concurrent"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`
	Temperature     float64 `yaml:"temperature"`
}

// EmbeddingConfig configures the embedding backend.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // openai, genai
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	BaseURL    string `yaml:"base_url"`
	Dimensions int    `yaml:"dimensions"`
	TaskType   string `yaml:"task_type"`
	Timeout    string `yaml:"timeout"`
}

// Rate prices one model in credits per 1000 tokens.
type Rate struct {
	InputPer1K  float64 `yaml:"input"`
	OutputPer1K float64 `yaml:"output"`
}

// CreditConfig configures metering.
type CreditConfig struct {
	// Rates maps model identifier to pricing. Read-only at runtime; entries
	// here extend (and may override) the built-in table.
	Rates map[string]Rate `yaml:"rates"`

	// ExpectedOutputTokens is the pre-authorization output estimate used
	// before the model reports actual usage.
	ExpectedOutputTokens int `yaml:"expected_output_tokens"`
}

// RetrievalConfig configures grounding context injection.
type RetrievalConfig struct {
	TopK        int    `yaml:"top_k"`
	TokenBudget int    `yaml:"token_budget"`
	Timeout     string `yaml:"timeout"`
}

// StoreConfig configures SQLite persistence.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`

	// RequireVec fails startup when the sqlite-vec extension is unavailable
	// instead of falling back to the cosine scan.
	RequireVec bool `yaml:"require_vec"`
}

// LoggingConfig configures zap.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "panelsim",
		Version: "1.0.0",

		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: "10s",
		},

		LLM: LLMConfig{
			Provider:        "openai",
			Model:           "gpt-4o-mini",
			BaseURL:         "https://api.openai.com/v1",
			Timeout:         "120s",
			MaxAttempts:     4,
			MaxConcurrent:   8,
			MaxOutputTokens: 1000,
			Temperature:     0.7,
		},

		Embedding: EmbeddingConfig{
			Provider:   "openai",
			Model:      "text-embedding-ada-002",
			BaseURL:    "https://api.openai.com/v1",
			Dimensions: 1536,
			TaskType:   "RETRIEVAL_QUERY",
			Timeout:    "30s",
		},

		Credit: CreditConfig{
			ExpectedOutputTokens: 1000,
		},

		Retrieval: RetrievalConfig{
			TopK:        5,
			TokenBudget: 1500,
			Timeout:     "10s",
		},

		Store: StoreConfig{
			DatabasePath: "data/panelsim.db",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment variables are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	// Completion API key, in priority order.
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "openai"
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		c.LLM.Provider = "gemini"
	}

	// The embedding backend shares the completion key unless set separately.
	if c.Embedding.APIKey == "" {
		c.Embedding.APIKey = c.LLM.APIKey
	}
	if key := os.Getenv("PANELSIM_EMBEDDING_API_KEY"); key != "" {
		c.Embedding.APIKey = key
	}

	if addr := os.Getenv("PANELSIM_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if secret := os.Getenv("PANELSIM_JWT_SECRET"); secret != "" {
		c.Server.JWTSecret = secret
	}
	if path := os.Getenv("PANELSIM_DB"); path != "" {
		c.Store.DatabasePath = path
	}
}

// GetLLMTimeout returns the completion timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	return parseDuration(c.LLM.Timeout, 120*time.Second)
}

// GetEmbeddingTimeout returns the embedding timeout as a duration.
func (c *Config) GetEmbeddingTimeout() time.Duration {
	return parseDuration(c.Embedding.Timeout, 30*time.Second)
}

// GetRetrievalTimeout returns the retrieval timeout as a duration.
func (c *Config) GetRetrievalTimeout() time.Duration {
	return parseDuration(c.Retrieval.Timeout, 10*time.Second)
}

// GetShutdownTimeout returns the server shutdown grace period.
func (c *Config) GetShutdownTimeout() time.Duration {
	return parseDuration(c.Server.ShutdownTimeout, 10*time.Second)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
