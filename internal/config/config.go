// Package config loads and validates the Relay runtime configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/relay/pkg/models"
)

// BootstrapMode selects the tool-discovery protocol for chat turns.
type BootstrapMode string

const (
	// BootstrapSearch exposes only search_tool plus the memory-retrieval
	// tools and expands the visible toolset from search results.
	BootstrapSearch BootstrapMode = "search"

	// BootstrapDirect injects all visible tools from all live adapters and
	// omits search_tool.
	BootstrapDirect BootstrapMode = "direct"
)

// Config is the root runtime configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Cache     CacheConfig     `yaml:"cache"`
	LLM       LLMConfig       `yaml:"llm"`
	Auth      AuthConfig      `yaml:"auth"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Chat      ChatConfig      `yaml:"chat"`
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Providers optionally extends or overrides the built-in provider
	// descriptor catalog.
	Providers []models.ProviderSpec `yaml:"providers,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig configures the SQLite metadata store.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// CacheConfig configures the on-disk file cache.
type CacheConfig struct {
	Dir string `yaml:"dir"`
}

// AuthConfig configures the Google OAuth application used for token
// refresh and the installed-app credentials handed to subprocess adapters.
type AuthConfig struct {
	GoogleClientID     string `yaml:"google_client_id"`
	GoogleClientSecret string `yaml:"google_client_secret"`

	// CredentialsFile is the path to the installed-application JSON blob
	// written into Google provider working directories.
	CredentialsFile string `yaml:"credentials_file,omitempty"`
}

// LLMConfig configures LLM providers.
type LLMConfig struct {
	Provider string `yaml:"provider"` // anthropic | openai

	Anthropic AnthropicConfig `yaml:"anthropic"`
	OpenAI    OpenAIConfig    `yaml:"openai"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url,omitempty"`
	DefaultModel string `yaml:"default_model"`
	MaxRetries   int    `yaml:"max_retries"`
}

// OpenAIConfig holds OpenAI API settings. Also used for the embedding
// endpoint backing the semantic tool index when configured.
type OpenAIConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url,omitempty"`
	DefaultModel   string `yaml:"default_model"`
	EmbeddingModel string `yaml:"embedding_model"`
}

// CatalogConfig configures tool discovery.
type CatalogConfig struct {
	BootstrapMode BootstrapMode `yaml:"bootstrap_mode"`
	SearchLimit   int           `yaml:"search_limit"`

	// UseRemoteEmbeddings switches the semantic index from the local
	// deterministic embedder to the OpenAI embedding endpoint.
	UseRemoteEmbeddings bool `yaml:"use_remote_embeddings"`
}

// ChatConfig configures the chat orchestrator.
type ChatConfig struct {
	MaxIterations  int           `yaml:"max_iterations"`
	TurnTimeout    time.Duration `yaml:"turn_timeout"`
	ChunkDelay     time.Duration `yaml:"chunk_delay"`
	ExtractTimeout time.Duration `yaml:"extract_timeout"`
}

// SchedulerConfig configures the scheduled job runner.
type SchedulerConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	ClaimLease   time.Duration `yaml:"claim_lease"`
	MaxBackoff   time.Duration `yaml:"max_backoff"`
	MaxFailures  int           `yaml:"max_failures"`
}

// Load reads configuration from a YAML file. A missing path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				cfg.applyDefaults()
				return cfg, nil
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8787"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Store.Path == "" {
		c.Store.Path = "relay.db"
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = "temp"
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "anthropic"
	}
	if c.LLM.Anthropic.DefaultModel == "" {
		c.LLM.Anthropic.DefaultModel = "claude-sonnet-4-20250514"
	}
	if c.LLM.Anthropic.MaxRetries <= 0 {
		c.LLM.Anthropic.MaxRetries = 3
	}
	if c.LLM.OpenAI.DefaultModel == "" {
		c.LLM.OpenAI.DefaultModel = "gpt-4o"
	}
	if c.LLM.OpenAI.EmbeddingModel == "" {
		c.LLM.OpenAI.EmbeddingModel = "text-embedding-3-small"
	}
	if c.Catalog.BootstrapMode == "" {
		c.Catalog.BootstrapMode = BootstrapSearch
	}
	if c.Catalog.SearchLimit <= 0 {
		c.Catalog.SearchLimit = 5
	}
	if c.Chat.MaxIterations <= 0 {
		c.Chat.MaxIterations = 10
	}
	if c.Chat.TurnTimeout <= 0 {
		c.Chat.TurnTimeout = 5 * time.Minute
	}
	if c.Chat.ChunkDelay <= 0 {
		c.Chat.ChunkDelay = 20 * time.Millisecond
	}
	if c.Chat.ExtractTimeout <= 0 {
		c.Chat.ExtractTimeout = 12 * time.Second
	}
	if c.Scheduler.TickInterval <= 0 {
		c.Scheduler.TickInterval = time.Second
	}
	if c.Scheduler.ClaimLease <= 0 {
		c.Scheduler.ClaimLease = 5 * time.Minute
	}
	if c.Scheduler.MaxBackoff <= 0 {
		c.Scheduler.MaxBackoff = time.Hour
	}
	if c.Scheduler.MaxFailures <= 0 {
		c.Scheduler.MaxFailures = 5
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	switch c.Catalog.BootstrapMode {
	case BootstrapSearch, BootstrapDirect:
	default:
		return fmt.Errorf("catalog: unknown bootstrap_mode %q", c.Catalog.BootstrapMode)
	}
	switch strings.ToLower(c.LLM.Provider) {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("llm: unknown provider %q", c.LLM.Provider)
	}
	for i, p := range c.Providers {
		if p.Key == "" {
			return fmt.Errorf("providers[%d]: key is required", i)
		}
		if p.Transport == models.TransportSubprocess && p.Command == "" {
			return fmt.Errorf("provider %s: command is required for subprocess transport", p.Key)
		}
	}
	return nil
}
