package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Engine     EngineConfig     `json:"engine"`
	Embedding  EmbeddingConfig  `json:"embedding"`
	Compaction CompactionConfig `json:"compaction"`
	Storage    StorageConfig    `json:"storage"`
	Index      IndexConfig      `json:"index"`
	Providers  ProvidersConfig  `json:"providers"`
	Server     ServerConfig     `json:"server"`
	Logging    LoggingConfig    `json:"logging"`
	mu         sync.RWMutex
}

// EngineConfig holds the default per-call tunables. Profiles can override any
// of them per user or conversation.
type EngineConfig struct {
	RecencyWindow       int     `json:"recency_window" env:"DOTCONTEXT_ENGINE_RECENCY_WINDOW"`
	SemanticTopN        int     `json:"semantic_top_n" env:"DOTCONTEXT_ENGINE_SEMANTIC_TOP_N"`
	CompactionThreshold int     `json:"compaction_threshold" env:"DOTCONTEXT_ENGINE_COMPACTION_THRESHOLD"`
	TokenBudget         int     `json:"token_budget" env:"DOTCONTEXT_ENGINE_TOKEN_BUDGET"`
	ModelFamily         string  `json:"model_family" env:"DOTCONTEXT_ENGINE_MODEL_FAMILY"`
	TieEpsilon          float64 `json:"tie_epsilon" env:"DOTCONTEXT_ENGINE_TIE_EPSILON"`
	SemanticSearch      bool    `json:"semantic_search" env:"DOTCONTEXT_ENGINE_SEMANTIC_SEARCH"`
	MaxSummaries        int     `json:"max_summaries" env:"DOTCONTEXT_ENGINE_MAX_SUMMARIES"`
	AssembleTimeoutMS   int     `json:"assemble_timeout_ms" env:"DOTCONTEXT_ENGINE_ASSEMBLE_TIMEOUT_MS"`
	IngestWorkers       int     `json:"ingest_workers" env:"DOTCONTEXT_ENGINE_INGEST_WORKERS"`
	ProfilesPath        string  `json:"profiles_path" env:"DOTCONTEXT_ENGINE_PROFILES_PATH"`
}

type EmbeddingConfig struct {
	Provider         string `json:"provider" env:"DOTCONTEXT_EMBEDDING_PROVIDER"`
	Model            string `json:"model" env:"DOTCONTEXT_EMBEDDING_MODEL"`
	Dimensions       int    `json:"dimensions" env:"DOTCONTEXT_EMBEDDING_DIMENSIONS"`
	TimeoutMS        int    `json:"timeout_ms" env:"DOTCONTEXT_EMBEDDING_TIMEOUT_MS"`
	MaxAttempts      int    `json:"max_attempts" env:"DOTCONTEXT_EMBEDDING_MAX_ATTEMPTS"`
	BackoffBaseMS    int    `json:"backoff_base_ms" env:"DOTCONTEXT_EMBEDDING_BACKOFF_BASE_MS"`
	BackoffCapMS     int    `json:"backoff_cap_ms" env:"DOTCONTEXT_EMBEDDING_BACKOFF_CAP_MS"`
	BreakerThreshold int    `json:"breaker_threshold" env:"DOTCONTEXT_EMBEDDING_BREAKER_THRESHOLD"`
	BreakerCooldownS int    `json:"breaker_cooldown_seconds" env:"DOTCONTEXT_EMBEDDING_BREAKER_COOLDOWN_SECONDS"`
	CacheEntries     int    `json:"cache_entries" env:"DOTCONTEXT_EMBEDDING_CACHE_ENTRIES"`
}

type CompactionConfig struct {
	Workers            int    `json:"workers" env:"DOTCONTEXT_COMPACTION_WORKERS"`
	SweepSchedule      string `json:"sweep_schedule" env:"DOTCONTEXT_COMPACTION_SWEEP_SCHEDULE"`
	LeaseSeconds       int    `json:"lease_seconds" env:"DOTCONTEXT_COMPACTION_LEASE_SECONDS"`
	SummarizerAttempts int    `json:"summarizer_attempts" env:"DOTCONTEXT_COMPACTION_SUMMARIZER_ATTEMPTS"`
	BackoffBaseMS      int    `json:"backoff_base_ms" env:"DOTCONTEXT_COMPACTION_BACKOFF_BASE_MS"`
	BackoffCapMS       int    `json:"backoff_cap_ms" env:"DOTCONTEXT_COMPACTION_BACKOFF_CAP_MS"`
	MaxTranscriptChars int    `json:"max_transcript_chars" env:"DOTCONTEXT_COMPACTION_MAX_TRANSCRIPT_CHARS"`
	SummaryMaxTokens   int    `json:"summary_max_tokens" env:"DOTCONTEXT_COMPACTION_SUMMARY_MAX_TOKENS"`
}

type StorageConfig struct {
	Driver      string `json:"driver" env:"DOTCONTEXT_STORAGE_DRIVER"` // sqlite | postgres
	SQLitePath  string `json:"sqlite_path" env:"DOTCONTEXT_STORAGE_SQLITE_PATH"`
	PostgresURL string `json:"postgres_url" env:"DOTCONTEXT_STORAGE_POSTGRES_URL"`
}

type IndexConfig struct {
	Backend  string `json:"backend" env:"DOTCONTEXT_INDEX_BACKEND"` // sqlite | chromem | chromem-persistent
	Path     string `json:"path" env:"DOTCONTEXT_INDEX_PATH"`
	Compress bool   `json:"compress" env:"DOTCONTEXT_INDEX_COMPRESS"`
}

type ProvidersConfig struct {
	Completion string          `json:"completion" env:"DOTCONTEXT_PROVIDERS_COMPLETION"`
	OpenAI     OpenAIConfig    `json:"openai"`
	Anthropic  AnthropicConfig `json:"anthropic"`
}

type OpenAIConfig struct {
	APIKey         string `json:"api_key" env:"DOTCONTEXT_PROVIDERS_OPENAI_API_KEY"`
	APIBase        string `json:"api_base" env:"DOTCONTEXT_PROVIDERS_OPENAI_API_BASE"`
	Proxy          string `json:"proxy,omitempty" env:"DOTCONTEXT_PROVIDERS_OPENAI_PROXY"`
	Model          string `json:"model" env:"DOTCONTEXT_PROVIDERS_OPENAI_MODEL"`
	EmbeddingModel string `json:"embedding_model" env:"DOTCONTEXT_PROVIDERS_OPENAI_EMBEDDING_MODEL"`
}

type AnthropicConfig struct {
	APIKey  string `json:"api_key" env:"DOTCONTEXT_PROVIDERS_ANTHROPIC_API_KEY"`
	APIBase string `json:"api_base" env:"DOTCONTEXT_PROVIDERS_ANTHROPIC_API_BASE"`
	Model   string `json:"model" env:"DOTCONTEXT_PROVIDERS_ANTHROPIC_MODEL"`
}

type ServerConfig struct {
	Host string `json:"host" env:"DOTCONTEXT_SERVER_HOST"`
	Port int    `json:"port" env:"DOTCONTEXT_SERVER_PORT"`
}

type LoggingConfig struct {
	Level  string `json:"level" env:"DOTCONTEXT_LOGGING_LEVEL"`
	Format string `json:"format" env:"DOTCONTEXT_LOGGING_FORMAT"`
}

func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			RecencyWindow:       10,
			SemanticTopN:        3,
			CompactionThreshold: 40,
			TokenBudget:         4096,
			ModelFamily:         "generic",
			TieEpsilon:          1e-6,
			SemanticSearch:      true,
			MaxSummaries:        64,
			AssembleTimeoutMS:   1500,
			IngestWorkers:       8,
		},
		Embedding: EmbeddingConfig{
			Provider:         "chargram",
			Model:            "dotcontext-chargram-384-v1",
			Dimensions:       384,
			TimeoutMS:        5000,
			MaxAttempts:      3,
			BackoffBaseMS:    200,
			BackoffCapMS:     2000,
			BreakerThreshold: 5,
			BreakerCooldownS: 30,
			CacheEntries:     10000,
		},
		Compaction: CompactionConfig{
			Workers:            2,
			SweepSchedule:      "*/5 * * * *",
			LeaseSeconds:       120,
			SummarizerAttempts: 3,
			BackoffBaseMS:      500,
			BackoffCapMS:       8000,
			MaxTranscriptChars: 24000,
			SummaryMaxTokens:   512,
		},
		Storage: StorageConfig{
			Driver:     "sqlite",
			SQLitePath: "~/.dotcontext/state/context.db",
		},
		Index: IndexConfig{
			Backend: "sqlite",
			Path:    "~/.dotcontext/state/index",
		},
		Providers: ProvidersConfig{
			Completion: "",
			OpenAI: OpenAIConfig{
				APIBase:        "https://api.openai.com/v1",
				Model:          "gpt-4o-mini",
				EmbeddingModel: "text-embedding-3-small",
			},
			Anthropic: AnthropicConfig{
				Model: "claude-3-5-haiku-latest",
			},
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 18791,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate rejects configurations the engine cannot honor.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := c.Engine.Tunables().Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	switch strings.ToLower(c.Storage.Driver) {
	case "", "sqlite":
	case "postgres":
		if strings.TrimSpace(c.Storage.PostgresURL) == "" {
			return fmt.Errorf("storage: postgres driver requires postgres_url")
		}
	default:
		return fmt.Errorf("storage: unsupported driver %q", c.Storage.Driver)
	}
	switch strings.ToLower(c.Index.Backend) {
	case "", "sqlite", "chromem", "chromem-persistent":
	default:
		return fmt.Errorf("index: unsupported backend %q", c.Index.Backend)
	}
	if c.Embedding.MaxAttempts < 1 {
		return fmt.Errorf("embedding: max_attempts must be >= 1")
	}
	return nil
}

func (c *Config) SQLitePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Storage.SQLitePath)
}

func (c *Config) IndexPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Index.Path)
}

func (c *Config) ListenAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
