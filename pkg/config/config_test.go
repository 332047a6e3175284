package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// TestDefaultConfig_EngineTunables verifies the engine defaults form a valid record
func TestDefaultConfig_EngineTunables(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Engine.Tunables().Validate(); err != nil {
		t.Fatalf("default tunables should validate: %v", err)
	}
	if cfg.Engine.CompactionThreshold <= cfg.Engine.RecencyWindow {
		t.Error("CompactionThreshold should exceed RecencyWindow")
	}
}

// TestDefaultConfig_RecencyWindow matches the historical context window of ten messages
func TestDefaultConfig_RecencyWindow(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Engine.RecencyWindow != 10 {
		t.Errorf("RecencyWindow = %d, want 10", cfg.Engine.RecencyWindow)
	}
	if cfg.Engine.SemanticTopN != 3 {
		t.Errorf("SemanticTopN = %d, want 3", cfg.Engine.SemanticTopN)
	}
}

// TestDefaultConfig_SemanticSearch verifies semantic retrieval is on by default
func TestDefaultConfig_SemanticSearch(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.Engine.SemanticSearch {
		t.Error("SemanticSearch should be enabled by default")
	}
}

// TestDefaultConfig_Embedding verifies embedding client defaults
func TestDefaultConfig_Embedding(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Embedding.Dimensions != 384 {
		t.Errorf("Dimensions = %d, want 384", cfg.Embedding.Dimensions)
	}
	if cfg.Embedding.MaxAttempts == 0 {
		t.Error("MaxAttempts should not be zero")
	}
	if cfg.Embedding.BreakerThreshold == 0 {
		t.Error("BreakerThreshold should not be zero")
	}
}

// TestDefaultConfig_Storage verifies sqlite is the default store
func TestDefaultConfig_Storage(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Driver = %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.SQLitePath() == "" {
		t.Error("SQLite path should not be empty")
	}
}

// TestDefaultConfig_Server verifies server defaults
func TestDefaultConfig_Server(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Host != "0.0.0.0" {
		t.Error("Server host should have default value")
	}
	if cfg.Server.Port == 0 {
		t.Error("Server port should have default value")
	}
}

// TestDefaultConfig_Providers verifies provider credentials are empty
func TestDefaultConfig_Providers(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Providers.OpenAI.APIKey != "" {
		t.Error("OpenAI API key should be empty by default")
	}
	if cfg.Providers.Anthropic.APIKey != "" {
		t.Error("Anthropic API key should be empty by default")
	}
}

func TestSaveConfig_FilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file permission bits are not enforced on Windows")
	}

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}

	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("config file has permission %04o, want 0600", perm)
	}
}

func TestLoadConfig_RoundTripsSavedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := DefaultConfig()
	cfg.Engine.TokenBudget = 2048
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Engine.TokenBudget != 2048 {
		t.Fatalf("expected token budget 2048, got %d", loaded.Engine.TokenBudget)
	}
}

func TestLoadConfig_EnvOverridesWithoutFile(t *testing.T) {
	t.Setenv("DOTCONTEXT_ENGINE_RECENCY_WINDOW", "4")
	t.Setenv("DOTCONTEXT_EMBEDDING_PROVIDER", "openai")
	path := filepath.Join(t.TempDir(), "missing-config.json")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := cfg.Engine.RecencyWindow; got != 4 {
		t.Fatalf("expected env override recency window, got %d", got)
	}
	if got := cfg.Embedding.Provider; got != "openai" {
		t.Fatalf("expected env override embedding provider, got %q", got)
	}
}

func TestLoadConfig_RejectsThresholdNotAboveWindow(t *testing.T) {
	t.Setenv("DOTCONTEXT_ENGINE_RECENCY_WINDOW", "8")
	t.Setenv("DOTCONTEXT_ENGINE_COMPACTION_THRESHOLD", "8")
	path := filepath.Join(t.TempDir(), "missing-config.json")

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error when threshold <= recency window")
	}
}

func TestLoadConfig_RejectsPostgresWithoutURL(t *testing.T) {
	t.Setenv("DOTCONTEXT_STORAGE_DRIVER", "postgres")
	path := filepath.Join(t.TempDir(), "missing-config.json")

	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected validation error for postgres without url")
	}
}
