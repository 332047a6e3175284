package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dotsetgreg/dotcontext/pkg/config"
	"github.com/dotsetgreg/dotcontext/pkg/embedding"
	"github.com/dotsetgreg/dotcontext/pkg/logger"
	"github.com/dotsetgreg/dotcontext/pkg/memory"
	"github.com/dotsetgreg/dotcontext/pkg/providers"
	"github.com/dotsetgreg/dotcontext/pkg/tokens"
)

// globalOptions are the persistent root flags.
type globalOptions struct {
	configPath   string
	profilesPath string
	debug        bool
}

func loadRuntimeConfig(opts *globalOptions) (*config.Config, error) {
	path := strings.TrimSpace(opts.configPath)
	if path == "" {
		path = defaultConfigPath()
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	if p := strings.TrimSpace(opts.profilesPath); p != "" {
		cfg.Engine.ProfilesPath = p
	}

	logger.SetFormat(cfg.Logging.Format)
	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if opts.debug {
		logger.SetLevel(logger.DEBUG)
	}
	return cfg, nil
}

func settingsFromTunables(t config.Tunables) memory.Settings {
	return memory.Settings{
		RecencyWindow:       t.RecencyWindow,
		SemanticTopN:        t.SemanticTopN,
		CompactionThreshold: t.CompactionThreshold,
		TokenBudget:         t.TokenBudget,
		ModelFamily:         tokens.NormalizeFamily(t.ModelFamily),
		TieEpsilon:          t.TieEpsilon,
		SemanticSearch:      t.SemanticSearch,
		MaxSummaries:        t.MaxSummaries,
	}
}

// newSettingsResolver layers the profiles file over the engine defaults. A
// profile that fails to resolve falls back to the defaults and is logged.
func newSettingsResolver(profiles *config.Profiles, defaults memory.Settings) memory.SettingsResolver {
	return func(userID, conversationID string) memory.Settings {
		t, err := profiles.Resolve(userID, conversationID)
		if err != nil {
			logger.WarnCF("config", "Profile resolution failed; using defaults", map[string]interface{}{
				"user_id":         userID,
				"conversation_id": conversationID,
				"error":           err.Error(),
			})
			return defaults
		}
		return settingsFromTunables(t)
	}
}

type serviceOptions struct {
	// Sweep enables the cron-driven compaction sweep; only long-running
	// processes want it.
	Sweep bool
}

// service owns everything the engine depends on so commands can tear it
// down in one call.
type service struct {
	cfg      *config.Config
	engine   *memory.Engine
	store    memory.HistoryStore
	index    memory.SimilarityIndex
	embedder *embedding.Client
	registry *prometheus.Registry
	resolve  memory.SettingsResolver
}

func openService(ctx context.Context, cfg *config.Config, opts serviceOptions) (*service, error) {
	svc := &service{cfg: cfg, registry: prometheus.NewRegistry()}
	svc.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := memory.NewMetrics(svc.registry, "dotcontext")

	defaults := settingsFromTunables(cfg.Engine.Tunables())
	profiles, err := config.LoadProfiles(cfg.Engine.ProfilesPath, cfg.Engine.Tunables())
	if err != nil {
		return nil, err
	}
	svc.resolve = newSettingsResolver(profiles, defaults)

	if svc.store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}

	var embedder memory.Embedder
	if !strings.EqualFold(strings.TrimSpace(cfg.Embedding.Provider), "none") {
		provider, err := providers.CreateEmbeddingProvider(cfg)
		if err != nil {
			svc.Close()
			return nil, fmt.Errorf("embedding provider: %w", err)
		}
		client, err := embedding.NewClient(provider, embedding.Options{
			Timeout:          time.Duration(cfg.Embedding.TimeoutMS) * time.Millisecond,
			MaxAttempts:      cfg.Embedding.MaxAttempts,
			BackoffBase:      time.Duration(cfg.Embedding.BackoffBaseMS) * time.Millisecond,
			BackoffCap:       time.Duration(cfg.Embedding.BackoffCapMS) * time.Millisecond,
			BreakerThreshold: cfg.Embedding.BreakerThreshold,
			BreakerCooldown:  time.Duration(cfg.Embedding.BreakerCooldownS) * time.Second,
			CacheEntries:     int64(cfg.Embedding.CacheEntries),
		})
		if err != nil {
			svc.Close()
			return nil, fmt.Errorf("embedding client: %w", err)
		}
		client.SetObserver(metrics.ObserveEmbedding)
		svc.embedder = client
		embedder = client

		if svc.index, err = openIndex(cfg, svc.store); err != nil {
			svc.Close()
			return nil, err
		}
	}

	var summarizer memory.Summarizer
	completion, err := providers.CreateCompletionProvider(cfg)
	if err != nil {
		svc.Close()
		return nil, fmt.Errorf("completion provider: %w", err)
	}
	if completion != nil {
		summarizer = memory.NewLLMSummarizer(completion, completionModel(cfg), cfg.Compaction.SummaryMaxTokens, cfg.Compaction.MaxTranscriptChars)
	}

	sweep := ""
	if opts.Sweep {
		sweep = cfg.Compaction.SweepSchedule
	}
	svc.engine, err = memory.NewEngine(svc.store, svc.index, embedder, summarizer, memory.EngineConfig{
		Settings:        defaults,
		Resolver:        svc.resolve,
		AssembleTimeout: time.Duration(cfg.Engine.AssembleTimeoutMS) * time.Millisecond,
		IngestWorkers:   cfg.Engine.IngestWorkers,
		Compactor: memory.CompactorConfig{
			LeaseTTL:           time.Duration(cfg.Compaction.LeaseSeconds) * time.Second,
			SummarizerAttempts: cfg.Compaction.SummarizerAttempts,
			BackoffBase:        time.Duration(cfg.Compaction.BackoffBaseMS) * time.Millisecond,
			BackoffCap:         time.Duration(cfg.Compaction.BackoffCapMS) * time.Millisecond,
		},
		Scheduler: memory.SchedulerConfig{
			Workers:       cfg.Compaction.Workers,
			SweepSchedule: sweep,
		},
		Metrics: metrics,
	})
	if err != nil {
		svc.Close()
		return nil, err
	}

	logger.InfoCF("service", "Context engine ready", map[string]interface{}{
		"storage":    cfg.Storage.Driver,
		"index":      indexBackendName(cfg, svc.index),
		"embedding":  embedderName(embedder),
		"summarizer": summarizerName(completion),
	})
	return svc, nil
}

func openStore(ctx context.Context, cfg *config.Config) (memory.HistoryStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "postgres":
		store, err := memory.NewPostgresStore(ctx, cfg.Storage.PostgresURL)
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, nil
	default:
		store, err := memory.NewSQLiteStore(cfg.SQLitePath())
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	}
}

func openIndex(cfg *config.Config, store memory.HistoryStore) (memory.SimilarityIndex, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Index.Backend)) {
	case "chromem":
		return memory.NewChromemIndex(), nil
	case "chromem-persistent":
		idx, err := memory.NewPersistentChromemIndex(cfg.IndexPath(), cfg.Index.Compress)
		if err != nil {
			return nil, fmt.Errorf("open chromem index: %w", err)
		}
		return idx, nil
	default:
		// Single-file deployments keep vectors next to the history.
		if sqliteStore, ok := store.(*memory.SQLiteStore); ok && strings.TrimSpace(cfg.Index.Path) == "" {
			return memory.NewSQLiteIndexOn(sqliteStore.DB())
		}
		idx, err := memory.NewSQLiteIndex(cfg.IndexPath())
		if err != nil {
			return nil, fmt.Errorf("open sqlite index: %w", err)
		}
		return idx, nil
	}
}

func completionModel(cfg *config.Config) string {
	switch providers.NormalizeProviderName(cfg.Providers.Completion) {
	case providers.ProviderAnthropic:
		return cfg.Providers.Anthropic.Model
	default:
		return cfg.Providers.OpenAI.Model
	}
}

func indexBackendName(cfg *config.Config, idx memory.SimilarityIndex) string {
	if idx == nil {
		return "none"
	}
	if b := strings.TrimSpace(cfg.Index.Backend); b != "" {
		return b
	}
	return "sqlite"
}

func embedderName(e memory.Embedder) string {
	if e == nil {
		return "none"
	}
	return e.ModelID()
}

func summarizerName(p providers.CompletionProvider) string {
	if p == nil {
		return "extractive"
	}
	return p.Name()
}

// Close stops the engine before releasing what it reads from.
func (s *service) Close() error {
	var errs []error
	if s.engine != nil {
		errs = append(errs, s.engine.Close())
	}
	if s.embedder != nil {
		s.embedder.Close()
	}
	if s.index != nil {
		errs = append(errs, s.index.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}
