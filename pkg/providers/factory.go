package providers

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/dotcontext/pkg/config"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderChargram  = "chargram"
	ProviderHash      = "hash"
)

// Factory builds the capabilities a provider offers. Either build func may be
// nil when the provider lacks that capability.
type Factory struct {
	Completion func(cfg *config.Config) (CompletionProvider, error)
	Embedding  func(cfg *config.Config) (EmbeddingProvider, error)
	Validate   func(cfg *config.Config) error
}

var (
	factoryMu       sync.RWMutex
	factories       = map[string]Factory{}
	registrationErr error
)

// RegisterFactory adds a provider to the startup registry. Called from init().
func RegisterFactory(name string, f Factory) {
	name = NormalizeProviderName(name)
	factoryMu.Lock()
	defer factoryMu.Unlock()
	if name == "" {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: factory name is required"))
		return
	}
	if f.Completion == nil && f.Embedding == nil {
		registrationErr = errors.Join(registrationErr, fmt.Errorf("providers: factory %q has no capabilities", name))
		return
	}
	factories[name] = f
}

func SupportedProviders() []string {
	factoryMu.RLock()
	defer factoryMu.RUnlock()
	providers := make([]string, 0, len(factories))
	for name := range factories {
		providers = append(providers, name)
	}
	sort.Strings(providers)
	return providers
}

func NormalizeProviderName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// CreateCompletionProvider resolves providers.completion. An empty name means
// no completion provider is configured and returns (nil, nil).
func CreateCompletionProvider(cfg *config.Config) (CompletionProvider, error) {
	name := NormalizeProviderName(cfg.Providers.Completion)
	if name == "" {
		return nil, nil
	}
	factory, err := getFactory(name)
	if err != nil {
		return nil, err
	}
	if factory.Completion == nil {
		return nil, fmt.Errorf("provider %q does not support completions", name)
	}
	if factory.Validate != nil {
		if err := factory.Validate(cfg); err != nil {
			return nil, err
		}
	}
	return factory.Completion(cfg)
}

// CreateEmbeddingProvider resolves embedding.provider.
func CreateEmbeddingProvider(cfg *config.Config) (EmbeddingProvider, error) {
	name := NormalizeProviderName(cfg.Embedding.Provider)
	if name == "" {
		name = ProviderChargram
	}
	factory, err := getFactory(name)
	if err != nil {
		return nil, err
	}
	if factory.Embedding == nil {
		return nil, fmt.Errorf("provider %q does not support embeddings", name)
	}
	if factory.Validate != nil {
		if err := factory.Validate(cfg); err != nil {
			return nil, err
		}
	}
	return factory.Embedding(cfg)
}

func getFactory(name string) (Factory, error) {
	factoryMu.RLock()
	if registrationErr != nil {
		err := registrationErr
		factoryMu.RUnlock()
		return Factory{}, fmt.Errorf("provider registration failed: %w", err)
	}
	factory, ok := factories[name]
	factoryMu.RUnlock()
	if !ok {
		return Factory{}, fmt.Errorf("unsupported provider %q: supported providers are %s", name, strings.Join(SupportedProviders(), ", "))
	}
	return factory, nil
}
