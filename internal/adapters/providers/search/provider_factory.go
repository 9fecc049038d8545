package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/aivisibility/internal/domain/providers"
	"github.com/zatekoja/aivisibility/internal/infrastructure/clients/anthropic"
	"github.com/zatekoja/aivisibility/internal/infrastructure/clients/gemini"
	"github.com/zatekoja/aivisibility/internal/infrastructure/clients/openai"
	"github.com/zatekoja/aivisibility/internal/infrastructure/clients/perplexity"
	"github.com/zatekoja/aivisibility/pkg/config"
)

// ErrProviderNotConfigured indicates the engine is known but has no credentials
var ErrProviderNotConfigured = errors.New("search provider not configured")

// NewProvider creates the adapter for one engine
func NewProvider(ctx context.Context, engine providers.Engine, cfg *config.ProvidersConfig) (providers.SearchProvider, error) {
	switch engine {
	case providers.EngineOpenAI:
		return openai.NewClient(&cfg.OpenAI, cfg.Temperature)
	case providers.EnginePerplexity:
		return perplexity.NewClient(&cfg.Perplexity, cfg.Temperature)
	case providers.EngineAnthropic:
		return anthropic.NewClient(&cfg.Anthropic, cfg.Temperature)
	case providers.EngineGemini:
		return gemini.NewClient(ctx, &cfg.Gemini, cfg.Temperature)
	case providers.EngineMock:
		return NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unknown engine %q", engine)
	}
}

func configured(engine providers.Engine, cfg *config.ProvidersConfig) bool {
	switch engine {
	case providers.EngineOpenAI:
		return cfg.OpenAI.APIKey != ""
	case providers.EnginePerplexity:
		return cfg.Perplexity.APIKey != ""
	case providers.EngineAnthropic:
		return cfg.Anthropic.APIKey != ""
	case providers.EngineGemini:
		return cfg.Gemini.APIKey != ""
	case providers.EngineMock:
		return cfg.EnableMock
	default:
		return false
	}
}

// Registry resolves engines to providers
type Registry struct {
	mu        sync.RWMutex
	providers map[providers.Engine]providers.SearchProvider
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{providers: make(map[providers.Engine]providers.SearchProvider)}
}

// NewRegistryFromConfig registers every engine that has credentials
func NewRegistryFromConfig(ctx context.Context, cfg *config.ProvidersConfig) (*Registry, error) {
	registry := NewRegistry()
	for _, engine := range providers.Engines {
		if !configured(engine, cfg) {
			log.Debug().Str("engine", string(engine)).Msg("Search provider not configured, skipping")
			continue
		}
		provider, err := NewProvider(ctx, engine, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s provider: %w", engine, err)
		}
		registry.Register(provider)
	}
	return registry, nil
}

// Register adds or replaces the provider for its engine
func (r *Registry) Register(p providers.SearchProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the provider for engine
func (r *Registry) Get(engine providers.Engine) (providers.SearchProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[engine]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, engine)
	}
	return p, nil
}

// Engines lists the registered engines in name order
func (r *Registry) Engines() []providers.Engine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	engines := make([]providers.Engine, 0, len(r.providers))
	for e := range r.providers {
		engines = append(engines, e)
	}
	sort.Slice(engines, func(i, j int) bool { return engines[i] < engines[j] })
	return engines
}

// HealthCheck runs TestConnection on every registered provider concurrently
func (r *Registry) HealthCheck(ctx context.Context) map[providers.Engine]bool {
	engines := r.Engines()
	results := make(map[providers.Engine]bool, len(engines))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, engine := range engines {
		p, err := r.Get(engine)
		if err != nil {
			continue
		}
		wg.Add(1)
		go func(engine providers.Engine, p providers.SearchProvider) {
			defer wg.Done()
			ok := p.TestConnection(ctx)
			mu.Lock()
			results[engine] = ok
			mu.Unlock()
		}(engine, p)
	}
	wg.Wait()
	return results
}

var _ providers.ProviderResolver = (*Registry)(nil)
