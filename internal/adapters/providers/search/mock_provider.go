package search

import (
	"context"
	"fmt"
	"time"

	"github.com/zatekoja/aivisibility/internal/domain/entities"
	"github.com/zatekoja/aivisibility/internal/domain/providers"
)

// MockProvider answers deterministically for local development
type MockProvider struct {
	latency time.Duration
}

// NewMockProvider creates a mock search provider
func NewMockProvider() *MockProvider {
	return &MockProvider{latency: 50 * time.Millisecond}
}

// Name returns the engine tag
func (m *MockProvider) Name() providers.Engine {
	return providers.EngineMock
}

// Search returns a canned answer mentioning the query
func (m *MockProvider) Search(ctx context.Context, query string, opts *entities.SearchOptions) (*entities.SearchResult, error) {
	ctx, cancel := providers.WithCallTimeout(ctx, opts, time.Second)
	defer cancel()

	start := time.Now()
	select {
	case <-ctx.Done():
		return nil, providers.NewTransportError(providers.EngineMock, "search", ctx.Err())
	case <-time.After(m.latency):
	}

	region := ""
	if opts != nil && opts.Geo != nil && opts.Geo.Country != "" {
		region = fmt.Sprintf(" in %s", opts.Geo.Country)
	}

	return &entities.SearchResult{
		Content: fmt.Sprintf("Popular choices for %q%s include well reviewed brands. "+
			"Compare prices and read independent reviews before buying.", query, region),
		Citations: entities.NewCitations([]entities.Citation{
			{URL: "https://example.com/reviews", Domain: "example.com", Title: "Independent reviews"},
			{URL: "https://example.org/guide", Domain: "example.org", Title: "Buying guide"},
		}),
		Model:     "mock-1",
		Usage:     &entities.Usage{PromptTokens: 10, CompletionTokens: 25, TotalTokens: 35},
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// TestConnection always succeeds
func (m *MockProvider) TestConnection(ctx context.Context) bool {
	return true
}

var _ providers.SearchProvider = (*MockProvider)(nil)
