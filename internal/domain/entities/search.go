package entities

import "time"

// Citation is a source referenced by an engine answer. Positions are zero-indexed.
type Citation struct {
	Position int    `json:"position"`
	URL      string `json:"url"`
	Domain   string `json:"domain"`
	Title    string `json:"title,omitempty"`
	Snippet  string `json:"snippet,omitempty"`
}

// Usage reports token consumption of a provider call
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// GeoContext simulates a region-specific answer
type GeoContext struct {
	Country  string `json:"country,omitempty"`
	Location string `json:"location,omitempty"`
}

// SearchOptions tunes a single provider call. Zero values fall back to provider defaults.
type SearchOptions struct {
	MaxTokens    int
	Temperature  *float64
	Timeout      time.Duration
	SystemPrompt string
	Geo          *GeoContext
}

// SearchResult is the answer returned by a provider. It is not mutated after creation.
type SearchResult struct {
	Content   string     `json:"content"`
	Citations []Citation `json:"citations"`
	Model     string     `json:"model"`
	Usage     *Usage     `json:"usage,omitempty"`
	LatencyMs int64      `json:"latency_ms"`
}

// CacheEntry is a SearchResult stored in the semantic cache
type CacheEntry struct {
	Content   string     `json:"content"`
	Citations []Citation `json:"citations"`
	Model     string     `json:"model"`
	CachedAt  time.Time  `json:"cached_at"`
}

// CacheStats describes the semantic cache store
type CacheStats struct {
	ApproximateSize int    `json:"approximate_size"`
	MemoryUsage     string `json:"memory_usage"`
}

// NewCitations numbers citations from zero in the given order
func NewCitations(citations []Citation) []Citation {
	out := make([]Citation, 0, len(citations))
	for i, c := range citations {
		c.Position = i
		out = append(out, c)
	}
	return out
}
