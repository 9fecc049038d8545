package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/aivisibility/internal/domain/entities"
	"github.com/zatekoja/aivisibility/internal/domain/providers"
	"github.com/zatekoja/aivisibility/internal/infrastructure/observability"
	"github.com/zatekoja/aivisibility/pkg/utils"
)

const (
	semanticCachePrefix  = "semcache:"
	semanticCachePattern = semanticCachePrefix + "*"
	memoryUsageUnknown   = "unknown"
)

// SemanticCache stores provider answers per engine, normalized query and UTC day.
// Store failures never reach callers: reads degrade to a miss and writes to a no-op.
// A nil *SemanticCache is a disabled cache.
type SemanticCache struct {
	store   providers.CacheProvider
	ttl     time.Duration
	now     func() time.Time
	metrics *observability.Metrics
}

// SemanticCacheOption configures a SemanticCache
type SemanticCacheOption func(*SemanticCache)

// WithCacheClock replaces the clock used to derive the day component of keys
func WithCacheClock(now func() time.Time) SemanticCacheOption {
	return func(c *SemanticCache) {
		c.now = now
	}
}

// WithCacheMetrics records hits and misses
func WithCacheMetrics(m *observability.Metrics) SemanticCacheOption {
	return func(c *SemanticCache) {
		c.metrics = m
	}
}

// NewSemanticCache creates a semantic cache over store
func NewSemanticCache(store providers.CacheProvider, ttl time.Duration, opts ...SemanticCacheOption) *SemanticCache {
	c := &SemanticCache{
		store: store,
		ttl:   ttl,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Key returns the cache key of query for provider on the current UTC day
func (c *SemanticCache) Key(query string, provider providers.Engine) string {
	day := c.now().UTC().Format("2006-01-02")
	sum := sha256.Sum256([]byte(string(provider) + ":" + utils.NormalizeQuery(query) + ":" + day))
	return semanticCachePrefix + hex.EncodeToString(sum[:])
}

// Get returns the cached answer, if any
func (c *SemanticCache) Get(ctx context.Context, query string, provider providers.Engine) (*entities.CacheEntry, bool) {
	if c == nil {
		return nil, false
	}
	key := c.Key(query, provider)

	data, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, providers.ErrCacheMiss) {
			log.Warn().Err(err).Str("engine", string(provider)).Msg("Semantic cache read failed, treating as miss")
		}
		observability.RecordCacheMiss(ctx, c.metrics, string(provider))
		return nil, false
	}

	var entry entities.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		log.Warn().Err(err).Str("engine", string(provider)).Str("key", key).Msg("Corrupt semantic cache entry, treating as miss")
		observability.RecordCacheMiss(ctx, c.metrics, string(provider))
		return nil, false
	}

	observability.RecordCacheHit(ctx, c.metrics, string(provider))
	return &entry, true
}

// Set stores an answer for the rest of the TTL
func (c *SemanticCache) Set(ctx context.Context, query string, provider providers.Engine, result *entities.SearchResult) {
	if c == nil || result == nil {
		return
	}
	entry := entities.CacheEntry{
		Content:   result.Content,
		Citations: result.Citations,
		Model:     result.Model,
		CachedAt:  c.now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		log.Warn().Err(err).Str("engine", string(provider)).Msg("Failed to encode semantic cache entry")
		return
	}

	seconds := int(c.ttl / time.Second)
	if seconds <= 0 {
		seconds = 1
	}
	if err := c.store.Set(ctx, c.Key(query, provider), data, seconds); err != nil {
		log.Warn().Err(err).Str("engine", string(provider)).Msg("Semantic cache write failed")
	}
}

// Invalidate removes today's entry for query and provider
func (c *SemanticCache) Invalidate(ctx context.Context, query string, provider providers.Engine) {
	if c == nil {
		return
	}
	if err := c.store.Delete(ctx, c.Key(query, provider)); err != nil {
		log.Warn().Err(err).Str("engine", string(provider)).Msg("Semantic cache invalidation failed")
	}
}

// Stats reports the approximate number of entries and store memory usage
func (c *SemanticCache) Stats(ctx context.Context) entities.CacheStats {
	stats := entities.CacheStats{MemoryUsage: memoryUsageUnknown}
	if c == nil {
		return stats
	}

	size, err := c.store.CountPattern(ctx, semanticCachePattern)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to count semantic cache entries")
	} else {
		stats.ApproximateSize = size
	}

	if usage, err := c.store.MemoryUsage(ctx); err == nil && usage != "" {
		stats.MemoryUsage = usage
	}
	return stats
}

// Clear removes every semantic cache entry and returns how many were removed
func (c *SemanticCache) Clear(ctx context.Context) (int, error) {
	if c == nil {
		return 0, nil
	}
	n, err := c.store.DeletePattern(ctx, semanticCachePattern)
	if err != nil {
		log.Error().Err(err).Msg("Failed to clear semantic cache")
		return n, err
	}
	log.Info().Int("deleted", n).Msg("Semantic cache cleared")
	return n, nil
}
