package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/aivisibility/internal/application/services"
	"github.com/zatekoja/aivisibility/internal/domain/entities"
	"github.com/zatekoja/aivisibility/internal/domain/providers"
)

type MockCacheProvider struct {
	mock.Mock
}

func (m *MockCacheProvider) Get(ctx context.Context, key string) ([]byte, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockCacheProvider) Set(ctx context.Context, key string, value []byte, expirationSeconds int) error {
	return m.Called(ctx, key, value, expirationSeconds).Error(0)
}

func (m *MockCacheProvider) Delete(ctx context.Context, key string) error {
	return m.Called(ctx, key).Error(0)
}

func (m *MockCacheProvider) Exists(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func (m *MockCacheProvider) DeletePattern(ctx context.Context, pattern string) (int, error) {
	args := m.Called(ctx, pattern)
	return args.Int(0), args.Error(1)
}

func (m *MockCacheProvider) CountPattern(ctx context.Context, pattern string) (int, error) {
	args := m.Called(ctx, pattern)
	return args.Int(0), args.Error(1)
}

func (m *MockCacheProvider) MemoryUsage(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func TestSemanticCache_Key(t *testing.T) {
	clock := newTestClock(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))
	c := services.NewSemanticCache(nil, time.Hour, services.WithCacheClock(clock.Now))

	key := c.Key("Best Espresso   Machine", providers.EnginePerplexity)
	assert.Regexp(t, `^semcache:[0-9a-f]{64}$`, key)

	assert.Equal(t, key, c.Key("  best espresso machine ", providers.EnginePerplexity), "normalized queries share a key")
	assert.NotEqual(t, key, c.Key("best espresso machine", providers.EngineOpenAI), "engines do not share keys")

	clock.Set(time.Date(2024, 6, 1, 23, 59, 59, 0, time.UTC))
	assert.Equal(t, key, c.Key("best espresso machine", providers.EnginePerplexity), "same UTC day")

	clock.Set(time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC))
	assert.NotEqual(t, key, c.Key("best espresso machine", providers.EnginePerplexity), "next UTC day")

	// 01:00 in Berlin is still June 1st in UTC
	berlin := time.FixedZone("CEST", 2*60*60)
	clock.Set(time.Date(2024, 6, 2, 1, 0, 0, 0, berlin))
	assert.Equal(t, key, c.Key("best espresso machine", providers.EnginePerplexity))
}

func TestSemanticCache_SetThenGetSameDay(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)

	f.cache.Set(ctx, "best espresso machine", providers.EnginePerplexity,
		answer("Acme makes the best espresso machine.", "https://acme.com/espresso"))

	f.clock.Set(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	entry, ok := f.cache.Get(ctx, "Best espresso machine", providers.EnginePerplexity)
	require.True(t, ok)
	assert.Equal(t, "Acme makes the best espresso machine.", entry.Content)
	assert.Equal(t, "test-model", entry.Model)
	require.Len(t, entry.Citations, 1)
	assert.Equal(t, "https://acme.com/espresso", entry.Citations[0].URL)
	assert.Equal(t, time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC), entry.CachedAt.UTC())

	_, ok = f.cache.Get(ctx, "best espresso machine", providers.EngineOpenAI)
	assert.False(t, ok)

	f.clock.Set(time.Date(2024, 6, 2, 9, 0, 0, 0, time.UTC))
	_, ok = f.cache.Get(ctx, "best espresso machine", providers.EnginePerplexity)
	assert.False(t, ok, "a new day starts with an empty cache")
}

func TestSemanticCache_TTL(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	c := services.NewSemanticCache(f.store, 2*time.Hour, services.WithCacheClock(f.clock.Now))

	c.Set(ctx, "q", providers.EngineOpenAI, answer("a"))
	assert.Equal(t, 2*time.Hour, f.redis.TTL(c.Key("q", providers.EngineOpenAI)))

	f.redis.FastForward(2*time.Hour + time.Second)
	_, ok := c.Get(ctx, "q", providers.EngineOpenAI)
	assert.False(t, ok)
}

func TestSemanticCache_CorruptEntryIsMiss(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)

	require.NoError(t, f.redis.Set(f.cache.Key("q", providers.EngineOpenAI), "{not json"))
	_, ok := f.cache.Get(ctx, "q", providers.EngineOpenAI)
	assert.False(t, ok)
}

func TestSemanticCache_StoreFailuresAreSwallowed(t *testing.T) {
	ctx := context.Background()
	store := new(MockCacheProvider)
	store.On("Get", mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))
	store.On("Set", mock.Anything, mock.Anything, mock.Anything, 3600).Return(errors.New("connection refused"))
	store.On("Delete", mock.Anything, mock.Anything).Return(errors.New("connection refused"))
	store.On("CountPattern", mock.Anything, "semcache:*").Return(0, errors.New("connection refused"))
	store.On("MemoryUsage", mock.Anything).Return("", errors.New("connection refused"))

	c := services.NewSemanticCache(store, time.Hour)

	_, ok := c.Get(ctx, "q", providers.EngineGemini)
	assert.False(t, ok)

	assert.NotPanics(t, func() {
		c.Set(ctx, "q", providers.EngineGemini, answer("a"))
		c.Invalidate(ctx, "q", providers.EngineGemini)
	})

	stats := c.Stats(ctx)
	assert.Equal(t, 0, stats.ApproximateSize)
	assert.Equal(t, "unknown", stats.MemoryUsage)

	store.AssertExpectations(t)
}

func TestSemanticCache_StatsAndClear(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)

	f.cache.Set(ctx, "q1", providers.EngineOpenAI, answer("a"))
	f.cache.Set(ctx, "q2", providers.EngineOpenAI, answer("b"))
	f.cache.Set(ctx, "q1", providers.EngineAnthropic, answer("c"))
	require.NoError(t, f.redis.Set("other:key", "x"))

	stats := f.cache.Stats(ctx)
	assert.Equal(t, 3, stats.ApproximateSize)
	// miniredis may not report memory; either a real value or the fallback is fine
	assert.NotEmpty(t, stats.MemoryUsage)

	n, err := f.cache.Clear(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, 0, f.cache.Stats(ctx).ApproximateSize)
	assert.True(t, f.redis.Exists("other:key"))
}

func TestSemanticCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)

	f.cache.Set(ctx, "q", providers.EngineOpenAI, answer("a"))
	f.cache.Invalidate(ctx, "q", providers.EngineOpenAI)

	_, ok := f.cache.Get(ctx, "q", providers.EngineOpenAI)
	assert.False(t, ok)
}

func TestSemanticCache_NilIsDisabled(t *testing.T) {
	var c *services.SemanticCache
	ctx := context.Background()

	c.Set(ctx, "best espresso machine", providers.EngineOpenAI, &entities.SearchResult{Content: "answer"})
	_, ok := c.Get(ctx, "best espresso machine", providers.EngineOpenAI)
	assert.False(t, ok)

	assert.Equal(t, "unknown", c.Stats(ctx).MemoryUsage)
	n, err := c.Clear(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
