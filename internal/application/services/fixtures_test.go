package services_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/aivisibility/internal/adapters/cache"
	"github.com/zatekoja/aivisibility/internal/adapters/database"
	"github.com/zatekoja/aivisibility/internal/adapters/providers/search"
	"github.com/zatekoja/aivisibility/internal/adapters/queue"
	"github.com/zatekoja/aivisibility/internal/application/services"
	"github.com/zatekoja/aivisibility/internal/domain/entities"
	"github.com/zatekoja/aivisibility/internal/domain/providers"
	"github.com/zatekoja/aivisibility/internal/domain/repositories"
	redisclient "github.com/zatekoja/aivisibility/internal/infrastructure/clients/redis"
	"github.com/zatekoja/aivisibility/internal/infrastructure/clients/sqldb"
	"github.com/zatekoja/aivisibility/pkg/retry"
)

// Mocks

type MockSearchProvider struct {
	mock.Mock
	engine providers.Engine
}

func NewMockSearchProvider(engine providers.Engine) *MockSearchProvider {
	return &MockSearchProvider{engine: engine}
}

func (m *MockSearchProvider) Name() providers.Engine {
	return m.engine
}

func (m *MockSearchProvider) Search(ctx context.Context, query string, opts *entities.SearchOptions) (*entities.SearchResult, error) {
	args := m.Called(ctx, query, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.SearchResult), args.Error(1)
}

func (m *MockSearchProvider) TestConnection(ctx context.Context) bool {
	return true
}

type MockScorer struct {
	mock.Mock
}

func (m *MockScorer) Score(ctx context.Context, in services.ScoreInput) (*entities.AnalysisResult, error) {
	args := m.Called(ctx, in)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entities.AnalysisResult), args.Error(1)
}

// Clock

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(t time.Time) *testClock {
	return &testClock{now: t}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Fixture

type pipelineFixture struct {
	projects repositories.ProjectRepository
	keywords repositories.KeywordRepository
	jobs     repositories.ScanJobRepository
	results  repositories.ScanResultRepository
	queue    *queue.MemoryQueue
	store    providers.CacheProvider
	redis    *miniredis.Miniredis
	registry *search.Registry
	clock    *testClock
	cache    *services.SemanticCache
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	db, err := sqldb.NewSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := cache.NewRedisAdapter(redisclient.NewFromClient(rdb))

	clock := newTestClock(time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC))

	return &pipelineFixture{
		projects: database.NewProjectAdapter(db),
		keywords: database.NewKeywordAdapter(db),
		jobs:     database.NewScanJobAdapter(db),
		results:  database.NewScanResultAdapter(db),
		queue: queue.NewMemoryQueue(queue.Options{
			Retry: retry.Config{MaxAttempts: 3, InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond, BackoffFactor: 2},
			Lease: time.Minute,
		}),
		store:    store,
		redis:    mr,
		registry: search.NewRegistry(),
		clock:    clock,
		cache:    services.NewSemanticCache(store, 24*time.Hour, services.WithCacheClock(clock.Now)),
	}
}

// seed stores project p1 (Acme vs Beta) with keyword k1
func (f *pipelineFixture) seed(t *testing.T, query string) (*entities.Project, *entities.Keyword) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	project := &entities.Project{
		ID:          "p1",
		Name:        "Acme tracking",
		Brand:       "Acme",
		Domain:      "acme.com",
		Competitors: []string{"Beta"},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, f.projects.Create(ctx, project))

	keyword := &entities.Keyword{
		ID:        "k1",
		ProjectID: "p1",
		Query:     query,
		Country:   "US",
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.keywords.Create(ctx, keyword))
	return project, keyword
}

// newJob stores a pending job for keyword k1
func (f *pipelineFixture) newJob(t *testing.T, id, engine, query string) *entities.ScanJob {
	t.Helper()
	now := f.clock.Now()
	job := &entities.ScanJob{
		ID:          id,
		ProjectID:   "p1",
		KeywordID:   "k1",
		Engine:      engine,
		Query:       query,
		Brand:       "Acme",
		Competitors: []string{"Beta"},
		Status:      entities.JobStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	require.NoError(t, f.jobs.Create(context.Background(), job))
	return job
}

func (f *pipelineFixture) scanWorker(delay time.Duration) *services.ScanWorker {
	return services.NewScanWorker(f.jobs, f.results, f.registry, f.cache, f.queue, nil, services.ScanWorkerConfig{
		AnalysisDelay: delay,
		Clock:         f.clock.Now,
	})
}

func answer(content string, urls ...string) *entities.SearchResult {
	citations := make([]entities.Citation, 0, len(urls))
	for _, u := range urls {
		citations = append(citations, entities.Citation{URL: u, Domain: u})
	}
	return &entities.SearchResult{
		Content:   content,
		Citations: entities.NewCitations(citations),
		Model:     "test-model",
	}
}
