package services_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/aivisibility/internal/application/services"
	"github.com/zatekoja/aivisibility/internal/domain/entities"
	"github.com/zatekoja/aivisibility/internal/domain/providers"
	"github.com/zatekoja/aivisibility/internal/domain/repositories"
	apperrors "github.com/zatekoja/aivisibility/pkg/errors"
)

const espressoAnswer = "Acme is the best espresso machine you can buy. Beta is a decent alternative."

// recordingBus keeps published events in memory
type recordingBus struct {
	mu     sync.Mutex
	events map[string][]*entities.JobEvent
}

func newRecordingBus() *recordingBus {
	return &recordingBus{events: make(map[string][]*entities.JobEvent)}
}

func (b *recordingBus) Publish(ctx context.Context, channel string, event *entities.JobEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[channel] = append(b.events[channel], event)
	return nil
}

func (b *recordingBus) Subscribe(ctx context.Context, channel string) (<-chan *entities.JobEvent, error) {
	return make(chan *entities.JobEvent), nil
}

func (b *recordingBus) Unsubscribe(ctx context.Context, channel string) error { return nil }

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) statuses(channel string) []entities.JobStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]entities.JobStatus, 0, len(b.events[channel]))
	for _, e := range b.events[channel] {
		out = append(out, e.Status)
	}
	return out
}

func TestScanWorker_CompletesAndCheckpoints(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	provider := NewMockSearchProvider(providers.EngineOpenAI)
	f.registry.Register(provider)
	provider.On("Search", mock.Anything, "best espresso machine", mock.Anything).
		Run(func(mock.Arguments) { f.clock.Advance(800 * time.Millisecond) }).
		Return(answer(espressoAnswer, "https://acme.com/espresso"), nil).Once()

	f.newJob(t, "j1", "openai", "best espresso machine")
	bus := newRecordingBus()
	worker := services.NewScanWorker(f.jobs, f.results, f.registry, f.cache, f.queue, bus, services.ScanWorkerConfig{
		AnalysisDelay: time.Minute,
		Clock:         f.clock.Now,
	})

	require.NoError(t, worker.Process(ctx, "j1"))

	job, err := f.jobs.GetByID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, entities.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, int64(800), job.LatencyMs)
	assert.Empty(t, job.ErrorMessage)

	result, err := f.results.GetByJobID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, espressoAnswer, result.RawResponse)
	assert.Equal(t, "openai", result.Engine)
	assert.Equal(t, "test-model", result.Model)
	assert.False(t, result.CacheHit)
	assert.False(t, result.IsAnalyzed())
	require.Len(t, result.Citations, 1)
	assert.Equal(t, 0, result.Citations[0].Position)

	stats, err := f.queue.Stats(ctx, providers.QueueAnalysis)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed, "analysis waits for the configured delay")

	_, cached := f.cache.Get(ctx, "best espresso machine", providers.EngineOpenAI)
	assert.True(t, cached)

	want := []entities.JobStatus{entities.JobStatusProcessing, entities.JobStatusCompleted}
	assert.Equal(t, want, bus.statuses(providers.EventChannelScanJobs))
	assert.Equal(t, want, bus.statuses(providers.GetProjectChannel("p1")))

	provider.AssertExpectations(t)
}

func TestScanWorker_PassesGeoContext(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	provider := NewMockSearchProvider(providers.EngineGemini)
	f.registry.Register(provider)
	provider.On("Search", mock.Anything, "best espresso machine", mock.MatchedBy(func(opts *entities.SearchOptions) bool {
		return opts.Geo != nil && opts.Geo.Country == "DE" && opts.Geo.Location == "Berlin"
	})).Return(answer(espressoAnswer), nil).Once()

	job := &entities.ScanJob{
		ID:        "geo",
		ProjectID: "p1",
		KeywordID: "k1",
		Engine:    "gemini",
		Query:     "best espresso machine",
		Brand:     "Acme",
		Country:   "DE",
		Location:  "Berlin",
		Status:    entities.JobStatusPending,
		CreatedAt: f.clock.Now(),
		UpdatedAt: f.clock.Now(),
	}
	require.NoError(t, f.jobs.Create(ctx, job))

	require.NoError(t, f.scanWorker(0).Process(ctx, "geo"))
	provider.AssertExpectations(t)
}

func TestScanWorker_DefaultCountry(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	provider := NewMockSearchProvider(providers.EngineOpenAI)
	f.registry.Register(provider)
	provider.On("Search", mock.Anything, "q", mock.MatchedBy(func(opts *entities.SearchOptions) bool {
		return opts.Geo != nil && opts.Geo.Country == "US"
	})).Return(answer("a"), nil).Once()

	f.newJob(t, "j1", "openai", "q")
	worker := services.NewScanWorker(f.jobs, f.results, f.registry, f.cache, f.queue, nil, services.ScanWorkerConfig{
		DefaultCountry: "US",
		Clock:          f.clock.Now,
	})

	require.NoError(t, worker.Process(ctx, "j1"))
	provider.AssertExpectations(t)
}

func TestScanWorker_CacheHitSkipsProvider(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	provider := NewMockSearchProvider(providers.EnginePerplexity)
	f.registry.Register(provider)
	provider.On("Search", mock.Anything, mock.Anything, mock.Anything).
		Return(answer(espressoAnswer, "https://acme.com"), nil).Once()

	worker := f.scanWorker(0)

	f.newJob(t, "j1", "perplexity", "best espresso machine")
	require.NoError(t, worker.Process(ctx, "j1"))

	f.clock.Set(time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC))
	f.newJob(t, "j2", "perplexity", "Best espresso  machine")
	require.NoError(t, worker.Process(ctx, "j2"))

	provider.AssertNumberOfCalls(t, "Search", 1)

	first, err := f.results.GetByJobID(ctx, "j1")
	require.NoError(t, err)
	second, err := f.results.GetByJobID(ctx, "j2")
	require.NoError(t, err)

	assert.False(t, first.CacheHit)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.RawResponse, second.RawResponse)
	assert.Equal(t, first.Citations, second.Citations)
	assert.NotEqual(t, first.ID, second.ID)

	job, err := f.jobs.GetByID(ctx, "j2")
	require.NoError(t, err)
	assert.Equal(t, entities.JobStatusCompleted, job.Status)
}

func TestScanWorker_ReusesExistingCheckpoint(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	provider := NewMockSearchProvider(providers.EngineOpenAI)
	f.registry.Register(provider)

	f.newJob(t, "j1", "openai", "best espresso machine")
	// A previous attempt checkpointed and then crashed before completing
	checkpoint, created, err := f.results.InsertCheckpoint(ctx, &entities.ScanResult{
		ID:          "r1",
		JobID:       "j1",
		ProjectID:   "p1",
		KeywordID:   "k1",
		Engine:      "openai",
		RawResponse: espressoAnswer,
	})
	require.NoError(t, err)
	require.True(t, created)
	_, err = f.queue.Enqueue(ctx, providers.QueueAnalysis, []byte(`{}`), providers.EnqueueOptions{
		JobID: services.AnalysisJobID(checkpoint.ID),
	})
	require.NoError(t, err)

	require.NoError(t, f.scanWorker(0).Process(ctx, "j1"))

	provider.AssertNotCalled(t, "Search", mock.Anything, mock.Anything, mock.Anything)

	result, err := f.results.GetByJobID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "r1", result.ID)
	assert.Equal(t, espressoAnswer, result.RawResponse)

	stats, err := f.queue.Stats(ctx, providers.QueueAnalysis)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Ready, "analysis enqueue is deduplicated per result")

	job, err := f.jobs.GetByID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, entities.JobStatusCompleted, job.Status)
}

func TestScanWorker_CompletedRedeliveryIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	provider := NewMockSearchProvider(providers.EngineOpenAI)
	f.registry.Register(provider)
	provider.On("Search", mock.Anything, mock.Anything, mock.Anything).Return(answer(espressoAnswer), nil).Once()

	f.newJob(t, "j1", "openai", "q")
	worker := f.scanWorker(0)
	require.NoError(t, worker.Process(ctx, "j1"))

	before, err := f.jobs.GetByID(ctx, "j1")
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	require.NoError(t, worker.Process(ctx, "j1"))

	after, err := f.jobs.GetByID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, entities.JobStatusCompleted, after.Status)
	assert.Equal(t, before.Attempts, after.Attempts)
	assert.Equal(t, before.LatencyMs, after.LatencyMs)
	provider.AssertNumberOfCalls(t, "Search", 1)
}

func TestScanWorker_TimeoutThenRecover(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	provider := NewMockSearchProvider(providers.EngineOpenAI)
	f.registry.Register(provider)
	provider.On("Search", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { f.clock.Advance(30 * time.Second) }).
		Return(nil, providers.NewTransportError(providers.EngineOpenAI, "search", context.DeadlineExceeded)).Once()
	provider.On("Search", mock.Anything, mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { f.clock.Advance(1200 * time.Millisecond) }).
		Return(answer(espressoAnswer), nil).Once()

	f.newJob(t, "j1", "openai", "best espresso machine")
	worker := f.scanWorker(0)

	err := worker.Process(ctx, "j1")
	require.Error(t, err)
	assert.False(t, providers.IsPermanent(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	failed, err := f.jobs.GetByID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, entities.JobStatusFailed, failed.Status)
	assert.Equal(t, 1, failed.Attempts)
	assert.Contains(t, failed.ErrorMessage, "deadline exceeded")

	_, err = f.results.GetByJobID(ctx, "j1")
	assert.True(t, apperrors.IsNotFound(err), "no checkpoint without an answer")

	f.clock.Advance(10 * time.Second)
	require.NoError(t, worker.Process(ctx, "j1"))

	done, err := f.jobs.GetByID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, entities.JobStatusCompleted, done.Status)
	assert.Equal(t, 2, done.Attempts)
	assert.Equal(t, int64(1200), done.LatencyMs, "latency covers the successful attempt only")
	assert.Empty(t, done.ErrorMessage)
	provider.AssertExpectations(t)
}

func TestScanWorker_NonRetryableProviderError(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	provider := NewMockSearchProvider(providers.EngineOpenAI)
	f.registry.Register(provider)
	provider.On("Search", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, providers.NewStatusError(providers.EngineOpenAI, "search", 401, "invalid api key")).Once()

	f.newJob(t, "j1", "openai", "q")
	err := f.scanWorker(0).Process(ctx, "j1")
	require.Error(t, err)
	assert.True(t, providers.IsPermanent(err))

	job, err := f.jobs.GetByID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, entities.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorMessage, "invalid api key")

	stats, err := f.queue.Stats(ctx, providers.QueueAnalysis)
	require.NoError(t, err)
	assert.Zero(t, stats.Ready+stats.Delayed, "no analysis without a checkpoint")
}

func TestScanWorker_UnconfiguredEngine(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	f.newJob(t, "j1", "anthropic", "q")

	err := f.scanWorker(0).Process(ctx, "j1")
	require.Error(t, err)
	assert.True(t, providers.IsPermanent(err))

	job, err := f.jobs.GetByID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, entities.JobStatusFailed, job.Status)
}

// flakyJobStore fails MarkCompleted a fixed number of times
type flakyJobStore struct {
	repositories.ScanJobRepository
	failures int
}

func (s *flakyJobStore) MarkCompleted(ctx context.Context, job *entities.ScanJob) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("store unreachable")
	}
	return s.ScanJobRepository.MarkCompleted(ctx, job)
}

func TestScanWorker_CompletionWriteFailureMarksFailed(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	provider := NewMockSearchProvider(providers.EngineOpenAI)
	f.registry.Register(provider)
	provider.On("Search", mock.Anything, mock.Anything, mock.Anything).Return(answer(espressoAnswer), nil).Once()

	f.newJob(t, "j1", "openai", "q")
	jobs := &flakyJobStore{ScanJobRepository: f.jobs, failures: 1}
	worker := services.NewScanWorker(jobs, f.results, f.registry, f.cache, f.queue, nil, services.ScanWorkerConfig{
		Clock: f.clock.Now,
	})

	err := worker.Process(ctx, "j1")
	require.Error(t, err)
	assert.False(t, providers.IsPermanent(err))

	job, err := f.jobs.GetByID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, entities.JobStatusFailed, job.Status)
	assert.Equal(t, "store unreachable", job.ErrorMessage)

	_, err = f.results.GetByJobID(ctx, "j1")
	require.NoError(t, err, "checkpoint survives the failed write")

	require.NoError(t, worker.Process(ctx, "j1"))
	job, err = f.jobs.GetByID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, entities.JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.Attempts)
	provider.AssertNumberOfCalls(t, "Search", 1)
}

func TestScanWorker_MissingJobIsPermanent(t *testing.T) {
	f := newPipelineFixture(t)
	err := f.scanWorker(0).Process(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, providers.IsPermanent(err))
}

func TestScanWorker_Handle(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	provider := NewMockSearchProvider(providers.EngineOpenAI)
	f.registry.Register(provider)
	provider.On("Search", mock.Anything, mock.Anything, mock.Anything).Return(answer("a"), nil).Once()
	f.newJob(t, "j1", "openai", "q")
	worker := f.scanWorker(0)

	err := worker.Handle(ctx, &providers.Delivery{ID: "x", Payload: []byte("not json")})
	assert.True(t, providers.IsPermanent(err))

	err = worker.Handle(ctx, &providers.Delivery{ID: "y", Payload: []byte(`{"keyword_id":"k1"}`)})
	assert.True(t, providers.IsPermanent(err), "scan_job_id is required")

	payload, err := json.Marshal(entities.ScanJobPayload{ScanJobID: "j1", KeywordID: "k1", ProjectID: "p1"})
	require.NoError(t, err)
	require.NoError(t, worker.Handle(ctx, &providers.Delivery{ID: "j1", Queue: providers.QueueScan, Payload: payload}))

	job, err := f.jobs.GetByID(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, entities.JobStatusCompleted, job.Status)
}
