package services_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/aivisibility/internal/application/services"
	"github.com/zatekoja/aivisibility/internal/domain/entities"
	"github.com/zatekoja/aivisibility/internal/domain/providers"
	apperrors "github.com/zatekoja/aivisibility/pkg/errors"
)

func (f *pipelineFixture) scanService() *services.ScanService {
	return services.NewScanService(f.projects, f.keywords, f.jobs, f.results, f.queue, nil)
}

func TestScanService_RequestScan(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	f.seed(t, "best espresso machine")

	job, err := f.scanService().RequestScan(ctx, services.ScanRequest{KeywordID: "k1", Engine: "OpenAI"})
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, entities.JobStatusPending, job.Status)
	assert.Equal(t, "openai", job.Engine)
	assert.Equal(t, "best espresso machine", job.Query)
	assert.Equal(t, "Acme", job.Brand)
	assert.Equal(t, []string{"Beta"}, job.Competitors)
	assert.Equal(t, "US", job.Country)

	stored, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.JobStatusPending, stored.Status)

	d, err := f.queue.Reserve(ctx, providers.QueueScan)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, job.ID, d.ID)
	payload, err := entities.DecodePayload[entities.ScanJobPayload](d.Payload)
	require.NoError(t, err)
	assert.Equal(t, job.ID, payload.ScanJobID)
	assert.Equal(t, "p1", payload.ProjectID)
}

func TestScanService_RequestScanValidation(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	f.seed(t, "q")
	svc := f.scanService()

	_, err := svc.RequestScan(ctx, services.ScanRequest{Engine: "openai"})
	assert.True(t, apperrors.IsValidation(err))

	_, err = svc.RequestScan(ctx, services.ScanRequest{KeywordID: "k1", Engine: "bing"})
	assert.True(t, apperrors.IsValidation(err))

	_, err = svc.RequestScan(ctx, services.ScanRequest{KeywordID: "nope", Engine: "openai"})
	assert.True(t, apperrors.IsNotFound(err))
}

func TestScanService_RequestKeywordScans(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	f.seed(t, "best espresso machine")
	now := time.Now().UTC()
	require.NoError(t, f.keywords.Create(ctx, &entities.Keyword{
		ID: "k2", ProjectID: "p1", Query: "best grinder", IsActive: true, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, f.keywords.Create(ctx, &entities.Keyword{
		ID: "k3", ProjectID: "p1", Query: "retired question", IsActive: false, CreatedAt: now, UpdatedAt: now,
	}))

	jobs, err := f.scanService().RequestKeywordScans(ctx, "p1", []string{"openai", "perplexity"})
	require.NoError(t, err)
	assert.Len(t, jobs, 4, "two active keywords on two engines")

	stats, err := f.queue.Stats(ctx, providers.QueueScan)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Ready)

	_, err = f.scanService().RequestKeywordScans(ctx, "p1", nil)
	assert.True(t, apperrors.IsValidation(err))

	_, err = f.scanService().RequestKeywordScans(ctx, "p1", []string{"openai", "altavista"})
	assert.True(t, apperrors.IsValidation(err))
}

func TestScanService_RerunScan(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	f.seed(t, "q")
	svc := f.scanService()

	job, err := svc.RequestScan(ctx, services.ScanRequest{KeywordID: "k1", Engine: "openai"})
	require.NoError(t, err)

	_, err = svc.RerunScan(ctx, job.ID)
	assert.True(t, apperrors.IsConflict(err), "pending jobs cannot be re-run")

	// Fail the job the way a worker would
	d, err := f.queue.Reserve(ctx, providers.QueueScan)
	require.NoError(t, err)
	_, err = f.queue.Fail(ctx, d, providers.Permanent(errors.New("invalid api key")))
	require.NoError(t, err)
	require.NoError(t, job.Start(time.Now().UTC()))
	_, err = f.jobs.MarkProcessing(ctx, job)
	require.NoError(t, err)
	require.NoError(t, job.Fail(time.Now().UTC(), errors.New("invalid api key")))
	require.NoError(t, f.jobs.MarkFailed(ctx, job))

	rerun, err := svc.RerunScan(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.JobStatusPending, rerun.Status)
	assert.Zero(t, rerun.Attempts)
	assert.Empty(t, rerun.ErrorMessage)

	stored, err := f.jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.JobStatusPending, stored.Status)
	assert.Zero(t, stored.Attempts)

	stats, err := f.queue.Stats(ctx, providers.QueueScan)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Ready, "re-run is enqueued although the old delivery is dead")
	assert.Equal(t, int64(1), stats.Dead)

	_, err = svc.RerunScan(ctx, job.ID)
	assert.True(t, apperrors.IsConflict(err))
}

func TestScanService_ReanalyzeScan(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	job, result := checkpointed(t, f, espressoAnswer)
	require.NoError(t, services.NewAnalysisWorker(f.jobs, f.results, nil, nil).Process(ctx, analysisPayload(job, result)))

	svc := f.scanService()
	require.NoError(t, svc.ReanalyzeScan(ctx, result.ID))
	require.NoError(t, svc.ReanalyzeScan(ctx, result.ID))

	stored, err := f.results.GetByID(ctx, result.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsAnalyzed())
	assert.Equal(t, espressoAnswer, stored.RawResponse)

	stats, err := f.queue.Stats(ctx, providers.QueueAnalysis)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Ready, "each explicit re-analysis is its own job")

	err = svc.ReanalyzeScan(ctx, "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestScanService_ReanalyzeScanKeepsAnalysisWhenEnqueueFails(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	job, result := checkpointed(t, f, espressoAnswer)
	require.NoError(t, services.NewAnalysisWorker(f.jobs, f.results, nil, nil).Process(ctx, analysisPayload(job, result)))

	before, err := f.results.GetByID(ctx, result.ID)
	require.NoError(t, err)
	require.True(t, before.IsAnalyzed())

	closed := newTestQueue()
	require.NoError(t, closed.Close())
	svc := services.NewScanService(f.projects, f.keywords, f.jobs, f.results, closed, nil)

	err = svc.ReanalyzeScan(ctx, result.ID)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeInternal))

	after, err := f.results.GetByID(ctx, result.ID)
	require.NoError(t, err)
	require.True(t, after.IsAnalyzed(), "analysis is put back")
	assert.Equal(t, before.RecommendationType, after.RecommendationType)
	assert.Equal(t, *before.BrandVisibility, *after.BrandVisibility)
	assert.InDelta(t, *before.SentimentScore, *after.SentimentScore, 1e-9)
	assert.Equal(t, before.AnalysisJSON, after.AnalysisJSON)
}

func TestScanService_GetAndListScans(t *testing.T) {
	ctx := context.Background()
	f := newPipelineFixture(t)
	job, result := checkpointed(t, f, espressoAnswer)
	pending := f.newJob(t, "j2", "gemini", "q")
	svc := f.scanService()

	record, err := svc.GetScan(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.JobStatusCompleted, record.Job.Status)
	require.NotNil(t, record.Result)
	assert.Equal(t, result.ID, record.Result.ID)

	record, err = svc.GetScan(ctx, pending.ID)
	require.NoError(t, err)
	assert.Nil(t, record.Result)

	_, err = svc.GetScan(ctx, "missing")
	assert.True(t, apperrors.IsNotFound(err))

	records, err := svc.ListScans(ctx, "p1", 0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	byID := map[string]*entities.ScanRecord{}
	for _, r := range records {
		byID[r.Job.ID] = r
	}
	require.NotNil(t, byID["j1"].Result)
	assert.Nil(t, byID["j2"].Result)

	records, err = svc.ListScans(ctx, "p1", 1)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	_, err = svc.ListScans(ctx, "", 10)
	assert.True(t, apperrors.IsValidation(err))
}
