package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/zatekoja/aivisibility/internal/domain/entities"
	"github.com/zatekoja/aivisibility/internal/domain/providers"
	"github.com/zatekoja/aivisibility/internal/domain/repositories"
	apperrors "github.com/zatekoja/aivisibility/pkg/errors"
)

const defaultListLimit = 50

// ScanRequest asks for one keyword to be scanned on one engine
type ScanRequest struct {
	KeywordID string `json:"keyword_id"`
	Engine    string `json:"engine"`
}

// ScanService creates scan jobs and exposes their state
type ScanService struct {
	projects repositories.ProjectRepository
	keywords repositories.KeywordRepository
	jobs     repositories.ScanJobRepository
	results  repositories.ScanResultRepository
	queue    providers.JobQueue
	events   providers.EventBus
	now      func() time.Time
}

// NewScanService creates a new scan service. events may be nil.
func NewScanService(
	projects repositories.ProjectRepository,
	keywords repositories.KeywordRepository,
	jobs repositories.ScanJobRepository,
	results repositories.ScanResultRepository,
	queue providers.JobQueue,
	events providers.EventBus,
) *ScanService {
	return &ScanService{
		projects: projects,
		keywords: keywords,
		jobs:     jobs,
		results:  results,
		queue:    queue,
		events:   events,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// RequestScan persists a pending job for the keyword and engine and enqueues it
func (s *ScanService) RequestScan(ctx context.Context, req ScanRequest) (*entities.ScanJob, error) {
	if req.KeywordID == "" {
		return nil, apperrors.NewValidationError("keyword_id is required")
	}
	engine, err := providers.ParseEngine(req.Engine)
	if err != nil {
		return nil, apperrors.NewValidationError(err.Error())
	}

	keyword, err := s.keywords.GetByID(ctx, req.KeywordID)
	if err != nil {
		return nil, err
	}
	project, err := s.projects.GetByID(ctx, keyword.ProjectID)
	if err != nil {
		return nil, err
	}
	return s.createAndEnqueue(ctx, project, keyword, engine)
}

// RequestKeywordScans fans out one job per active keyword of the project and engine.
// Jobs created before a failure are returned along with the error.
func (s *ScanService) RequestKeywordScans(ctx context.Context, projectID string, engines []string) ([]*entities.ScanJob, error) {
	if len(engines) == 0 {
		return nil, apperrors.NewValidationError("at least one engine is required")
	}
	parsed := make([]providers.Engine, 0, len(engines))
	for _, tag := range engines {
		engine, err := providers.ParseEngine(tag)
		if err != nil {
			return nil, apperrors.NewValidationError(err.Error())
		}
		parsed = append(parsed, engine)
	}

	project, err := s.projects.GetByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	keywords, err := s.keywords.ListActiveByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}

	jobs := make([]*entities.ScanJob, 0, len(keywords)*len(parsed))
	var errs []error
	for _, keyword := range keywords {
		for _, engine := range parsed {
			job, err := s.createAndEnqueue(ctx, project, keyword, engine)
			if err != nil {
				errs = append(errs, fmt.Errorf("keyword %s on %s: %w", keyword.ID, engine, err))
				continue
			}
			jobs = append(jobs, job)
		}
	}

	log.Info().
		Str("project_id", projectID).
		Int("keywords", len(keywords)).
		Int("jobs", len(jobs)).
		Int("failed", len(errs)).
		Msg("Keyword scans requested")
	return jobs, errors.Join(errs...)
}

func (s *ScanService) createAndEnqueue(ctx context.Context, project *entities.Project, keyword *entities.Keyword, engine providers.Engine) (*entities.ScanJob, error) {
	now := s.now()
	job := &entities.ScanJob{
		ID:          uuid.New().String(),
		ProjectID:   project.ID,
		KeywordID:   keyword.ID,
		Engine:      string(engine),
		Query:       keyword.Query,
		Brand:       project.Brand,
		Competitors: project.Competitors,
		Country:     keyword.Country,
		Location:    keyword.Location,
		Status:      entities.JobStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, err
	}
	if err := s.enqueueScan(ctx, job, job.ID); err != nil {
		return nil, err
	}
	publishEvent(ctx, s.events, job, entities.StageScan)
	return job, nil
}

// RerunScan resets a failed job to pending and enqueues it again
func (s *ScanService) RerunScan(ctx context.Context, jobID string) (*entities.ScanJob, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := job.Rerun(s.now()); err != nil {
		return nil, apperrors.NewConflictError(err.Error())
	}

	reset, err := s.jobs.ResetForRerun(ctx, job)
	if err != nil {
		return nil, err
	}
	if !reset {
		return nil, apperrors.NewConflictError(fmt.Sprintf("scan job %s is no longer failed", jobID))
	}

	// A fresh queue id: the failed delivery may still sit in the dead letter list
	if err := s.enqueueScan(ctx, job, ""); err != nil {
		return nil, err
	}
	publishEvent(ctx, s.events, job, entities.StageScan)
	log.Info().Str("job_id", job.ID).Msg("Scan job re-run requested")
	return job, nil
}

// ReanalyzeScan clears the analysis of a result and enqueues a new analysis job
func (s *ScanService) ReanalyzeScan(ctx context.Context, resultID string) error {
	result, err := s.results.GetByID(ctx, resultID)
	if err != nil {
		return err
	}
	job, err := s.jobs.GetByID(ctx, result.JobID)
	if err != nil {
		return err
	}

	if err := s.results.ResetAnalysis(ctx, result.ID); err != nil {
		return err
	}

	_, err = providers.EnqueueJSON(ctx, s.queue, providers.QueueAnalysis, entities.AnalysisJobPayload{
		ScanJobID:    job.ID,
		ScanResultID: result.ID,
		KeywordID:    job.KeywordID,
		Brand:        job.Brand,
		Competitors:  job.Competitors,
	}, providers.EnqueueOptions{
		JobID: AnalysisJobID(result.ID) + ":" + uuid.New().String(),
	})
	if err != nil {
		s.restoreAnalysis(ctx, result)
		return apperrors.NewInternalError("failed to enqueue analysis", err)
	}
	log.Info().Str("job_id", job.ID).Str("scan_result_id", result.ID).Msg("Re-analysis requested")
	return nil
}

// restoreAnalysis puts back the analysis cleared by a re-analysis that could not be enqueued
func (s *ScanService) restoreAnalysis(ctx context.Context, result *entities.ScanResult) {
	previous := result.Analysis()
	if previous == nil {
		return
	}
	// The request context may be the reason the enqueue failed
	restoreCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := s.results.SaveAnalysis(restoreCtx, previous, *result.AnalyzedAt); err != nil {
		log.Error().Err(err).Str("scan_result_id", result.ID).Msg("Failed to restore analysis after re-analysis enqueue failure")
	}
}

// GetScan returns a job with its checkpoint, if any
func (s *ScanService) GetScan(ctx context.Context, jobID string) (*entities.ScanRecord, error) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	record := &entities.ScanRecord{Job: job}
	result, err := s.results.GetByJobID(ctx, jobID)
	switch {
	case err == nil:
		record.Result = result
	case !apperrors.IsNotFound(err):
		return nil, err
	}
	return record, nil
}

// ListScans returns the most recent jobs of a project with their checkpoints
func (s *ScanService) ListScans(ctx context.Context, projectID string, limit int) ([]*entities.ScanRecord, error) {
	if projectID == "" {
		return nil, apperrors.NewValidationError("project_id is required")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}

	jobs, err := s.jobs.ListByProject(ctx, projectID, limit)
	if err != nil {
		return nil, err
	}

	ids := make([]string, len(jobs))
	for i, job := range jobs {
		ids[i] = job.ID
	}
	results, err := s.results.ListByJobIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byJob := make(map[string]*entities.ScanResult, len(results))
	for _, r := range results {
		byJob[r.JobID] = r
	}

	records := make([]*entities.ScanRecord, len(jobs))
	for i, job := range jobs {
		records[i] = &entities.ScanRecord{Job: job, Result: byJob[job.ID]}
	}
	return records, nil
}

func (s *ScanService) enqueueScan(ctx context.Context, job *entities.ScanJob, queueID string) error {
	_, err := providers.EnqueueJSON(ctx, s.queue, providers.QueueScan, entities.ScanJobPayload{
		ScanJobID: job.ID,
		KeywordID: job.KeywordID,
		ProjectID: job.ProjectID,
	}, providers.EnqueueOptions{JobID: queueID})
	if err != nil {
		return apperrors.NewInternalError("failed to enqueue scan job", err)
	}
	return nil
}
