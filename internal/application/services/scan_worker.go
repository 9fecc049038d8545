package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/zatekoja/aivisibility/internal/domain/entities"
	"github.com/zatekoja/aivisibility/internal/domain/providers"
	"github.com/zatekoja/aivisibility/internal/domain/repositories"
	"github.com/zatekoja/aivisibility/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/aivisibility/pkg/errors"
	"github.com/zatekoja/aivisibility/pkg/ratelimit"
	"go.opentelemetry.io/otel/attribute"
)

// ScanWorkerConfig tunes the scan stage
type ScanWorkerConfig struct {
	// AnalysisDelay postpones the analysis job after a checkpoint
	AnalysisDelay time.Duration

	// SearchOptions are applied to every provider call; geo context comes from the job
	SearchOptions entities.SearchOptions

	// DefaultCountry is used when a job has no geo context
	DefaultCountry string

	// CallLimiter caps provider calls of the stage in any rolling window. Nil means no cap.
	CallLimiter *ratelimit.Window

	// Clock defaults to time.Now in UTC
	Clock func() time.Time
}

// ScanWorker runs the scan stage: provider call, cache, checkpoint, analysis enqueue
type ScanWorker struct {
	jobs      repositories.ScanJobRepository
	results   repositories.ScanResultRepository
	providers providers.ProviderResolver
	cache     *SemanticCache
	queue     providers.JobQueue
	events    providers.EventBus
	cfg       ScanWorkerConfig
	now       func() time.Time
}

// NewScanWorker creates a scan worker. events may be nil.
func NewScanWorker(
	jobs repositories.ScanJobRepository,
	results repositories.ScanResultRepository,
	resolver providers.ProviderResolver,
	cache *SemanticCache,
	queue providers.JobQueue,
	events providers.EventBus,
	cfg ScanWorkerConfig,
) *ScanWorker {
	now := cfg.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &ScanWorker{
		jobs:      jobs,
		results:   results,
		providers: resolver,
		cache:     cache,
		queue:     queue,
		events:    events,
		cfg:       cfg,
		now:       now,
	}
}

// Handle processes one scan queue delivery
func (w *ScanWorker) Handle(ctx context.Context, d *providers.Delivery) error {
	payload, err := entities.DecodePayload[entities.ScanJobPayload](d.Payload)
	if err != nil {
		return providers.Permanent(err)
	}
	return w.Process(ctx, payload.ScanJobID)
}

// Process runs one attempt of a scan job
func (w *ScanWorker) Process(ctx context.Context, jobID string) error {
	ctx, span := observability.StartSpan(ctx, "scan_worker.process")
	defer span.End()
	span.SetAttributes(attribute.String("scan.job_id", jobID))

	job, err := w.jobs.GetByID(ctx, jobID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return providers.Permanent(err)
		}
		return err
	}

	logger := log.With().Str("job_id", job.ID).Str("engine", job.Engine).Str("keyword_id", job.KeywordID).Logger()

	if job.Status == entities.JobStatusCompleted {
		logger.Debug().Msg("Scan job already completed, skipping redelivery")
		return nil
	}

	if err := job.Start(w.now()); err != nil {
		return providers.Permanent(err)
	}
	claimed, err := w.jobs.MarkProcessing(ctx, job)
	if err != nil {
		return err
	}
	if !claimed {
		logger.Debug().Msg("Scan job completed concurrently, skipping")
		return nil
	}
	w.publish(ctx, job)

	result, err := w.scan(ctx, job)
	if err != nil {
		observability.RecordError(span, err)
		w.fail(ctx, job, err)
		if !providers.IsRetryable(err) {
			return providers.Permanent(err)
		}
		return err
	}

	// Completed on a copy so a failed write can still move the job to failed
	completed := *job
	if err := completed.Complete(w.now()); err != nil {
		w.fail(ctx, job, err)
		return err
	}
	if err := w.jobs.MarkCompleted(ctx, &completed); err != nil {
		observability.RecordError(span, err)
		w.fail(ctx, job, err)
		return err
	}
	*job = completed
	w.publish(ctx, job)

	logger.Info().
		Int("attempt", job.Attempts).
		Int64("latency_ms", job.LatencyMs).
		Bool("cache_hit", result.CacheHit).
		Str("scan_result_id", result.ID).
		Msg("Scan job completed")
	return nil
}

// scan produces the checkpoint and hands it to the analysis stage
func (w *ScanWorker) scan(ctx context.Context, job *entities.ScanJob) (*entities.ScanResult, error) {
	checkpoint, err := w.results.GetByJobID(ctx, job.ID)
	switch {
	case err == nil:
		// Checkpointed by an earlier attempt that failed after the insert
	case apperrors.IsNotFound(err):
		checkpoint, err = w.search(ctx, job)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	if err := w.enqueueAnalysis(ctx, job, checkpoint); err != nil {
		return nil, err
	}
	return checkpoint, nil
}

func (w *ScanWorker) search(ctx context.Context, job *entities.ScanJob) (*entities.ScanResult, error) {
	engine, err := providers.ParseEngine(job.Engine)
	if err != nil {
		return nil, providers.Permanent(err)
	}

	var (
		content   string
		citations []entities.Citation
		model     string
		cacheHit  bool
	)
	if entry, ok := w.cache.Get(ctx, job.Query, engine); ok {
		content, citations, model, cacheHit = entry.Content, entry.Citations, entry.Model, true
	} else {
		provider, err := w.providers.Get(engine)
		if err != nil {
			return nil, providers.Permanent(err)
		}

		opts := w.cfg.SearchOptions
		opts.Geo = job.GeoContext()
		if opts.Geo == nil && w.cfg.DefaultCountry != "" {
			opts.Geo = &entities.GeoContext{Country: w.cfg.DefaultCountry}
		}

		if err := w.cfg.CallLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for %s call slot: %w", engine, err)
		}
		searchCtx, span := observability.StartSpan(ctx, "provider.search")
		span.SetAttributes(attribute.String("ai.provider", string(engine)))
		res, err := provider.Search(searchCtx, job.Query, &opts)
		observability.RecordError(span, err)
		span.End()
		if err != nil {
			return nil, err
		}

		w.cache.Set(ctx, job.Query, engine, res)
		content, citations, model = res.Content, res.Citations, res.Model
	}

	stored, created, err := w.results.InsertCheckpoint(ctx, &entities.ScanResult{
		ID:          uuid.New().String(),
		JobID:       job.ID,
		ProjectID:   job.ProjectID,
		KeywordID:   job.KeywordID,
		Engine:      string(engine),
		Model:       model,
		RawResponse: content,
		Citations:   citations,
		CacheHit:    cacheHit,
		CreatedAt:   w.now(),
	})
	if err != nil {
		return nil, err
	}
	if !created {
		log.Debug().Str("job_id", job.ID).Str("scan_result_id", stored.ID).Msg("Checkpoint already existed, reusing")
	}
	return stored, nil
}

func (w *ScanWorker) enqueueAnalysis(ctx context.Context, job *entities.ScanJob, result *entities.ScanResult) error {
	_, err := providers.EnqueueJSON(ctx, w.queue, providers.QueueAnalysis, entities.AnalysisJobPayload{
		ScanJobID:    job.ID,
		ScanResultID: result.ID,
		KeywordID:    job.KeywordID,
		Brand:        job.Brand,
		Competitors:  job.Competitors,
	}, providers.EnqueueOptions{
		Delay: w.cfg.AnalysisDelay,
		JobID: AnalysisJobID(result.ID),
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue analysis for result %s: %w", result.ID, err)
	}
	return nil
}

func (w *ScanWorker) fail(ctx context.Context, job *entities.ScanJob, cause error) {
	logger := log.With().Str("job_id", job.ID).Str("engine", job.Engine).Int("attempt", job.Attempts).Logger()

	if err := job.Fail(w.now(), cause); err != nil {
		logger.Error().Err(err).Msg("Failed to mark scan job failed")
		return
	}
	// The handler context may be the one that expired
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.jobs.MarkFailed(persistCtx, job); err != nil {
		logger.Error().Err(err).Msg("Failed to persist scan job failure")
		return
	}
	w.publish(persistCtx, job)
	logger.Warn().Err(cause).Msg("Scan job failed")
}

func (w *ScanWorker) publish(ctx context.Context, job *entities.ScanJob) {
	publishEvent(ctx, w.events, job, entities.StageScan)
}

// AnalysisJobID is the queue job id of the analysis of a result; it deduplicates enqueues
func AnalysisJobID(scanResultID string) string {
	return "analysis:" + scanResultID
}

func publishEvent(ctx context.Context, bus providers.EventBus, job *entities.ScanJob, stage entities.PipelineStage) {
	if bus == nil {
		return
	}
	event := entities.NewJobEvent(job, stage)
	for _, channel := range []string{providers.EventChannelScanJobs, providers.GetProjectChannel(job.ProjectID)} {
		if err := bus.Publish(ctx, channel, event); err != nil {
			log.Warn().Err(err).Str("job_id", job.ID).Str("channel", channel).Msg("Failed to publish job event")
		}
	}
}
