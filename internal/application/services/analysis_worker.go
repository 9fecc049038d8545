package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/aivisibility/internal/domain/entities"
	"github.com/zatekoja/aivisibility/internal/domain/providers"
	"github.com/zatekoja/aivisibility/internal/domain/repositories"
	"github.com/zatekoja/aivisibility/internal/infrastructure/observability"
	apperrors "github.com/zatekoja/aivisibility/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

// AnalysisWorker runs the analysis stage on checkpointed results.
// It only ever writes the analysis fields of a result.
type AnalysisWorker struct {
	jobs    repositories.ScanJobRepository
	results repositories.ScanResultRepository
	scorer  Scorer
	events  providers.EventBus
	now     func() time.Time
}

// NewAnalysisWorker creates an analysis worker. events may be nil.
func NewAnalysisWorker(
	jobs repositories.ScanJobRepository,
	results repositories.ScanResultRepository,
	scorer Scorer,
	events providers.EventBus,
) *AnalysisWorker {
	if scorer == nil {
		scorer = NewHeuristicScorer()
	}
	return &AnalysisWorker{
		jobs:    jobs,
		results: results,
		scorer:  scorer,
		events:  events,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Handle processes one analysis queue delivery
func (w *AnalysisWorker) Handle(ctx context.Context, d *providers.Delivery) error {
	payload, err := entities.DecodePayload[entities.AnalysisJobPayload](d.Payload)
	if err != nil {
		return providers.Permanent(err)
	}
	return w.Process(ctx, payload)
}

// Process analyzes the result named by payload unless it was analyzed already
func (w *AnalysisWorker) Process(ctx context.Context, payload entities.AnalysisJobPayload) error {
	ctx, span := observability.StartSpan(ctx, "analysis_worker.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("scan.job_id", payload.ScanJobID),
		attribute.String("scan.result_id", payload.ScanResultID),
	)

	result, err := w.results.GetByID(ctx, payload.ScanResultID)
	if err != nil {
		if apperrors.IsNotFound(err) {
			// Analysis is only enqueued after a checkpoint, so this is a logic error
			return providers.Permanent(fmt.Errorf("analysis of missing scan result %s: %w", payload.ScanResultID, err))
		}
		return err
	}
	if result.JobID != payload.ScanJobID {
		return providers.Permanent(fmt.Errorf("scan result %s belongs to job %s, not %s", result.ID, result.JobID, payload.ScanJobID))
	}

	logger := log.With().Str("job_id", result.JobID).Str("scan_result_id", result.ID).Str("engine", result.Engine).Logger()

	if result.IsAnalyzed() {
		logger.Debug().Msg("Scan result already analyzed, skipping")
		return nil
	}

	analysis, err := w.scorer.Score(ctx, ScoreInput{
		ScanResultID: result.ID,
		Content:      result.RawResponse,
		Citations:    result.Citations,
		Brand:        payload.Brand,
		Competitors:  payload.Competitors,
	})
	if err != nil {
		observability.RecordError(span, err)
		logger.Warn().Err(err).Msg("Scoring failed")
		return err
	}
	analysis.ScanResultID = result.ID

	saved, err := w.results.SaveAnalysis(ctx, analysis, w.now())
	if err != nil {
		return err
	}
	if !saved {
		logger.Debug().Msg("Scan result analyzed concurrently, keeping first analysis")
		return nil
	}

	logger.Info().
		Bool("brand_visibility", analysis.BrandVisibility).
		Float64("sentiment_score", analysis.SentimentScore).
		Str("recommendation_type", string(analysis.RecommendationType)).
		Msg("Scan result analyzed")

	if w.events != nil {
		if job, err := w.jobs.GetByID(ctx, result.JobID); err == nil {
			publishEvent(ctx, w.events, job, entities.StageAnalysis)
		}
	}
	return nil
}
