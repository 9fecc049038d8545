package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/zatekoja/aivisibility/internal/domain/entities"
	"github.com/zatekoja/aivisibility/internal/domain/repositories"
	"github.com/zatekoja/aivisibility/internal/infrastructure/clients/sqldb"
	apperrors "github.com/zatekoja/aivisibility/pkg/errors"
)

const scanResultsTable = "scan_results"

var scanResultColumns = []interface{}{
	"id", "job_id", "project_id", "keyword_id", "engine", "model", "raw_response",
	"citations", "cache_hit", "created_at", "brand_visibility", "sentiment_score",
	"recommendation_type", "analysis_json", "analyzed_at",
}

type scanResultRow struct {
	ID                 string          `db:"id"`
	JobID              string          `db:"job_id"`
	ProjectID          string          `db:"project_id"`
	KeywordID          string          `db:"keyword_id"`
	Engine             string          `db:"engine"`
	Model              string          `db:"model"`
	RawResponse        string          `db:"raw_response"`
	Citations          string          `db:"citations"`
	CacheHit           bool            `db:"cache_hit"`
	CreatedAt          time.Time       `db:"created_at"`
	BrandVisibility    sql.NullBool    `db:"brand_visibility"`
	SentimentScore     sql.NullFloat64 `db:"sentiment_score"`
	RecommendationType sql.NullString  `db:"recommendation_type"`
	AnalysisJSON       sql.NullString  `db:"analysis_json"`
	AnalyzedAt         sql.NullTime    `db:"analyzed_at"`
}

func (r *scanResultRow) toEntity() *entities.ScanResult {
	result := &entities.ScanResult{
		ID:                 r.ID,
		JobID:              r.JobID,
		ProjectID:          r.ProjectID,
		KeywordID:          r.KeywordID,
		Engine:             r.Engine,
		Model:              r.Model,
		RawResponse:        r.RawResponse,
		CacheHit:           r.CacheHit,
		CreatedAt:          r.CreatedAt,
		RecommendationType: entities.RecommendationType(r.RecommendationType.String),
		AnalysisJSON:       r.AnalysisJSON.String,
	}
	if r.Citations != "" {
		if err := json.Unmarshal([]byte(r.Citations), &result.Citations); err != nil {
			log.Warn().Err(err).Str("scan_result_id", r.ID).Msg("Failed to decode stored citations")
			result.Citations = nil
		}
	}
	if r.BrandVisibility.Valid {
		v := r.BrandVisibility.Bool
		result.BrandVisibility = &v
	}
	if r.SentimentScore.Valid {
		v := r.SentimentScore.Float64
		result.SentimentScore = &v
	}
	if r.AnalyzedAt.Valid {
		t := r.AnalyzedAt.Time
		result.AnalyzedAt = &t
	}
	return result
}

// ScanResultAdapter implements ScanResultRepository
type ScanResultAdapter struct {
	client *sqldb.Client
	db     goqu.DialectWrapper
}

// NewScanResultAdapter creates a new scan result adapter
func NewScanResultAdapter(client *sqldb.Client) repositories.ScanResultRepository {
	return &ScanResultAdapter{
		client: client,
		db:     client.Builder(),
	}
}

// InsertCheckpoint inserts the raw answer of a job, or returns the checkpoint
// the job already has
func (a *ScanResultAdapter) InsertCheckpoint(ctx context.Context, result *entities.ScanResult) (*entities.ScanResult, bool, error) {
	if result == nil || result.JobID == "" {
		return nil, false, apperrors.NewValidationError("scan result with job id is required")
	}
	if result.ID == "" {
		result.ID = uuid.New().String()
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}
	if result.Citations == nil {
		result.Citations = []entities.Citation{}
	}

	citations, err := json.Marshal(result.Citations)
	if err != nil {
		return nil, false, apperrors.NewInternalError("failed to encode citations", err)
	}

	query, args, err := a.db.Insert(scanResultsTable).Rows(goqu.Record{
		"id":           result.ID,
		"job_id":       result.JobID,
		"project_id":   result.ProjectID,
		"keyword_id":   result.KeywordID,
		"engine":       result.Engine,
		"model":        result.Model,
		"raw_response": result.RawResponse,
		"citations":    string(citations),
		"cache_hit":    result.CacheHit,
		"created_at":   result.CreatedAt,
	}).OnConflict(goqu.DoNothing()).Prepared(true).ToSQL()
	if err != nil {
		return nil, false, apperrors.NewInternalError("failed to build checkpoint insert", err)
	}

	res, err := a.client.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return nil, false, apperrors.NewInternalError("failed to insert checkpoint", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, apperrors.NewInternalError("failed to read affected rows", err)
	}

	stored, err := a.GetByJobID(ctx, result.JobID)
	if err != nil {
		return nil, false, err
	}
	return stored, n > 0, nil
}

// GetByID retrieves a result by ID
func (a *ScanResultAdapter) GetByID(ctx context.Context, id string) (*entities.ScanResult, error) {
	return a.getOne(ctx, goqu.Ex{"id": id}, fmt.Sprintf("scan result with id %s not found", id))
}

// GetByJobID retrieves the checkpoint of a job
func (a *ScanResultAdapter) GetByJobID(ctx context.Context, jobID string) (*entities.ScanResult, error) {
	return a.getOne(ctx, goqu.Ex{"job_id": jobID}, fmt.Sprintf("scan result for job %s not found", jobID))
}

func (a *ScanResultAdapter) getOne(ctx context.Context, where goqu.Ex, notFound string) (*entities.ScanResult, error) {
	query, args, err := a.db.From(scanResultsTable).
		Select(scanResultColumns...).
		Where(where).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build scan result query", err)
	}

	var row scanResultRow
	err = a.client.DB().GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError(notFound)
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to get scan result", err)
	}
	return row.toEntity(), nil
}

// ListByJobIDs retrieves the checkpoints of several jobs
func (a *ScanResultAdapter) ListByJobIDs(ctx context.Context, jobIDs []string) ([]*entities.ScanResult, error) {
	if len(jobIDs) == 0 {
		return []*entities.ScanResult{}, nil
	}

	query, args, err := a.db.From(scanResultsTable).
		Select(scanResultColumns...).
		Where(goqu.Ex{"job_id": jobIDs}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build scan result list query", err)
	}

	var rows []scanResultRow
	if err := a.client.DB().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apperrors.NewInternalError("failed to list scan results", err)
	}

	results := make([]*entities.ScanResult, 0, len(rows))
	for i := range rows {
		results = append(results, rows[i].toEntity())
	}
	return results, nil
}

// SaveAnalysis writes the analysis fields once
func (a *ScanResultAdapter) SaveAnalysis(ctx context.Context, analysis *entities.AnalysisResult, analyzedAt time.Time) (bool, error) {
	if analysis == nil || analysis.ScanResultID == "" {
		return false, apperrors.NewValidationError("analysis with scan result id is required")
	}

	var analysisJSON interface{}
	if analysis.AnalysisJSON != "" {
		analysisJSON = analysis.AnalysisJSON
	}

	query, args, err := a.db.Update(scanResultsTable).
		Set(goqu.Record{
			"brand_visibility":    analysis.BrandVisibility,
			"sentiment_score":     analysis.SentimentScore,
			"recommendation_type": string(analysis.RecommendationType),
			"analysis_json":       analysisJSON,
			"analyzed_at":         analyzedAt.UTC(),
		}).
		Where(goqu.C("id").Eq(analysis.ScanResultID), goqu.C("analyzed_at").IsNull()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return false, apperrors.NewInternalError("failed to build analysis update", err)
	}

	res, err := a.client.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return false, apperrors.NewInternalError("failed to save analysis", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.NewInternalError("failed to read affected rows", err)
	}
	if n > 0 {
		return true, nil
	}

	// Either already analyzed or missing.
	if _, err := a.GetByID(ctx, analysis.ScanResultID); err != nil {
		return false, err
	}
	return false, nil
}

// ResetAnalysis clears the analysis fields of a result
func (a *ScanResultAdapter) ResetAnalysis(ctx context.Context, resultID string) error {
	query, args, err := a.db.Update(scanResultsTable).
		Set(goqu.Record{
			"brand_visibility":    nil,
			"sentiment_score":     nil,
			"recommendation_type": nil,
			"analysis_json":       nil,
			"analyzed_at":         nil,
		}).
		Where(goqu.Ex{"id": resultID}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build analysis reset", err)
	}

	res, err := a.client.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return apperrors.NewInternalError("failed to reset analysis", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return apperrors.NewNotFoundError(fmt.Sprintf("scan result with id %s not found", resultID))
	}
	return nil
}

var _ repositories.ScanResultRepository = (*ScanResultAdapter)(nil)
