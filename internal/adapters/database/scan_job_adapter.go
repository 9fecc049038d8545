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
	"github.com/zatekoja/aivisibility/internal/domain/entities"
	"github.com/zatekoja/aivisibility/internal/domain/repositories"
	"github.com/zatekoja/aivisibility/internal/infrastructure/clients/sqldb"
	apperrors "github.com/zatekoja/aivisibility/pkg/errors"
)

const scanJobsTable = "scan_jobs"

var scanJobColumns = []interface{}{
	"id", "project_id", "keyword_id", "engine", "query", "brand", "competitors",
	"country", "location", "status", "attempts", "started_at", "completed_at",
	"latency_ms", "error_message", "created_at", "updated_at",
}

// claimableStatuses are the statuses a worker may move to processing
var claimableStatuses = []string{
	string(entities.JobStatusPending),
	string(entities.JobStatusProcessing),
	string(entities.JobStatusFailed),
}

type scanJobRow struct {
	ID           string       `db:"id"`
	ProjectID    string       `db:"project_id"`
	KeywordID    string       `db:"keyword_id"`
	Engine       string       `db:"engine"`
	Query        string       `db:"query"`
	Brand        string       `db:"brand"`
	Competitors  string       `db:"competitors"`
	Country      string       `db:"country"`
	Location     string       `db:"location"`
	Status       string       `db:"status"`
	Attempts     int          `db:"attempts"`
	StartedAt    sql.NullTime `db:"started_at"`
	CompletedAt  sql.NullTime `db:"completed_at"`
	LatencyMs    int64        `db:"latency_ms"`
	ErrorMessage string       `db:"error_message"`
	CreatedAt    time.Time    `db:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at"`
}

func (r *scanJobRow) toEntity() *entities.ScanJob {
	job := &entities.ScanJob{
		ID:           r.ID,
		ProjectID:    r.ProjectID,
		KeywordID:    r.KeywordID,
		Engine:       r.Engine,
		Query:        r.Query,
		Brand:        r.Brand,
		Country:      r.Country,
		Location:     r.Location,
		Status:       entities.JobStatus(r.Status),
		Attempts:     r.Attempts,
		LatencyMs:    r.LatencyMs,
		ErrorMessage: r.ErrorMessage,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		job.StartedAt = &t
	}
	if r.CompletedAt.Valid {
		t := r.CompletedAt.Time
		job.CompletedAt = &t
	}
	if r.Competitors != "" {
		_ = json.Unmarshal([]byte(r.Competitors), &job.Competitors)
	}
	return job
}

// ScanJobAdapter implements ScanJobRepository
type ScanJobAdapter struct {
	client *sqldb.Client
	db     goqu.DialectWrapper
}

// NewScanJobAdapter creates a new scan job adapter
func NewScanJobAdapter(client *sqldb.Client) repositories.ScanJobRepository {
	return &ScanJobAdapter{
		client: client,
		db:     client.Builder(),
	}
}

// Create persists a new job
func (a *ScanJobAdapter) Create(ctx context.Context, job *entities.ScanJob) error {
	if job == nil {
		return apperrors.NewValidationError("scan job is required")
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = entities.JobStatusPending
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = job.CreatedAt

	competitors, err := json.Marshal(nonNilStrings(job.Competitors))
	if err != nil {
		return apperrors.NewInternalError("failed to encode competitors", err)
	}

	query, args, err := a.db.Insert(scanJobsTable).Rows(goqu.Record{
		"id":            job.ID,
		"project_id":    job.ProjectID,
		"keyword_id":    job.KeywordID,
		"engine":        job.Engine,
		"query":         job.Query,
		"brand":         job.Brand,
		"competitors":   string(competitors),
		"country":       job.Country,
		"location":      job.Location,
		"status":        string(job.Status),
		"attempts":      job.Attempts,
		"latency_ms":    job.LatencyMs,
		"error_message": job.ErrorMessage,
		"created_at":    job.CreatedAt,
		"updated_at":    job.UpdatedAt,
	}).Prepared(true).ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build scan job insert", err)
	}

	if _, err := a.client.DB().ExecContext(ctx, query, args...); err != nil {
		return apperrors.NewInternalError("failed to create scan job", err)
	}
	return nil
}

// GetByID retrieves a job by ID
func (a *ScanJobAdapter) GetByID(ctx context.Context, id string) (*entities.ScanJob, error) {
	query, args, err := a.db.From(scanJobsTable).
		Select(scanJobColumns...).
		Where(goqu.Ex{"id": id}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build scan job query", err)
	}

	var row scanJobRow
	err = a.client.DB().GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("scan job with id %s not found", id))
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to get scan job", err)
	}
	return row.toEntity(), nil
}

// MarkProcessing claims the job unless it already completed
func (a *ScanJobAdapter) MarkProcessing(ctx context.Context, job *entities.ScanJob) (bool, error) {
	return a.update(ctx, job.ID, claimableStatuses, goqu.Record{
		"status":        string(entities.JobStatusProcessing),
		"attempts":      job.Attempts,
		"started_at":    nullableTime(job.StartedAt),
		"completed_at":  nil,
		"latency_ms":    0,
		"error_message": "",
		"updated_at":    job.UpdatedAt,
	})
}

// MarkCompleted finishes a processing job
func (a *ScanJobAdapter) MarkCompleted(ctx context.Context, job *entities.ScanJob) error {
	return a.finish(ctx, job, entities.JobStatusCompleted)
}

// MarkFailed fails a processing job
func (a *ScanJobAdapter) MarkFailed(ctx context.Context, job *entities.ScanJob) error {
	return a.finish(ctx, job, entities.JobStatusFailed)
}

func (a *ScanJobAdapter) finish(ctx context.Context, job *entities.ScanJob, status entities.JobStatus) error {
	ok, err := a.update(ctx, job.ID, []string{string(entities.JobStatusProcessing)}, goqu.Record{
		"status":        string(status),
		"completed_at":  nullableTime(job.CompletedAt),
		"latency_ms":    job.LatencyMs,
		"error_message": job.ErrorMessage,
		"updated_at":    job.UpdatedAt,
	})
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.NewConflictError(fmt.Sprintf("scan job %s is not processing, cannot mark %s", job.ID, status))
	}
	return nil
}

// ResetForRerun moves a failed job back to pending
func (a *ScanJobAdapter) ResetForRerun(ctx context.Context, job *entities.ScanJob) (bool, error) {
	return a.update(ctx, job.ID, []string{string(entities.JobStatusFailed)}, goqu.Record{
		"status":        string(entities.JobStatusPending),
		"attempts":      0,
		"started_at":    nil,
		"completed_at":  nil,
		"latency_ms":    0,
		"error_message": "",
		"updated_at":    job.UpdatedAt,
	})
}

// update applies record to the job if it is in one of the expected statuses
func (a *ScanJobAdapter) update(ctx context.Context, id string, expected []string, record goqu.Record) (bool, error) {
	query, args, err := a.db.Update(scanJobsTable).
		Set(record).
		Where(goqu.Ex{"id": id, "status": expected}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return false, apperrors.NewInternalError("failed to build scan job update", err)
	}

	res, err := a.client.DB().ExecContext(ctx, query, args...)
	if err != nil {
		return false, apperrors.NewInternalError("failed to update scan job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperrors.NewInternalError("failed to read affected rows", err)
	}
	return n > 0, nil
}

// ListByProject returns the most recent jobs of a project
func (a *ScanJobAdapter) ListByProject(ctx context.Context, projectID string, limit int) ([]*entities.ScanJob, error) {
	if limit <= 0 {
		limit = 50
	}

	query, args, err := a.db.From(scanJobsTable).
		Select(scanJobColumns...).
		Where(goqu.Ex{"project_id": projectID}).
		Order(goqu.I("created_at").Desc(), goqu.I("id").Asc()).
		Limit(uint(limit)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build scan job list query", err)
	}

	var rows []scanJobRow
	if err := a.client.DB().SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, apperrors.NewInternalError("failed to list scan jobs", err)
	}

	jobs := make([]*entities.ScanJob, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].toEntity())
	}
	return jobs, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
