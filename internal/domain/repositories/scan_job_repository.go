package repositories

import (
	"context"

	"github.com/zatekoja/aivisibility/internal/domain/entities"
)

// ScanJobRepository defines the interface for scan job persistence.
// Status updates are conditional on the status the caller expects, so only the
// worker holding a job can move it.
type ScanJobRepository interface {
	// Create persists a new pending job
	Create(ctx context.Context, job *entities.ScanJob) error

	// GetByID retrieves a job by ID
	GetByID(ctx context.Context, id string) (*entities.ScanJob, error)

	// MarkProcessing claims the job for a new attempt. It returns false when the
	// job is already completed.
	MarkProcessing(ctx context.Context, job *entities.ScanJob) (bool, error)

	// MarkCompleted finishes a processing job
	MarkCompleted(ctx context.Context, job *entities.ScanJob) error

	// MarkFailed fails a processing job with its error message
	MarkFailed(ctx context.Context, job *entities.ScanJob) error

	// ResetForRerun moves a failed job back to pending. It returns false when
	// the job was not failed.
	ResetForRerun(ctx context.Context, job *entities.ScanJob) (bool, error)

	// ListByProject returns the most recent jobs of a project
	ListByProject(ctx context.Context, projectID string, limit int) ([]*entities.ScanJob, error)
}
