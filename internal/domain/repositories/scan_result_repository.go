package repositories

import (
	"context"
	"time"

	"github.com/zatekoja/aivisibility/internal/domain/entities"
)

// ScanResultRepository defines the interface for scan result checkpoints
type ScanResultRepository interface {
	// InsertCheckpoint stores the raw answer of a job. A job has at most one
	// checkpoint: when one exists it is returned unchanged and created is false.
	InsertCheckpoint(ctx context.Context, result *entities.ScanResult) (stored *entities.ScanResult, created bool, err error)

	// GetByID retrieves a result by ID
	GetByID(ctx context.Context, id string) (*entities.ScanResult, error)

	// GetByJobID retrieves the checkpoint of a job
	GetByJobID(ctx context.Context, jobID string) (*entities.ScanResult, error)

	// ListByJobIDs retrieves the checkpoints of several jobs
	ListByJobIDs(ctx context.Context, jobIDs []string) ([]*entities.ScanResult, error)

	// SaveAnalysis writes the analysis fields if they were not written yet.
	// It returns false when the result was already analyzed.
	SaveAnalysis(ctx context.Context, analysis *entities.AnalysisResult, analyzedAt time.Time) (bool, error)

	// ResetAnalysis clears the analysis fields so the analysis stage can run again
	ResetAnalysis(ctx context.Context, resultID string) error
}
