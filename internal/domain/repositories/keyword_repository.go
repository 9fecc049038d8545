package repositories

import (
	"context"

	"github.com/zatekoja/aivisibility/internal/domain/entities"
)

// ProjectRepository defines the interface for project data operations
type ProjectRepository interface {
	// Create creates a new project
	Create(ctx context.Context, project *entities.Project) error

	// GetByID retrieves a project by ID
	GetByID(ctx context.Context, id string) (*entities.Project, error)
}

// KeywordRepository defines the interface for tracked keyword operations
type KeywordRepository interface {
	// Create creates a new keyword
	Create(ctx context.Context, keyword *entities.Keyword) error

	// GetByID retrieves a keyword by ID
	GetByID(ctx context.Context, id string) (*entities.Keyword, error)

	// ListActiveByProject returns the active keywords of a project
	ListActiveByProject(ctx context.Context, projectID string) ([]*entities.Keyword, error)
}
