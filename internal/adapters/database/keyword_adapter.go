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

type projectRow struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	Brand       string    `db:"brand"`
	Domain      string    `db:"domain"`
	Competitors string    `db:"competitors"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

// ProjectAdapter implements ProjectRepository
type ProjectAdapter struct {
	client *sqldb.Client
	db     goqu.DialectWrapper
}

// NewProjectAdapter creates a new project adapter
func NewProjectAdapter(client *sqldb.Client) repositories.ProjectRepository {
	return &ProjectAdapter{client: client, db: client.Builder()}
}

// Create creates a new project
func (a *ProjectAdapter) Create(ctx context.Context, project *entities.Project) error {
	if project == nil || project.Brand == "" {
		return apperrors.NewValidationError("project with brand is required")
	}
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	project.CreatedAt, project.UpdatedAt = now, now

	competitors, _ := json.Marshal(nonNilStrings(project.Competitors))

	query, args, err := a.db.Insert("projects").Rows(goqu.Record{
		"id":          project.ID,
		"name":        project.Name,
		"brand":       project.Brand,
		"domain":      project.Domain,
		"competitors": string(competitors),
		"created_at":  project.CreatedAt,
		"updated_at":  project.UpdatedAt,
	}).Prepared(true).ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build project insert", err)
	}

	if _, err := a.client.DB().ExecContext(ctx, query, args...); err != nil {
		return apperrors.NewInternalError("failed to create project", err)
	}
	return nil
}

// GetByID retrieves a project by ID
func (a *ProjectAdapter) GetByID(ctx context.Context, id string) (*entities.Project, error) {
	query, args, err := a.db.From("projects").
		Select("id", "name", "brand", "domain", "competitors", "created_at", "updated_at").
		Where(goqu.Ex{"id": id}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build project query", err)
	}

	var row projectRow
	err = a.client.DB().GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("project with id %s not found", id))
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to get project", err)
	}

	project := &entities.Project{
		ID:        row.ID,
		Name:      row.Name,
		Brand:     row.Brand,
		Domain:    row.Domain,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if row.Competitors != "" {
		_ = json.Unmarshal([]byte(row.Competitors), &project.Competitors)
	}
	return project, nil
}

var keywordColumns = []interface{}{
	"id", "project_id", "query", "country", "location", "is_active", "created_at", "updated_at",
}

// KeywordAdapter implements KeywordRepository
type KeywordAdapter struct {
	client *sqldb.Client
	db     goqu.DialectWrapper
}

// NewKeywordAdapter creates a new keyword adapter
func NewKeywordAdapter(client *sqldb.Client) repositories.KeywordRepository {
	return &KeywordAdapter{client: client, db: client.Builder()}
}

// Create creates a new keyword
func (a *KeywordAdapter) Create(ctx context.Context, keyword *entities.Keyword) error {
	if keyword == nil || keyword.ProjectID == "" || keyword.Query == "" {
		return apperrors.NewValidationError("keyword with project and query is required")
	}
	if keyword.ID == "" {
		keyword.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	keyword.CreatedAt, keyword.UpdatedAt = now, now

	query, args, err := a.db.Insert("keywords").Rows(goqu.Record{
		"id":         keyword.ID,
		"project_id": keyword.ProjectID,
		"query":      keyword.Query,
		"country":    keyword.Country,
		"location":   keyword.Location,
		"is_active":  keyword.IsActive,
		"created_at": keyword.CreatedAt,
		"updated_at": keyword.UpdatedAt,
	}).Prepared(true).ToSQL()
	if err != nil {
		return apperrors.NewInternalError("failed to build keyword insert", err)
	}

	if _, err := a.client.DB().ExecContext(ctx, query, args...); err != nil {
		return apperrors.NewInternalError("failed to create keyword", err)
	}
	return nil
}

// GetByID retrieves a keyword by ID
func (a *KeywordAdapter) GetByID(ctx context.Context, id string) (*entities.Keyword, error) {
	query, args, err := a.db.From("keywords").
		Select(keywordColumns...).
		Where(goqu.Ex{"id": id}).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build keyword query", err)
	}

	var keyword entities.Keyword
	err = a.client.DB().GetContext(ctx, &keyword, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("keyword with id %s not found", id))
	}
	if err != nil {
		return nil, apperrors.NewInternalError("failed to get keyword", err)
	}
	return &keyword, nil
}

// ListActiveByProject returns the active keywords of a project in creation order
func (a *KeywordAdapter) ListActiveByProject(ctx context.Context, projectID string) ([]*entities.Keyword, error) {
	query, args, err := a.db.From("keywords").
		Select(keywordColumns...).
		Where(goqu.Ex{"project_id": projectID, "is_active": true}).
		Order(goqu.I("created_at").Asc(), goqu.I("id").Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, apperrors.NewInternalError("failed to build keyword list query", err)
	}

	var keywords []*entities.Keyword
	if err := a.client.DB().SelectContext(ctx, &keywords, query, args...); err != nil {
		return nil, apperrors.NewInternalError("failed to list keywords", err)
	}
	return keywords, nil
}
