package main

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/zatekoja/aivisibility/internal/adapters/database"
	"github.com/zatekoja/aivisibility/internal/domain/entities"
	"github.com/zatekoja/aivisibility/internal/infrastructure/clients/sqldb"
	"github.com/zatekoja/aivisibility/internal/infrastructure/observability"
	"github.com/zatekoja/aivisibility/pkg/config"
)

type seedProject struct {
	project  entities.Project
	keywords []entities.Keyword
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	observability.InitLogger(cfg.OTEL.ServiceName+"-seed", cfg.App.Env, cfg.App.LogLevel)

	ctx := context.Background()
	client, err := sqldb.NewClient(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to DB")
	}
	defer client.Close()

	if os.Getenv("RESET_DB") == "true" {
		log.Info().Msg("RESET_DB=true detected, clearing tables before seeding")
		// children first: results reference jobs and keywords reference projects
		for _, table := range []string{"scan_results", "scan_jobs", "keywords", "projects"} {
			if _, err := client.DB().ExecContext(ctx, "DELETE FROM "+table); err != nil {
				log.Fatal().Err(err).Str("table", table).Msg("Failed to reset table")
			}
		}
	}

	projectRepo := database.NewProjectAdapter(client)
	keywordRepo := database.NewKeywordAdapter(client)

	now := time.Now().UTC()
	for _, seed := range seedData(now) {
		project := seed.project
		if err := projectRepo.Create(ctx, &project); err != nil {
			log.Error().Err(err).Str("project", project.Name).Msg("Failed to create project")
			continue
		}

		created := 0
		for _, keyword := range seed.keywords {
			keyword.ProjectID = project.ID
			if err := keywordRepo.Create(ctx, &keyword); err != nil {
				log.Error().Err(err).Str("query", keyword.Query).Msg("Failed to create keyword")
				continue
			}
			created++
		}
		log.Info().Str("project_id", project.ID).Str("brand", project.Brand).Int("keywords", created).Msg("Seeded project")
	}

	log.Info().Msg("Seeding complete")
}

func seedData(now time.Time) []seedProject {
	keyword := func(query, country, location string) entities.Keyword {
		return entities.Keyword{
			ID:        uuid.New().String(),
			Query:     query,
			Country:   country,
			Location:  location,
			IsActive:  true,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	return []seedProject{
		{
			project: entities.Project{
				ID:          uuid.New().String(),
				Name:        "Acme CRM",
				Brand:       "Acme",
				Domain:      "acme.com",
				Competitors: []string{"HubSpot", "Salesforce", "Pipedrive"},
				CreatedAt:   now,
				UpdatedAt:   now,
			},
			keywords: []entities.Keyword{
				keyword("best CRM for small businesses", "US", ""),
				keyword("cheapest CRM with email automation", "US", ""),
				keyword("CRM software recommendations", "GB", "London"),
				keyword("welches CRM für Startups", "DE", "Berlin"),
			},
		},
		{
			project: entities.Project{
				ID:          uuid.New().String(),
				Name:        "Brewline espresso",
				Brand:       "Brewline",
				Domain:      "brewline.coffee",
				Competitors: []string{"Breville", "De'Longhi", "Gaggia"},
				CreatedAt:   now,
				UpdatedAt:   now,
			},
			keywords: []entities.Keyword{
				keyword("best espresso machine under $500", "US", ""),
				keyword("espresso machine for beginners", "", ""),
				keyword("most reliable home espresso machine", "CA", "Toronto"),
			},
		},
	}
}
