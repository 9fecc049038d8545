package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/aivisibility/internal/adapters/database"
	"github.com/zatekoja/aivisibility/internal/adapters/events"
	"github.com/zatekoja/aivisibility/internal/adapters/queue"
	"github.com/zatekoja/aivisibility/internal/application/services"
	redisclient "github.com/zatekoja/aivisibility/internal/infrastructure/clients/redis"
	"github.com/zatekoja/aivisibility/internal/infrastructure/clients/sqldb"
	"github.com/zatekoja/aivisibility/internal/infrastructure/observability"
	"github.com/zatekoja/aivisibility/pkg/config"
)

func main() {
	var projectID, enginesFlag, intervalFlag string
	flag.StringVar(&projectID, "project", "", "project whose active keywords are scanned")
	flag.StringVar(&enginesFlag, "engines", "openai,perplexity,anthropic,gemini", "comma separated engines to query")
	flag.StringVar(&intervalFlag, "interval", "", "repeat interval (e.g. 24h, 30m); runs once when empty")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	observability.InitLogger(cfg.OTEL.ServiceName+"-enqueue", cfg.App.Env, cfg.App.LogLevel)

	if strings.TrimSpace(projectID) == "" {
		fmt.Fprintln(os.Stderr, "usage: enqueue -project <id> [-engines openai,gemini] [-interval 24h]")
		os.Exit(2)
	}
	engines := splitList(enginesFlag)

	intervalValue := strings.TrimSpace(intervalFlag)
	if intervalValue == "" {
		intervalValue = strings.TrimSpace(os.Getenv("SCAN_INTERVAL"))
	}
	var interval time.Duration
	if intervalValue != "" {
		interval, err = time.ParseDuration(intervalValue)
		if err != nil {
			log.Fatal().Err(err).Str("interval", intervalValue).Msg("Invalid interval")
		}
		if interval <= 0 {
			log.Fatal().Msg("Interval must be greater than zero")
		}
	}

	if cfg.Pipeline.QueueBackend != queue.BackendRedis {
		log.Fatal().Str("backend", cfg.Pipeline.QueueBackend).Msg("Enqueue needs a shared queue; set QUEUE_BACKEND=redis")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sqldb.NewClient(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database client")
	}
	defer db.Close()

	redisClient, err := redisclient.NewClient(ctx, &cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize Redis client")
	}
	defer redisClient.Close()

	jobQueue, err := queue.NewFromConfig(&cfg.Pipeline, redisClient)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create job queue")
	}
	eventBus := events.NewRedisEventBus(redisClient)
	defer eventBus.Close()

	scanService := services.NewScanService(
		database.NewProjectAdapter(db),
		database.NewKeywordAdapter(db),
		database.NewScanJobAdapter(db),
		database.NewScanResultAdapter(db),
		jobQueue,
		eventBus,
	)

	for {
		jobs, err := scanService.RequestKeywordScans(ctx, projectID, engines)
		event := log.Info()
		if err != nil {
			event = log.Error().Err(err)
		}
		event.Str("project_id", projectID).Strs("engines", engines).Int("jobs", len(jobs)).Msg("Scan fan-out finished")

		if interval <= 0 {
			break
		}

		log.Info().Dur("interval", interval).Msg("Next fan-out scheduled")
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info().Msg("Enqueue stopped")
			return
		case <-timer.C:
		}
	}
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
