package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/aivisibility/internal/adapters/cache"
	"github.com/zatekoja/aivisibility/internal/adapters/database"
	"github.com/zatekoja/aivisibility/internal/adapters/events"
	"github.com/zatekoja/aivisibility/internal/adapters/providers/search"
	"github.com/zatekoja/aivisibility/internal/adapters/queue"
	"github.com/zatekoja/aivisibility/internal/application/services"
	"github.com/zatekoja/aivisibility/internal/domain/providers"
	redisclient "github.com/zatekoja/aivisibility/internal/infrastructure/clients/redis"
	"github.com/zatekoja/aivisibility/internal/infrastructure/clients/sqldb"
	"github.com/zatekoja/aivisibility/internal/infrastructure/observability"
	"github.com/zatekoja/aivisibility/pkg/config"
	"github.com/zatekoja/aivisibility/pkg/ratelimit"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	observability.InitLogger(cfg.OTEL.ServiceName+"-worker", cfg.App.Env, cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTEL.Enabled && cfg.OTEL.Endpoint != "" {
		shutdown, err := observability.Setup(ctx, cfg.OTEL.ServiceName+"-worker", cfg.OTEL.ServiceVersion, cfg.OTEL.Endpoint)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to set up OpenTelemetry")
		} else {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(ctx); err != nil {
					log.Error().Err(err).Msg("Error shutting down OpenTelemetry")
				}
			}()
		}
	}

	metrics, err := observability.InitMetrics()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize metrics")
	}

	db, err := sqldb.NewClient(ctx, &cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database client")
	}
	defer db.Close()
	log.Info().Str("driver", cfg.Database.Driver).Msg("Database client initialized")

	redisClient, err := redisclient.NewClient(ctx, &cfg.Redis)
	if err != nil {
		if cfg.Pipeline.QueueBackend == queue.BackendRedis {
			log.Fatal().Err(err).Msg("Failed to initialize Redis client")
		}
		log.Warn().Err(err).Msg("Redis unavailable; semantic cache and job events disabled")
		redisClient = nil
	} else {
		defer redisClient.Close()
	}

	registry, err := search.NewRegistryFromConfig(ctx, &cfg.Providers)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create search providers")
	}
	if len(registry.Engines()) == 0 {
		log.Warn().Msg("No search provider configured; every scan job will fail")
	}
	for engine, healthy := range registry.HealthCheck(ctx) {
		event := log.Info()
		if !healthy {
			event = log.Warn()
		}
		event.Str("engine", string(engine)).Bool("healthy", healthy).Msg("Search provider connection check")
	}

	var semanticCache *services.SemanticCache
	var eventBus providers.EventBus
	if redisClient != nil {
		if cfg.Cache.Enabled {
			semanticCache = services.NewSemanticCache(
				cache.NewRedisAdapter(redisClient),
				cfg.Cache.CacheTTL(),
				services.WithCacheMetrics(metrics),
			)
		}
		eventBus = events.NewRedisEventBus(redisClient)
	}

	jobQueue, err := queue.NewFromConfig(&cfg.Pipeline, redisClient)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create job queue")
	}

	jobs := database.NewScanJobAdapter(db)
	results := database.NewScanResultAdapter(db)

	scanWorker := services.NewScanWorker(jobs, results, registry, semanticCache, jobQueue, eventBus, services.ScanWorkerConfig{
		AnalysisDelay:  cfg.Pipeline.AnalysisDelay,
		DefaultCountry: cfg.Providers.DefaultCountry,
		CallLimiter:    ratelimit.PerSecond(cfg.Pipeline.Scan.RatePerSecond),
	})
	analysisWorker := services.NewAnalysisWorker(jobs, results, services.NewHeuristicScorer(), eventBus)

	scanPool := services.NewWorkerPool(jobQueue,
		services.NewWorkerPoolConfig(providers.QueueScan, cfg.Pipeline.Scan, &cfg.Pipeline),
		scanWorker.Handle, metrics)
	analysisPool := services.NewWorkerPool(jobQueue,
		services.NewWorkerPoolConfig(providers.QueueAnalysis, cfg.Pipeline.Analysis, &cfg.Pipeline),
		analysisWorker.Handle, metrics)

	if err := scanPool.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start scan worker pool")
	}
	if err := analysisPool.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start analysis worker pool")
	}
	log.Info().Str("queue_backend", cfg.Pipeline.QueueBackend).Msg("Worker started")

	<-ctx.Done()
	log.Info().Dur("timeout", cfg.Pipeline.ShutdownTimeout).Msg("Worker shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Pipeline.ShutdownTimeout)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error { return scanPool.Shutdown(shutdownCtx) })
	g.Go(func() error { return analysisPool.Shutdown(shutdownCtx) })
	if err := g.Wait(); err != nil {
		// unfinished jobs keep their lease and are redelivered after it expires
		log.Error().Err(err).Msg("Worker pools did not drain before the shutdown timeout")
	}

	if err := jobQueue.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing job queue")
	}
	if eventBus != nil {
		if err := eventBus.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing event bus")
		}
	}

	log.Info().Msg("Worker stopped")
}
