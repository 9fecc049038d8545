package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/aivisibility/internal/adapters/cache"
	"github.com/zatekoja/aivisibility/internal/adapters/database"
	"github.com/zatekoja/aivisibility/internal/adapters/events"
	"github.com/zatekoja/aivisibility/internal/adapters/providers/search"
	"github.com/zatekoja/aivisibility/internal/adapters/queue"
	"github.com/zatekoja/aivisibility/internal/api/handlers"
	"github.com/zatekoja/aivisibility/internal/api/routes"
	"github.com/zatekoja/aivisibility/internal/application/services"
	"github.com/zatekoja/aivisibility/internal/domain/providers"
	redisclient "github.com/zatekoja/aivisibility/internal/infrastructure/clients/redis"
	"github.com/zatekoja/aivisibility/internal/infrastructure/clients/sqldb"
	"github.com/zatekoja/aivisibility/internal/infrastructure/observability"
	"github.com/zatekoja/aivisibility/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	observability.InitLogger(cfg.OTEL.ServiceName+"-api", cfg.App.Env, cfg.App.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTEL.Enabled && cfg.OTEL.Endpoint != "" {
		shutdown, err := observability.Setup(ctx, cfg.OTEL.ServiceName+"-api", cfg.OTEL.ServiceVersion, cfg.OTEL.Endpoint)
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
			log.Info().Msg("OpenTelemetry initialized successfully")
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

	healthDeps := map[string]handlers.Pinger{"database": db}

	redisClient, err := redisclient.NewClient(ctx, &cfg.Redis)
	if err != nil {
		if cfg.Pipeline.QueueBackend == queue.BackendRedis {
			log.Fatal().Err(err).Msg("Failed to initialize Redis client")
		}
		log.Warn().Err(err).Msg("Redis unavailable; cache administration and event stream disabled")
		redisClient = nil
	} else {
		defer redisClient.Close()
		healthDeps["redis"] = redisClient
	}

	if cfg.Pipeline.QueueBackend == queue.BackendMemory {
		log.Warn().Msg("Memory queue is process-local; jobs enqueued here are not seen by a separate worker")
	}
	jobQueue, err := queue.NewFromConfig(&cfg.Pipeline, redisClient)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create job queue")
	}
	defer jobQueue.Close()

	var semanticCache *services.SemanticCache
	var eventBus providers.EventBus
	var sseHandler *handlers.SSEHandler
	if redisClient != nil {
		semanticCache = services.NewSemanticCache(cache.NewRedisAdapter(redisClient), cfg.Cache.CacheTTL())
		eventBus = events.NewRedisEventBus(redisClient)
		sseHandler = handlers.NewSSEHandler(eventBus)
	}

	// Providers are only probed from this process, never queried
	registry, err := search.NewRegistryFromConfig(ctx, &cfg.Providers)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create search providers")
	}

	scanService := services.NewScanService(
		database.NewProjectAdapter(db),
		database.NewKeywordAdapter(db),
		database.NewScanJobAdapter(db),
		database.NewScanResultAdapter(db),
		jobQueue,
		eventBus,
	)

	router := routes.NewRouter(
		handlers.NewScanHandler(scanService),
		handlers.NewQueueHandler(jobQueue),
		handlers.NewCacheHandler(semanticCache),
		handlers.NewHealthHandler(healthDeps, registry),
		sseHandler,
		routes.Options{
			APIToken:       cfg.App.APIToken,
			AllowedOrigins: cfg.Server.AllowedOrigins,
			Metrics:        metrics,
		},
	)
	if cfg.App.APIToken == "" {
		log.Warn().Msg("API_TOKEN is not set; the API accepts unauthenticated requests")
	}

	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:        serverAddr,
		Handler:     router.SetupRoutes(),
		ReadTimeout: 15 * time.Second,
		// No write timeout: the event stream is long-lived
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", serverAddr).Msg("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		log.Error().Err(err).Msg("Server failed")
	}

	log.Info().Msg("Server shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Close the bus first so open event streams return
	if eventBus != nil {
		if err := eventBus.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing event bus")
		}
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during server shutdown")
	}

	log.Info().Msg("Server stopped")
}
