package routes

import (
	"net/http"

	"github.com/zatekoja/aivisibility/internal/api/handlers"
	"github.com/zatekoja/aivisibility/internal/api/middleware"
	"github.com/zatekoja/aivisibility/internal/infrastructure/observability"
)

// Router holds all route handlers
type Router struct {
	mux *http.ServeMux

	scanHandler   *handlers.ScanHandler
	queueHandler  *handlers.QueueHandler
	cacheHandler  *handlers.CacheHandler
	healthHandler *handlers.HealthHandler
	sseHandler    *handlers.SSEHandler

	apiToken       string
	allowedOrigins []string
	metrics        *observability.Metrics
}

// Options holds the cross-cutting settings of the HTTP surface
type Options struct {
	APIToken       string
	AllowedOrigins []string
	Metrics        *observability.Metrics
}

// NewRouter creates a new router. sseHandler may be nil when no event bus is configured.
func NewRouter(
	scanHandler *handlers.ScanHandler,
	queueHandler *handlers.QueueHandler,
	cacheHandler *handlers.CacheHandler,
	healthHandler *handlers.HealthHandler,
	sseHandler *handlers.SSEHandler,
	opts Options,
) *Router {
	return &Router{
		mux:            http.NewServeMux(),
		scanHandler:    scanHandler,
		queueHandler:   queueHandler,
		cacheHandler:   cacheHandler,
		healthHandler:  healthHandler,
		sseHandler:     sseHandler,
		apiToken:       opts.APIToken,
		allowedOrigins: opts.AllowedOrigins,
		metrics:        opts.Metrics,
	}
}

// SetupRoutes configures all application routes
func (r *Router) SetupRoutes() http.Handler {
	r.mux.HandleFunc("GET /health", r.healthHandler.Health)

	// Scans
	r.mux.HandleFunc("GET /api/scans", r.scanHandler.ListScans)
	r.mux.HandleFunc("POST /api/scans", r.scanHandler.CreateScan)
	r.mux.HandleFunc("GET /api/scans/{id}", r.scanHandler.GetScan)
	r.mux.HandleFunc("POST /api/scans/{id}/rerun", r.scanHandler.RerunScan)
	r.mux.HandleFunc("POST /api/projects/{id}/scans", r.scanHandler.CreateProjectScans)
	r.mux.HandleFunc("POST /api/results/{id}/reanalyze", r.scanHandler.ReanalyzeResult)

	// Job status stream
	if r.sseHandler != nil {
		r.mux.HandleFunc("GET /api/scans/events", r.sseHandler.StreamScanEvents)
	}

	// Semantic cache
	r.mux.HandleFunc("GET /api/cache/stats", r.cacheHandler.GetStats)
	r.mux.HandleFunc("DELETE /api/cache", r.cacheHandler.ClearCache)

	// Queues
	r.mux.HandleFunc("GET /api/queues/{name}/stats", r.queueHandler.GetStats)
	r.mux.HandleFunc("GET /api/queues/{name}/dead", r.queueHandler.ListDeadLetters)
	r.mux.HandleFunc("POST /api/queues/{name}/dead/{id}/retry", r.queueHandler.RetryDeadLetter)

	// Providers
	r.mux.HandleFunc("GET /api/providers/{engine}/health", r.healthHandler.ProviderHealth)

	// Apply middleware in reverse order (last middleware wraps first)
	var handler http.Handler = r.mux
	handler = middleware.BearerAuth(r.apiToken, "/health")(handler)
	handler = middleware.LoggingMiddleware(handler)
	handler = middleware.ObservabilityMiddleware(r.metrics)(handler)

	// CORS wraps everything so headers are set on rejected requests too
	handler = middleware.CORSMiddleware(r.allowedOrigins)(handler)

	return handler
}
