package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/aivisibility/internal/domain/providers"
)

const healthCheckTimeout = 10 * time.Second

// Pinger is a dependency the health check can probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports process and provider health
type HealthHandler struct {
	deps      map[string]Pinger
	providers providers.ProviderResolver
}

// NewHealthHandler creates a new health handler. deps maps a name like
// "database" to its probe.
func NewHealthHandler(deps map[string]Pinger, resolver providers.ProviderResolver) *HealthHandler {
	return &HealthHandler{deps: deps, providers: resolver}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	names := make([]string, 0, len(h.deps))
	for name := range h.deps {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	checks := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.deps[name].Ping(ctx); err != nil {
			log.Warn().Err(err).Str("dependency", name).Msg("Health check failed")
			checks[name] = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	respondWithJSON(w, status, map[string]interface{}{
		"status": overall,
		"checks": checks,
	})
}

// ProviderHealth handles GET /api/providers/{engine}/health
func (h *HealthHandler) ProviderHealth(w http.ResponseWriter, r *http.Request) {
	engine, err := providers.ParseEngine(r.PathValue("engine"))
	if err != nil {
		respondWithError(w, http.StatusNotFound, err.Error())
		return
	}

	provider, err := h.providers.Get(engine)
	if err != nil {
		respondWithError(w, http.StatusNotFound, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	healthy := provider.TestConnection(ctx)
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	respondWithJSON(w, status, map[string]interface{}{
		"engine":  engine,
		"healthy": healthy,
	})
}
