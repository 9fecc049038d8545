package handlers

import (
	"context"
	"net/http"

	"github.com/zatekoja/aivisibility/internal/domain/entities"
)

// SemanticCache defines the cache operations used by the handler
type SemanticCache interface {
	Stats(ctx context.Context) entities.CacheStats
	Clear(ctx context.Context) (int, error)
}

// CacheHandler handles semantic cache administration
type CacheHandler struct {
	cache SemanticCache
}

// NewCacheHandler creates a new cache handler
func NewCacheHandler(cache SemanticCache) *CacheHandler {
	return &CacheHandler{cache: cache}
}

// GetStats handles GET /api/cache/stats
func (h *CacheHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.cache.Stats(r.Context()))
}

// ClearCache handles DELETE /api/cache
func (h *CacheHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.cache.Clear(r.Context())
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "failed to clear cache")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]int{
		"deleted": deleted,
	})
}
