package handlers_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/aivisibility/internal/adapters/providers/search"
	"github.com/zatekoja/aivisibility/internal/api/handlers"
	"github.com/zatekoja/aivisibility/internal/domain/entities"
	"github.com/zatekoja/aivisibility/internal/domain/providers"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type unreachableProvider struct{}

func (unreachableProvider) Name() providers.Engine { return providers.EngineOpenAI }

func (unreachableProvider) Search(ctx context.Context, query string, opts *entities.SearchOptions) (*entities.SearchResult, error) {
	return nil, providers.NewStatusError(providers.EngineOpenAI, "search", http.StatusUnauthorized, "bad key")
}

func (unreachableProvider) TestConnection(ctx context.Context) bool { return false }

func healthy(context.Context) error { return nil }

func TestHealthHandler_Health(t *testing.T) {
	t.Run("all dependencies up", func(t *testing.T) {
		handler := handlers.NewHealthHandler(map[string]handlers.Pinger{
			"database": pingFunc(healthy),
			"redis":    pingFunc(healthy),
		}, search.NewRegistry())

		w := httptest.NewRecorder()
		handler.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		require.Equal(t, http.StatusOK, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, map[string]interface{}{"database": "ok", "redis": "ok"}, body["checks"])
	})

	t.Run("one dependency down", func(t *testing.T) {
		handler := handlers.NewHealthHandler(map[string]handlers.Pinger{
			"database": pingFunc(healthy),
			"redis":    pingFunc(func(context.Context) error { return errors.New("connection refused") }),
		}, search.NewRegistry())

		w := httptest.NewRecorder()
		handler.Health(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		require.Equal(t, http.StatusServiceUnavailable, w.Code)
		body := decodeBody(t, w)
		assert.Equal(t, "degraded", body["status"])
		assert.Equal(t, "unavailable", body["checks"].(map[string]interface{})["redis"])
	})
}

func TestHealthHandler_ProviderHealth(t *testing.T) {
	registry := search.NewRegistry()
	registry.Register(search.NewMockProvider())
	registry.Register(unreachableProvider{})
	handler := handlers.NewHealthHandler(nil, registry)
	pattern := "GET /api/providers/{engine}/health"

	tests := []struct {
		engine  string
		status  int
		healthy bool
	}{
		{engine: "mock", status: http.StatusOK, healthy: true},
		{engine: "openai", status: http.StatusServiceUnavailable, healthy: false},
	}
	for _, tt := range tests {
		t.Run(tt.engine, func(t *testing.T) {
			w := serve(pattern, handler.ProviderHealth, httptest.NewRequest(http.MethodGet, "/api/providers/"+tt.engine+"/health", nil))
			require.Equal(t, tt.status, w.Code)
			body := decodeBody(t, w)
			assert.Equal(t, tt.engine, body["engine"])
			assert.Equal(t, tt.healthy, body["healthy"])
		})
	}

	t.Run("unregistered engine", func(t *testing.T) {
		w := serve(pattern, handler.ProviderHealth, httptest.NewRequest(http.MethodGet, "/api/providers/gemini/health", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("unknown engine", func(t *testing.T) {
		w := serve(pattern, handler.ProviderHealth, httptest.NewRequest(http.MethodGet, "/api/providers/bing/health", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
