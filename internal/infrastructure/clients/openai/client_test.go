package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zatekoja/aivisibility/internal/domain/entities"
	"github.com/zatekoja/aivisibility/internal/domain/providers"
	"github.com/zatekoja/aivisibility/pkg/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(&config.ProviderConfig{
		APIKey:       "sk-test",
		Model:        "gpt-4o-mini",
		BaseURL:      server.URL,
		Timeout:      5 * time.Second,
		RateLimitRPM: -1,
		MaxTokens:    500,
	}, 0.2)
	require.NoError(t, err)
	return client
}

func TestNewClient_RequiresKey(t *testing.T) {
	_, err := NewClient(&config.ProviderConfig{}, 0)
	assert.Error(t, err)
}

func TestSearch_ParsesAnswerAndCitations(t *testing.T) {
	var got responseRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/responses", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"model": "gpt-4o-mini-2024-07-18",
			"output": [
				{"type": "web_search_call", "status": "completed"},
				{"type": "message", "content": [{
					"type": "output_text",
					"text": "Acme makes the best espresso machine.",
					"annotations": [
						{"type": "url_citation", "url": "https://www.acme.com/espresso", "title": "Acme"},
						{"type": "url_citation", "url": "https://reviews.test/top", "title": "Top 10"},
						{"type": "url_citation", "url": "https://www.acme.com/espresso", "title": "Acme again"}
					]
				}]}
			],
			"usage": {"input_tokens": 12, "output_tokens": 30, "total_tokens": 42}
		}`))
	})

	result, err := client.Search(context.Background(), "best espresso machine", &entities.SearchOptions{
		Geo: &entities.GeoContext{Country: "US", Location: "Seattle"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Acme makes the best espresso machine.", result.Content)
	assert.Equal(t, "gpt-4o-mini-2024-07-18", result.Model)
	require.Len(t, result.Citations, 2)
	assert.Equal(t, entities.Citation{Position: 0, URL: "https://www.acme.com/espresso", Domain: "acme.com", Title: "Acme"}, result.Citations[0])
	assert.Equal(t, 1, result.Citations[1].Position)
	assert.Equal(t, &entities.Usage{PromptTokens: 12, CompletionTokens: 30, TotalTokens: 42}, result.Usage)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.Equal(t, 500, got.MaxOutputTokens)
	require.Len(t, got.Tools, 1)
	assert.Equal(t, "web_search_preview", got.Tools[0].Type)
	assert.Equal(t, "Seattle", got.Tools[0].UserLocation.City)
	assert.Equal(t, "best espresso machine", got.Input[1].Content)
}

func TestSearch_ClassifiesStatusErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
		{"unauthorized", http.StatusUnauthorized, false},
		{"bad request", http.StatusBadRequest, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":{"message":"nope"}}`, tt.status)
			})

			_, err := client.Search(context.Background(), "q", nil)
			var pe *providers.ProviderError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.Equal(t, providers.EngineOpenAI, pe.Provider)
			assert.Equal(t, tt.retryable, providers.IsRetryable(err))
		})
	}
}

func TestSearch_MissingTextIsMalformed(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"output": [{"type": "message", "content": []}]}`))
	})

	_, err := client.Search(context.Background(), "q", nil)
	require.Error(t, err)
	assert.False(t, providers.IsRetryable(err))
}

func TestSearch_TimeoutIsRetryable(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	_, err := client.Search(context.Background(), "q", &entities.SearchOptions{Timeout: 50 * time.Millisecond})
	require.Error(t, err)
	assert.True(t, providers.IsRetryable(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTestConnection(t *testing.T) {
	ok := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		_, _ = w.Write([]byte(`{"data": []}`))
	})
	assert.True(t, ok.TestConnection(context.Background()))

	denied := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	assert.False(t, denied.TestConnection(context.Background()))
}
