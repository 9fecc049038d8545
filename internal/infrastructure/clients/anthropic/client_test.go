package anthropic

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
		APIKey:       "sk-ant-test",
		Model:        "claude-3-5-haiku-latest",
		BaseURL:      server.URL + "/",
		Timeout:      5 * time.Second,
		RateLimitRPM: -1,
		MaxTokens:    400,
	}, 0.2)
	require.NoError(t, err)
	return client
}

func TestSearch_ReturnsTextAndLinkedSources(t *testing.T) {
	var got map[string]interface{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_01",
			"type": "message",
			"role": "assistant",
			"model": "claude-3-5-haiku-20241022",
			"content": [{"type": "text", "text": "Acme is a top pick (https://www.acme.com/machines)."}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 20, "output_tokens": 15}
		}`))
	})

	result, err := client.Search(context.Background(), "best espresso machine", nil)
	require.NoError(t, err)

	assert.Equal(t, "Acme is a top pick (https://www.acme.com/machines).", result.Content)
	assert.Equal(t, "claude-3-5-haiku-20241022", result.Model)
	assert.Equal(t, []entities.Citation{{Position: 0, URL: "https://www.acme.com/machines", Domain: "acme.com"}}, result.Citations)
	assert.Equal(t, &entities.Usage{PromptTokens: 20, CompletionTokens: 15, TotalTokens: 35}, result.Usage)

	assert.Equal(t, "claude-3-5-haiku-latest", got["model"])
	assert.EqualValues(t, 400, got["max_tokens"])
}

func TestSearch_ClassifiesAPIErrors(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusUnauthorized, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"type": "error", "error": {"type": "api_error", "message": "failed"}}`))
			})

			_, err := client.Search(context.Background(), "q", nil)
			var pe *providers.ProviderError
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.Equal(t, tt.retryable, pe.Retryable)
		})
	}
}

func TestSearch_EmptyContentIsMalformed(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "msg_02", "type": "message", "role": "assistant", "model": "m", "content": [], "usage": {"input_tokens": 1, "output_tokens": 0}}`))
	})

	_, err := client.Search(context.Background(), "q", nil)
	require.Error(t, err)
	assert.False(t, providers.IsRetryable(err))
}
