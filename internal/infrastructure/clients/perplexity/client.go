package perplexity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/zatekoja/aivisibility/internal/domain/entities"
	"github.com/zatekoja/aivisibility/internal/domain/providers"
	"github.com/zatekoja/aivisibility/internal/infrastructure/clients/aiclient"
	"github.com/zatekoja/aivisibility/pkg/config"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://api.perplexity.ai"
	defaultModel   = "sonar"
)

// Client queries the Perplexity chat completions API
type Client struct {
	apiKey      string
	model       string
	baseURL     string
	maxTokens   int
	temperature float64
	timeout     time.Duration
	httpClient  *http.Client
	limiter     *rate.Limiter
}

// NewClient creates a new Perplexity client
func NewClient(cfg *config.ProviderConfig, temperature float64) (*Client, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, errors.New("perplexity api key is required")
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Client{
		apiKey:      cfg.APIKey,
		model:       model,
		baseURL:     baseURL,
		maxTokens:   cfg.MaxTokens,
		temperature: temperature,
		timeout:     cfg.Timeout,
		httpClient:  &http.Client{},
		limiter:     aiclient.NewLimiter(cfg.RateLimitRPM),
	}, nil
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type userLocation struct {
	Country string `json:"country,omitempty"`
	City    string `json:"city,omitempty"`
}

type webSearchOptions struct {
	UserLocation *userLocation `json:"user_location,omitempty"`
}

type chatRequest struct {
	Model            string            `json:"model"`
	Messages         []message         `json:"messages"`
	MaxTokens        int               `json:"max_tokens,omitempty"`
	Temperature      float64           `json:"temperature"`
	WebSearchOptions *webSearchOptions `json:"web_search_options,omitempty"`
}

type searchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message message `json:"message"`
	} `json:"choices"`
	Citations     []string       `json:"citations"`
	SearchResults []searchResult `json:"search_results"`
	Usage         *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Name returns the engine tag
func (c *Client) Name() providers.Engine {
	return providers.EnginePerplexity
}

// Search asks Perplexity the query
func (c *Client) Search(ctx context.Context, query string, opts *entities.SearchOptions) (*entities.SearchResult, error) {
	ctx, cancel := providers.WithCallTimeout(ctx, opts, c.timeout)
	defer cancel()

	if err := aiclient.Wait(ctx, c.limiter, string(providers.EnginePerplexity), c.model); err != nil {
		return nil, providers.NewTransportError(providers.EnginePerplexity, "search", err)
	}

	req := aiclient.BuildRequest(query, opts, aiclient.Defaults{MaxTokens: c.maxTokens, Temperature: c.temperature})
	payload := chatRequest{
		Model: c.model,
		Messages: []message{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.Geo != nil {
		payload.WebSearchOptions = &webSearchOptions{
			UserLocation: &userLocation{Country: req.Geo.Country, City: req.Geo.Location},
		}
	}

	start := time.Now()
	var resp chatResponse
	status, err := c.chat(ctx, payload, &resp)
	if err == nil && (len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "") {
		err = providers.NewMalformedError(providers.EnginePerplexity, "search", errors.New("response has no choices"))
	}
	if err != nil {
		aiclient.RecordRequest(ctx, string(providers.EnginePerplexity), c.model, status, time.Since(start), err)
		return nil, err
	}

	answer := strings.TrimSpace(resp.Choices[0].Message.Content)

	// search_results carry titles; citations is the bare URL list older models return
	var citations aiclient.CitationBuilder
	for _, sr := range resp.SearchResults {
		citations.Add(sr.URL, sr.Title, sr.Snippet)
	}
	for _, u := range resp.Citations {
		citations.Add(u, "", "")
	}

	latency := time.Since(start)
	aiclient.RecordRequest(ctx, string(providers.EnginePerplexity), c.model, status, latency, nil)

	model := resp.Model
	if model == "" {
		model = c.model
	}
	result := &entities.SearchResult{
		Content:   answer,
		Citations: citations.Citations(),
		Model:     model,
		LatencyMs: latency.Milliseconds(),
	}
	if resp.Usage != nil {
		result.Usage = &entities.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return result, nil
}

// TestConnection sends a one-token completion
func (c *Client) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var resp chatResponse
	_, err := c.chat(ctx, chatRequest{
		Model:     c.model,
		Messages:  []message{{Role: "user", Content: "ping"}},
		MaxTokens: 1,
	}, &resp)
	return err == nil
}

func (c *Client) chat(ctx context.Context, payload chatRequest, out *chatResponse) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, providers.NewMalformedError(providers.EnginePerplexity, "search", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return 0, providers.NewMalformedError(providers.EnginePerplexity, "search", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, providers.NewTransportError(providers.EnginePerplexity, "search", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, providers.NewStatusError(providers.EnginePerplexity, "search", resp.StatusCode, aiclient.ReadErrorBody(resp))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return resp.StatusCode, providers.NewTransportError(providers.EnginePerplexity, "search", err)
		}
		return resp.StatusCode, providers.NewMalformedError(providers.EnginePerplexity, "search", fmt.Errorf("decode response: %w", err))
	}
	return resp.StatusCode, nil
}

var _ providers.SearchProvider = (*Client)(nil)
