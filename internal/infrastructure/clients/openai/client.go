package openai

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
	defaultBaseURL = "https://api.openai.com/v1"
	defaultModel   = "gpt-4o-mini"
	opSearch       = "search"
)

// Client queries OpenAI through the Responses API with the web search tool
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

// NewClient creates a new OpenAI client
func NewClient(cfg *config.ProviderConfig, temperature float64) (*Client, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, errors.New("openai api key is required")
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

type inputMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type userLocation struct {
	Type    string `json:"type"`
	Country string `json:"country,omitempty"`
	City    string `json:"city,omitempty"`
}

type tool struct {
	Type         string        `json:"type"`
	UserLocation *userLocation `json:"user_location,omitempty"`
}

type responseRequest struct {
	Model           string         `json:"model"`
	Input           []inputMessage `json:"input"`
	Tools           []tool         `json:"tools"`
	Temperature     float64        `json:"temperature"`
	MaxOutputTokens int            `json:"max_output_tokens,omitempty"`
}

type annotation struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

type responseContent struct {
	Type        string       `json:"type"`
	Text        string       `json:"text"`
	Annotations []annotation `json:"annotations"`
}

type responseOutput struct {
	Type    string            `json:"type"`
	Content []responseContent `json:"content"`
}

type responseUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

type responseEnvelope struct {
	Model  string           `json:"model"`
	Output []responseOutput `json:"output"`
	Usage  *responseUsage   `json:"usage"`
}

// Name returns the engine tag
func (c *Client) Name() providers.Engine {
	return providers.EngineOpenAI
}

// Search asks OpenAI the query with web search enabled
func (c *Client) Search(ctx context.Context, query string, opts *entities.SearchOptions) (*entities.SearchResult, error) {
	ctx, cancel := providers.WithCallTimeout(ctx, opts, c.timeout)
	defer cancel()

	if err := aiclient.Wait(ctx, c.limiter, string(providers.EngineOpenAI), c.model); err != nil {
		return nil, providers.NewTransportError(providers.EngineOpenAI, opSearch, err)
	}

	req := aiclient.BuildRequest(query, opts, aiclient.Defaults{MaxTokens: c.maxTokens, Temperature: c.temperature})
	searchTool := tool{Type: "web_search_preview"}
	if req.Geo != nil {
		searchTool.UserLocation = &userLocation{Type: "approximate", Country: req.Geo.Country, City: req.Geo.Location}
	}

	payload := responseRequest{
		Model: c.model,
		Input: []inputMessage{
			{Role: "system", Content: req.System},
			{Role: "user", Content: req.User},
		},
		Tools:           []tool{searchTool},
		Temperature:     req.Temperature,
		MaxOutputTokens: req.MaxTokens,
	}

	start := time.Now()
	var envelope responseEnvelope
	status, err := c.post(ctx, "/responses", payload, &envelope)
	if err != nil {
		aiclient.RecordRequest(ctx, string(providers.EngineOpenAI), c.model, status, time.Since(start), err)
		return nil, err
	}

	var text strings.Builder
	var citations aiclient.CitationBuilder
	for _, out := range envelope.Output {
		if out.Type != "" && out.Type != "message" {
			continue
		}
		for _, content := range out.Content {
			if content.Type != "output_text" {
				continue
			}
			text.WriteString(content.Text)
			for _, a := range content.Annotations {
				if a.Type == "url_citation" {
					citations.Add(a.URL, a.Title, "")
				}
			}
		}
	}

	answer := strings.TrimSpace(text.String())
	if answer == "" {
		err := providers.NewMalformedError(providers.EngineOpenAI, opSearch, errors.New("response missing output text"))
		aiclient.RecordRequest(ctx, string(providers.EngineOpenAI), c.model, status, time.Since(start), err)
		return nil, err
	}
	citations.AddFromText(answer)

	latency := time.Since(start)
	aiclient.RecordRequest(ctx, string(providers.EngineOpenAI), c.model, status, latency, nil)

	model := envelope.Model
	if model == "" {
		model = c.model
	}
	result := &entities.SearchResult{
		Content:   answer,
		Citations: citations.Citations(),
		Model:     model,
		LatencyMs: latency.Milliseconds(),
	}
	if envelope.Usage != nil {
		result.Usage = &entities.Usage{
			PromptTokens:     envelope.Usage.InputTokens,
			CompletionTokens: envelope.Usage.OutputTokens,
			TotalTokens:      envelope.Usage.TotalTokens,
		}
	}
	return result, nil
}

// TestConnection lists models to verify the key
func (c *Client) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) (int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, providers.NewMalformedError(providers.EngineOpenAI, opSearch, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, providers.NewMalformedError(providers.EngineOpenAI, opSearch, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, providers.NewTransportError(providers.EngineOpenAI, opSearch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, providers.NewStatusError(providers.EngineOpenAI, opSearch, resp.StatusCode, aiclient.ReadErrorBody(resp))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return resp.StatusCode, providers.NewTransportError(providers.EngineOpenAI, opSearch, err)
		}
		return resp.StatusCode, providers.NewMalformedError(providers.EngineOpenAI, opSearch, fmt.Errorf("decode response: %w", err))
	}
	return resp.StatusCode, nil
}

var _ providers.SearchProvider = (*Client)(nil)
