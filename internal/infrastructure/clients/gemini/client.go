package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zatekoja/aivisibility/internal/domain/entities"
	"github.com/zatekoja/aivisibility/internal/domain/providers"
	"github.com/zatekoja/aivisibility/internal/infrastructure/clients/aiclient"
	"github.com/zatekoja/aivisibility/pkg/config"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

const (
	defaultModel = "gemini-2.0-flash"

	// groundingRedirectHost fronts every grounded source URL; the real site is in the chunk title
	groundingRedirectHost = "vertexaisearch.cloud.google.com"
)

// Client queries Gemini with Google Search grounding
type Client struct {
	client      *genai.Client
	model       string
	maxTokens   int
	temperature float64
	timeout     time.Duration
	limiter     *rate.Limiter
}

// NewClient creates a new Gemini client
func NewClient(ctx context.Context, cfg *config.ProviderConfig, temperature float64) (*Client, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientConfig.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	return &Client{
		client:      client,
		model:       model,
		maxTokens:   cfg.MaxTokens,
		temperature: temperature,
		timeout:     cfg.Timeout,
		limiter:     aiclient.NewLimiter(cfg.RateLimitRPM),
	}, nil
}

// Name returns the engine tag
func (c *Client) Name() providers.Engine {
	return providers.EngineGemini
}

// Search asks Gemini the query with the Google Search tool enabled
func (c *Client) Search(ctx context.Context, query string, opts *entities.SearchOptions) (*entities.SearchResult, error) {
	ctx, cancel := providers.WithCallTimeout(ctx, opts, c.timeout)
	defer cancel()

	if err := aiclient.Wait(ctx, c.limiter, string(providers.EngineGemini), c.model); err != nil {
		return nil, providers.NewTransportError(providers.EngineGemini, "search", err)
	}

	req := aiclient.BuildRequest(query, opts, aiclient.Defaults{MaxTokens: c.maxTokens, Temperature: c.temperature})
	generateConfig := &genai.GenerateContentConfig{
		Tools:             []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
		SystemInstruction: genai.NewContentFromText(req.System, genai.RoleUser),
		Temperature:       genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 {
		generateConfig.MaxOutputTokens = int32(req.MaxTokens)
	}

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(req.User), generateConfig)
	if err != nil {
		perr := classify(ctx, err)
		aiclient.RecordRequest(ctx, string(providers.EngineGemini), c.model, perr.StatusCode, time.Since(start), perr)
		return nil, perr
	}

	answer, citations := extract(resp)
	if answer == "" {
		perr := providers.NewMalformedError(providers.EngineGemini, "search", errors.New("response has no text candidates"))
		aiclient.RecordRequest(ctx, string(providers.EngineGemini), c.model, 200, time.Since(start), perr)
		return nil, perr
	}

	latency := time.Since(start)
	aiclient.RecordRequest(ctx, string(providers.EngineGemini), c.model, 200, latency, nil)

	model := resp.ModelVersion
	if model == "" {
		model = c.model
	}
	result := &entities.SearchResult{
		Content:   answer,
		Citations: citations,
		Model:     model,
		LatencyMs: latency.Milliseconds(),
	}
	if u := resp.UsageMetadata; u != nil {
		result.Usage = &entities.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
			TotalTokens:      int(u.TotalTokenCount),
		}
	}
	return result, nil
}

// TestConnection fetches the configured model
func (c *Client) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := c.client.Models.Get(ctx, c.model, nil)
	return err == nil
}

func extract(resp *genai.GenerateContentResponse) (string, []entities.Citation) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}
	candidate := resp.Candidates[0]

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil && part.Text != "" {
			text.WriteString(part.Text)
		}
	}
	answer := strings.TrimSpace(text.String())

	var builder aiclient.CitationBuilder
	if gm := candidate.GroundingMetadata; gm != nil {
		for _, chunk := range gm.GroundingChunks {
			if chunk != nil && chunk.Web != nil {
				builder.Add(chunk.Web.URI, chunk.Web.Title, "")
			}
		}
	}
	builder.AddFromText(answer)

	citations := builder.Citations()
	for i := range citations {
		if citations[i].Domain == groundingRedirectHost && looksLikeDomain(citations[i].Title) {
			citations[i].Domain = strings.TrimPrefix(strings.ToLower(citations[i].Title), "www.")
		}
	}
	return answer, citations
}

func looksLikeDomain(s string) bool {
	return s != "" && strings.Contains(s, ".") && !strings.ContainsAny(s, " /")
}

func classify(ctx context.Context, err error) *providers.ProviderError {
	code := 0
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.Code
	case errors.As(err, &apiErrPtr) && apiErrPtr != nil:
		code = apiErrPtr.Code
	}

	if code == 0 || ctx.Err() != nil {
		return providers.NewTransportError(providers.EngineGemini, "search", err)
	}
	return &providers.ProviderError{
		Provider:   providers.EngineGemini,
		Op:         "search",
		StatusCode: code,
		Retryable:  providers.RetryableStatus(code),
		Err:        err,
	}
}

var _ providers.SearchProvider = (*Client)(nil)
