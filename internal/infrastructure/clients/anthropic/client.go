package anthropic

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/zatekoja/aivisibility/internal/domain/entities"
	"github.com/zatekoja/aivisibility/internal/domain/providers"
	"github.com/zatekoja/aivisibility/internal/infrastructure/clients/aiclient"
	"github.com/zatekoja/aivisibility/pkg/config"
	"golang.org/x/time/rate"
)

const (
	defaultModel     = "claude-3-5-haiku-latest"
	defaultMaxTokens = 1024
)

// Client queries Claude through the Messages API
type Client struct {
	client      *anthropic.Client
	model       string
	maxTokens   int
	temperature float64
	timeout     time.Duration
	limiter     *rate.Limiter
}

// NewClient creates a new Anthropic client. Retries are left to the job queue.
func NewClient(cfg *config.ProviderConfig, temperature float64) (*Client, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, errors.New("anthropic api key is required")
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	return &Client{
		client:      &client,
		model:       model,
		maxTokens:   maxTokens,
		temperature: temperature,
		timeout:     cfg.Timeout,
		limiter:     aiclient.NewLimiter(cfg.RateLimitRPM),
	}, nil
}

// Name returns the engine tag
func (c *Client) Name() providers.Engine {
	return providers.EngineAnthropic
}

// Search asks Claude the query. URLs quoted in the answer become citations.
func (c *Client) Search(ctx context.Context, query string, opts *entities.SearchOptions) (*entities.SearchResult, error) {
	ctx, cancel := providers.WithCallTimeout(ctx, opts, c.timeout)
	defer cancel()

	if err := aiclient.Wait(ctx, c.limiter, string(providers.EngineAnthropic), c.model); err != nil {
		return nil, providers.NewTransportError(providers.EngineAnthropic, "search", err)
	}

	req := aiclient.BuildRequest(query, opts, aiclient.Defaults{MaxTokens: c.maxTokens, Temperature: c.temperature})

	start := time.Now()
	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(req.MaxTokens),
		System:    []anthropic.TextBlockParam{{Text: req.System}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.User)),
		},
		Temperature: anthropic.Float(req.Temperature),
	})
	if err != nil {
		perr := classify(err)
		aiclient.RecordRequest(ctx, string(providers.EngineAnthropic), c.model, perr.StatusCode, time.Since(start), perr)
		return nil, perr
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	answer := strings.TrimSpace(text.String())
	if answer == "" {
		perr := providers.NewMalformedError(providers.EngineAnthropic, "search", errors.New("claude returned empty response"))
		aiclient.RecordRequest(ctx, string(providers.EngineAnthropic), c.model, 0, time.Since(start), perr)
		return nil, perr
	}

	var citations aiclient.CitationBuilder
	citations.AddFromText(answer)

	latency := time.Since(start)
	aiclient.RecordRequest(ctx, string(providers.EngineAnthropic), c.model, 200, latency, nil)

	model := string(message.Model)
	if model == "" {
		model = c.model
	}
	input := int(message.Usage.InputTokens)
	output := int(message.Usage.OutputTokens)
	return &entities.SearchResult{
		Content:   answer,
		Citations: citations.Citations(),
		Model:     model,
		Usage: &entities.Usage{
			PromptTokens:     input,
			CompletionTokens: output,
			TotalTokens:      input + output,
		},
		LatencyMs: latency.Milliseconds(),
	}, nil
}

// TestConnection sends a one-token message
func (c *Client) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	_, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: 1,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock("ping")),
		},
	})
	return err == nil
}

func classify(err error) *providers.ProviderError {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &providers.ProviderError{
			Provider:   providers.EngineAnthropic,
			Op:         "search",
			StatusCode: apiErr.StatusCode,
			Retryable:  providers.RetryableStatus(apiErr.StatusCode),
			Err:        err,
		}
	}
	return providers.NewTransportError(providers.EngineAnthropic, "search", err)
}

var _ providers.SearchProvider = (*Client)(nil)
