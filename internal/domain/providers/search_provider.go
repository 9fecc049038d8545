package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/zatekoja/aivisibility/internal/domain/entities"
)

// Engine identifies an answer engine
type Engine string

const (
	EngineOpenAI     Engine = "openai"
	EnginePerplexity Engine = "perplexity"
	EngineAnthropic  Engine = "anthropic"
	EngineGemini     Engine = "gemini"
	EngineMock       Engine = "mock"
)

// Engines lists every supported engine
var Engines = []Engine{EngineOpenAI, EnginePerplexity, EngineAnthropic, EngineGemini, EngineMock}

// ParseEngine converts a tag into an Engine, rejecting unknown tags
func ParseEngine(tag string) (Engine, error) {
	e := Engine(strings.ToLower(strings.TrimSpace(tag)))
	for _, known := range Engines {
		if e == known {
			return e, nil
		}
	}
	return "", fmt.Errorf("unknown engine %q", tag)
}

// SearchProvider wraps one answer engine behind a uniform contract
type SearchProvider interface {
	// Name returns the engine this provider queries
	Name() Engine

	// Search asks the engine a question. Failures are returned as *ProviderError.
	Search(ctx context.Context, query string, opts *entities.SearchOptions) (*entities.SearchResult, error)

	// TestConnection reports whether the engine is reachable with the configured credentials
	TestConnection(ctx context.Context) bool
}

// ProviderResolver returns the provider for an engine
type ProviderResolver interface {
	Get(engine Engine) (SearchProvider, error)
}

// ProviderError is a failed provider call
type ProviderError struct {
	Provider   Engine
	Op         string
	StatusCode int
	Retryable  bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s failed (status %d): %v", e.Provider, e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether err is worth retrying. Errors that are not
// ProviderErrors are treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

// RetryableStatus reports whether an HTTP status from an engine is transient
func RetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusRequestTimeout ||
		code >= http.StatusInternalServerError
}

// NewStatusError classifies a non-2xx engine response
func NewStatusError(provider Engine, op string, code int, body string) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Op:         op,
		StatusCode: code,
		Retryable:  RetryableStatus(code),
		Err:        errors.New(strings.TrimSpace(body)),
	}
}

// NewTransportError wraps an error that happened before a response was read,
// such as a timeout or a refused connection. These are always retryable.
func NewTransportError(provider Engine, op string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Op: op, Retryable: true, Err: err}
}

// NewMalformedError reports output the adapter could not interpret
func NewMalformedError(provider Engine, op string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Op: op, Retryable: false, Err: err}
}

// WithCallTimeout derives the per-call context. opts.Timeout wins over fallback.
func WithCallTimeout(ctx context.Context, opts *entities.SearchOptions, fallback time.Duration) (context.Context, context.CancelFunc) {
	timeout := fallback
	if opts != nil && opts.Timeout > 0 {
		timeout = opts.Timeout
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
