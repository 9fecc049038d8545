package queue

import (
	"fmt"
	"time"

	"github.com/zatekoja/aivisibility/internal/domain/providers"
	redisclient "github.com/zatekoja/aivisibility/internal/infrastructure/clients/redis"
	"github.com/zatekoja/aivisibility/pkg/config"
	"github.com/zatekoja/aivisibility/pkg/retry"
)

// Queue backends
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Options configures delivery and retry behaviour shared by every queue implementation
type Options struct {
	// Retry is the redelivery policy: MaxAttempts bounds deliveries per job and
	// Backoff(attempt) spaces them
	Retry retry.Config

	// Lease is how long a reserved job may stay unacknowledged before it is redelivered
	Lease time.Duration

	// Now is the clock; tests replace it
	Now func() time.Time
}

// OptionsFromConfig builds queue options from the pipeline configuration
func OptionsFromConfig(cfg *config.PipelineConfig) Options {
	return Options{
		Retry: retry.Config{
			MaxAttempts:   cfg.MaxAttempts,
			InitialDelay:  cfg.BackoffInitial,
			MaxDelay:      cfg.BackoffMax,
			BackoffFactor: cfg.BackoffFactor,
		},
		Lease: cfg.Lease,
	}
}

func (o Options) withDefaults() Options {
	if o.Retry.MaxAttempts <= 0 {
		o.Retry.MaxAttempts = 3
	}
	if o.Retry.InitialDelay <= 0 {
		o.Retry.InitialDelay = 5 * time.Second
	}
	if o.Retry.BackoffFactor <= 0 {
		o.Retry.BackoffFactor = 2
	}
	if o.Lease <= 0 {
		o.Lease = 5 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func (o Options) maxAttempts(override int) int {
	if override > 0 {
		return override
	}
	return o.Retry.MaxAttempts
}

// NewFromConfig returns the queue backend selected by QUEUE_BACKEND.
// client may be nil for the memory backend.
func NewFromConfig(cfg *config.PipelineConfig, client *redisclient.Client) (providers.JobQueue, error) {
	opts := OptionsFromConfig(cfg)
	switch cfg.QueueBackend {
	case BackendMemory:
		return NewMemoryQueue(opts), nil
	case BackendRedis:
		if client == nil {
			return nil, fmt.Errorf("queue backend %q requires a Redis client", cfg.QueueBackend)
		}
		return NewRedisQueue(client, opts), nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}
}
