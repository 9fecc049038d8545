package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zatekoja/aivisibility/internal/domain/providers"
	"github.com/zatekoja/aivisibility/internal/infrastructure/observability"
	"github.com/zatekoja/aivisibility/pkg/config"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrPoolStarted is returned when Start is called twice
var ErrPoolStarted = errors.New("worker pool already started")

// JobHandler processes one delivery. A nil error acknowledges the job; an
// error hands it back to the queue's retry policy.
type JobHandler func(ctx context.Context, d *providers.Delivery) error

// WorkerPoolConfig bounds how fast and how wide a pool consumes its queue
type WorkerPoolConfig struct {
	Queue               providers.QueueName
	Concurrency         int
	RatePerSecond       float64
	Burst               int
	HandlerTimeout      time.Duration
	PollInterval        time.Duration
	MaintenanceInterval time.Duration
}

// NewWorkerPoolConfig builds the pool configuration of one stage
func NewWorkerPoolConfig(queue providers.QueueName, stage config.StageConfig, pipeline *config.PipelineConfig) WorkerPoolConfig {
	return WorkerPoolConfig{
		Queue:               queue,
		Concurrency:         stage.Concurrency,
		RatePerSecond:       stage.RatePerSecond,
		Burst:               stage.Burst,
		HandlerTimeout:      stage.HandlerTimeout,
		PollInterval:        pipeline.PollInterval,
		MaintenanceInterval: pipeline.MaintenanceInterval,
	}
}

func (c WorkerPoolConfig) withDefaults() WorkerPoolConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = time.Second
	}
	return c
}

// WorkerPool consumes one queue with bounded concurrency and a dequeue rate limit.
// Rate limiting delays dequeuing; it never fails a job.
type WorkerPool struct {
	cfg     WorkerPoolConfig
	queue   providers.JobQueue
	handler JobHandler
	limiter *rate.Limiter
	slots   *semaphore.Weighted
	metrics *observability.Metrics

	started  atomic.Bool
	cancel   context.CancelFunc
	loops    sync.WaitGroup
	inFlight sync.WaitGroup
}

// NewWorkerPool creates a pool. metrics may be nil.
func NewWorkerPool(queue providers.JobQueue, cfg WorkerPoolConfig, handler JobHandler, metrics *observability.Metrics) *WorkerPool {
	cfg = cfg.withDefaults()

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	return &WorkerPool{
		cfg:     cfg,
		queue:   queue,
		handler: handler,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		slots:   semaphore.NewWeighted(int64(cfg.Concurrency)),
		metrics: metrics,
	}
}

// Start launches the dispatcher and maintenance loops. Handlers inherit the
// values of ctx but not its cancellation; use Shutdown to stop the pool.
func (p *WorkerPool) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return ErrPoolStarted
	}

	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	handlerCtx := context.WithoutCancel(ctx)

	p.loops.Add(2)
	go func() {
		defer p.loops.Done()
		p.dispatch(loopCtx, handlerCtx)
	}()
	go func() {
		defer p.loops.Done()
		p.maintain(loopCtx)
	}()

	log.Info().
		Str("queue", string(p.cfg.Queue)).
		Int("concurrency", p.cfg.Concurrency).
		Float64("rate_per_second", p.cfg.RatePerSecond).
		Msg("Worker pool started")
	return nil
}

// Shutdown stops dequeuing and waits for in-flight handlers or ctx, whichever comes first
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	if !p.started.Load() {
		return nil
	}
	p.cancel()
	p.loops.Wait()

	done := make(chan struct{})
	go func() {
		p.inFlight.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Str("queue", string(p.cfg.Queue)).Msg("Worker pool stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker pool %s: in-flight jobs did not finish: %w", p.cfg.Queue, ctx.Err())
	}
}

func (p *WorkerPool) dispatch(ctx, handlerCtx context.Context) {
	for {
		if err := p.slots.Acquire(ctx, 1); err != nil {
			return
		}

		d, ok := p.next(ctx)
		if !ok {
			p.slots.Release(1)
			return
		}

		p.inFlight.Add(1)
		go func() {
			defer p.inFlight.Done()
			defer p.slots.Release(1)
			p.handle(handlerCtx, d)
		}()
	}
}

// next waits for a rate token and reserves a job, polling while the queue is empty
func (p *WorkerPool) next(ctx context.Context) (*providers.Delivery, bool) {
	for {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, false
		}

		d, err := p.queue.Reserve(ctx, p.cfg.Queue)
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("queue", string(p.cfg.Queue)).Msg("Failed to reserve job")
		}
		if d != nil {
			return d, true
		}

		select {
		case <-ctx.Done():
			return nil, false
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

func (p *WorkerPool) handle(parent context.Context, d *providers.Delivery) {
	ctx, cancel := parent, context.CancelFunc(func() {})
	if p.cfg.HandlerTimeout > 0 {
		ctx, cancel = context.WithTimeout(parent, p.cfg.HandlerTimeout)
	}
	defer cancel()

	logger := log.With().
		Str("queue", string(d.Queue)).
		Str("job_id", d.ID).
		Int("attempt", d.Attempt).
		Logger()

	start := time.Now()
	err := p.run(ctx, d)
	elapsed := time.Since(start)

	// Acknowledge on a fresh context so a handler timeout cannot strand the job
	ackCtx, ackCancel := context.WithTimeout(parent, 10*time.Second)
	defer ackCancel()

	if err == nil {
		if ackErr := p.queue.Complete(ackCtx, d); ackErr != nil {
			logger.Error().Err(ackErr).Msg("Failed to acknowledge job")
		}
		observability.RecordJobMetric(ackCtx, p.metrics, string(d.Queue), "completed", elapsed)
		logger.Debug().Int64("latency_ms", elapsed.Milliseconds()).Msg("Job completed")
		return
	}

	outcome, failErr := p.queue.Fail(ackCtx, d, err)
	if failErr != nil {
		logger.Error().Err(failErr).AnErr("cause", err).Msg("Failed to record job failure")
		return
	}
	observability.RecordJobMetric(ackCtx, p.metrics, string(d.Queue), string(outcome), elapsed)

	if outcome == providers.FailOutcomeDead {
		logger.Error().Err(err).Int("max_attempts", d.MaxAttempts).Msg("Job moved to dead letter queue")
	} else {
		logger.Warn().Err(err).Int("max_attempts", d.MaxAttempts).Msg("Job failed, scheduled for retry")
	}
}

func (p *WorkerPool) run(ctx context.Context, d *providers.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler(ctx, d)
}

func (p *WorkerPool) maintain(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		p.runMaintenance(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *WorkerPool) runMaintenance(ctx context.Context) {
	if n, err := p.queue.PromoteDue(ctx, p.cfg.Queue); err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("queue", string(p.cfg.Queue)).Msg("Failed to promote delayed jobs")
		}
	} else if n > 0 {
		log.Debug().Str("queue", string(p.cfg.Queue)).Int("count", n).Msg("Promoted delayed jobs")
	}

	if n, err := p.queue.RequeueExpired(ctx, p.cfg.Queue); err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Str("queue", string(p.cfg.Queue)).Msg("Failed to requeue expired jobs")
		}
	} else if n > 0 {
		log.Warn().Str("queue", string(p.cfg.Queue)).Int("count", n).Msg("Requeued jobs with expired lease")
	}
}
