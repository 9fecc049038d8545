package aiclient

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

const defaultRPM = 60

// NewLimiter returns a limiter allowing rpm requests per minute.
// Zero means the default; a negative value disables limiting and returns nil.
func NewLimiter(rpm int) *rate.Limiter {
	if rpm < 0 {
		return nil
	}
	if rpm == 0 {
		rpm = defaultRPM
	}
	burst := rpm / 10
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), burst)
}

// Wait blocks on limiter and records the wait. A nil limiter never blocks.
func Wait(ctx context.Context, limiter *rate.Limiter, provider, model string) error {
	if limiter == nil {
		return nil
	}
	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		return err
	}
	RecordRateLimitWait(ctx, provider, model, time.Since(start))
	return nil
}
