package aiclient

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type providerMetrics struct {
	requestCount    metric.Int64Counter
	requestDuration metric.Float64Histogram
	requestErrors   metric.Int64Counter
	rateLimitWait   metric.Float64Histogram
}

var (
	metricsOnce sync.Once
	metrics     *providerMetrics
)

func ensureMetrics() *providerMetrics {
	metricsOnce.Do(func() {
		meter := otel.Meter("github.com/zatekoja/aivisibility/provider")

		requestCount, err := meter.Int64Counter(
			"provider.request.count",
			metric.WithDescription("Number of answer engine requests"),
		)
		if err != nil {
			return
		}
		requestDuration, err := meter.Float64Histogram(
			"provider.request.duration",
			metric.WithDescription("Answer engine request duration in milliseconds"),
			metric.WithUnit("ms"),
		)
		if err != nil {
			return
		}
		requestErrors, err := meter.Int64Counter(
			"provider.request.errors",
			metric.WithDescription("Number of failed answer engine requests"),
		)
		if err != nil {
			return
		}
		rateLimitWait, err := meter.Float64Histogram(
			"provider.rate_limit.wait",
			metric.WithDescription("Time spent waiting for the provider rate limiter in milliseconds"),
			metric.WithUnit("ms"),
		)
		if err != nil {
			return
		}

		metrics = &providerMetrics{
			requestCount:    requestCount,
			requestDuration: requestDuration,
			requestErrors:   requestErrors,
			rateLimitWait:   rateLimitWait,
		}
	})
	return metrics
}

func attrs(provider, model string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("ai.provider", provider),
		attribute.String("ai.model", model),
	}
}

// RecordRequest records one provider call
func RecordRequest(ctx context.Context, provider, model string, statusCode int, duration time.Duration, err error) {
	m := ensureMetrics()
	if m == nil {
		return
	}

	kv := attrs(provider, model)
	if statusCode > 0 {
		kv = append(kv, attribute.Int("http.status_code", statusCode))
	}
	opt := metric.WithAttributes(kv...)

	m.requestCount.Add(ctx, 1, opt)
	m.requestDuration.Record(ctx, float64(duration.Milliseconds()), opt)
	if err != nil {
		m.requestErrors.Add(ctx, 1, opt)
	}
}

// RecordRateLimitWait records time spent blocked on a provider limiter
func RecordRateLimitWait(ctx context.Context, provider, model string, wait time.Duration) {
	m := ensureMetrics()
	if m == nil {
		return
	}
	m.rateLimitWait.Record(ctx, float64(wait.Milliseconds()), metric.WithAttributes(attrs(provider, model)...))
}
