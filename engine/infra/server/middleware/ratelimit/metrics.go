package ratelimit

import (
	"context"
	"sync"

	monitoringmetrics "github.com/hookline/hookline/engine/infra/monitoring/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// The blocked-request counter is package scoped: every Manager in the
// process feeds the same series.
var (
	blockedTotal metric.Int64Counter
	metricsOnce  sync.Once
)

// InitMetrics registers the counter on the meter. The first caller wins;
// later calls are no-ops.
func InitMetrics(meter metric.Meter) error {
	var err error
	metricsOnce.Do(func() {
		blockedTotal, err = meter.Int64Counter(
			monitoringmetrics.MetricName("rate_limit_blocks_total"),
			metric.WithDescription("Requests rejected by the HTTP rate limiter"),
			metric.WithUnit("1"),
		)
	})
	return err
}

// IncrementBlockedRequests counts one rejected request, labeled by route and
// by which key scope (ip or api_key) tripped the limit.
func IncrementBlockedRequests(ctx context.Context, route, keyType string) {
	if blockedTotal == nil {
		return
	}
	blockedTotal.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("route", route),
			attribute.String("key_type", keyType),
		),
	)
}

// ResetMetricsForTesting clears instrument state between test runs.
func ResetMetricsForTesting() {
	blockedTotal = nil
	metricsOnce = sync.Once{}
}
