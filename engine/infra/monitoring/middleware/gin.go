package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hookline/hookline/engine/infra/monitoring/metrics"
	"github.com/hookline/hookline/pkg/logger"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// httpMetrics carries the request instruments for one middleware instance.
// Instruments live per instance rather than per package, so each meter
// (including test meters) gets its own registrations.
type httpMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	size     metric.Int64Histogram
	inFlight metric.Int64UpDownCounter
}

func newHTTPMetrics(meter metric.Meter) (*httpMetrics, error) {
	m := &httpMetrics{}
	var err error
	if m.requests, err = meter.Int64Counter(
		metrics.MetricName("http_requests_total"),
		metric.WithDescription("Total HTTP requests"),
	); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram(
		metrics.MetricName("http_request_duration_seconds"),
		metric.WithDescription("HTTP request latency"),
		metric.WithExplicitBucketBoundaries(metrics.HTTPDurationBuckets...),
	); err != nil {
		return nil, err
	}
	if m.size, err = meter.Int64Histogram(
		metrics.MetricName("http_request_size_bytes"),
		metric.WithDescription("HTTP request body size"),
		metric.WithExplicitBucketBoundaries(metrics.HTTPSizeBucketBoundaries...),
	); err != nil {
		return nil, err
	}
	if m.inFlight, err = meter.Int64UpDownCounter(
		metrics.MetricName("http_requests_in_flight"),
		metric.WithDescription("Currently active HTTP requests"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

// HTTPMetrics returns a Gin middleware that records request count, latency,
// body size, and in-flight gauge. A nil meter or failed registration yields a
// pass-through handler; observability never takes a request down.
func HTTPMetrics(ctx context.Context, meter metric.Meter) gin.HandlerFunc {
	if meter == nil {
		return func(c *gin.Context) { c.Next() }
	}
	m, err := newHTTPMetrics(meter)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to create HTTP metrics instruments", "error", err)
		return func(c *gin.Context) { c.Next() }
	}
	return m.handle
}

func (m *httpMetrics) handle(c *gin.Context) {
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(c.Request.Context()).Error("Panic in HTTP metrics middleware", "panic", r)
		}
	}()
	start := time.Now()
	m.inFlight.Add(c.Request.Context(), 1)
	defer m.inFlight.Add(c.Request.Context(), -1)

	c.Next()

	m.record(c, start)
}

func (m *httpMetrics) record(c *gin.Context, start time.Time) {
	// FullPath is the route template, keeping path cardinality bounded even
	// under parameterized or unmatched requests.
	path := c.FullPath()
	if path == "" {
		path = "unmatched"
	}
	attrs := metric.WithAttributes(
		attribute.String("method", c.Request.Method),
		attribute.String("path", path),
		attribute.String("status_code", strconv.Itoa(c.Writer.Status())),
	)
	m.requests.Add(c.Request.Context(), 1, attrs)
	m.duration.Record(c.Request.Context(), time.Since(start).Seconds(), attrs)
	if size := c.Request.ContentLength; size >= 0 {
		m.size.Record(c.Request.Context(), size, attrs)
	}
}
