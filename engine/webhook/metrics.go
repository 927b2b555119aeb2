package webhook

import (
	"context"
	"fmt"
	"time"

	monitoringmetrics "github.com/hookline/hookline/engine/infra/monitoring/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const labelUnknownValue = "unknown"

// Breaker states as gauge values.
const (
	BreakerStateClosed   = 0
	BreakerStateHalfOpen = 1
	BreakerStateOpen     = 2
)

// Metrics provides instrumentation for the full webhook path: ingress
// admission, publishing, worker processing, and the resilience layer.
type Metrics struct {
	meter            metric.Meter
	receivedTotal    metric.Int64Counter
	publishedTotal   metric.Int64Counter
	rejectedTotal    metric.Int64Counter
	failedTotal      metric.Int64Counter
	duplicatesTotal  metric.Int64Counter
	dlqTotal         metric.Int64Counter
	breakerCalls     metric.Int64Counter
	batchFlushTotal  metric.Int64Counter
	breakerState     metric.Int64Gauge
	payloadHistogram metric.Int64Histogram
	processingTimer  metric.Float64Histogram
	compressionRatio metric.Float64Histogram
}

// NewMetrics initializes webhook metrics using the provided meter. A nil
// meter yields a no-op Metrics, which tests and the dev command rely on.
func NewMetrics(_ context.Context, meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}
	if err := m.init(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) init() error {
	if m.meter == nil {
		return nil
	}
	if err := m.initCounters(); err != nil {
		return err
	}
	if err := m.initHistograms(); err != nil {
		return err
	}
	return m.initGauges()
}

func (m *Metrics) initCounters() error {
	counterDefs := []struct {
		target      *metric.Int64Counter
		name        string
		description string
		errLabel    string
	}{
		{&m.receivedTotal, "received_total", "Total webhook requests received", "received"},
		{&m.publishedTotal, "published_total", "Total webhook envelopes published to the broker", "published"},
		{&m.rejectedTotal, "rejected_total", "Total webhook requests rejected by reason", "rejected"},
		{&m.failedTotal, "failed_total", "Total webhook processing failures by error type", "failed"},
		{&m.duplicatesTotal, "duplicates_total", "Total duplicate webhook requests detected", "duplicates"},
		{&m.dlqTotal, "dlq_published_total", "Total records published to the dead-letter queue", "dlq"},
		{&m.breakerCalls, "circuit_breaker_calls_total", "Total circuit breaker call outcomes", "breaker calls"},
		{&m.batchFlushTotal, "batch_flush_total", "Total batch flushes by trigger", "batch flush"},
	}
	for _, def := range counterDefs {
		counter, err := m.registerInt64Counter(def.name, def.description, def.errLabel)
		if err != nil {
			return err
		}
		*def.target = counter
	}
	return nil
}

// registerInt64Counter creates and names a counter under the webhooks subsystem.
func (m *Metrics) registerInt64Counter(name, description, errLabel string) (metric.Int64Counter, error) {
	counter, err := m.meter.Int64Counter(
		monitoringmetrics.MetricNameWithSubsystem("webhooks", name),
		metric.WithDescription(description),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create webhooks %s counter: %w", errLabel, err)
	}
	return counter, nil
}

func (m *Metrics) initHistograms() error {
	var err error
	m.payloadHistogram, err = m.meter.Int64Histogram(
		monitoringmetrics.MetricNameWithSubsystem("webhooks", "payload_size_bytes"),
		metric.WithDescription("Size distribution of webhook payloads"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(100, 1_000, 10_000, 100_000, 1_000_000, 10_000_000),
	)
	if err != nil {
		return fmt.Errorf("failed to create webhooks payload histogram: %w", err)
	}
	m.processingTimer, err = m.meter.Float64Histogram(
		monitoringmetrics.MetricNameWithSubsystem("webhooks", "processing_duration_seconds"),
		metric.WithDescription("Webhook processing duration from receipt to acknowledgment"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(.005, .01, .025, .05, .1, .25, .5, 1, 2, 2.5, 5, 10),
	)
	if err != nil {
		return fmt.Errorf("failed to create webhooks processing duration histogram: %w", err)
	}
	m.compressionRatio, err = m.meter.Float64Histogram(
		monitoringmetrics.MetricNameWithSubsystem("webhooks", "compression_ratio"),
		metric.WithDescription("Compressed-to-original payload size ratio"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(.1, .2, .3, .4, .5, .6, .7, .8, .9, 1),
	)
	if err != nil {
		return fmt.Errorf("failed to create webhooks compression ratio histogram: %w", err)
	}
	return nil
}

func (m *Metrics) initGauges() error {
	var err error
	m.breakerState, err = m.meter.Int64Gauge(
		monitoringmetrics.MetricNameWithSubsystem("webhooks", "circuit_breaker_state"),
		metric.WithDescription("Circuit breaker state: 0 closed, 1 half-open, 2 open"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create webhooks breaker state gauge: %w", err)
	}
	return nil
}

func providerAttr(provider string) metric.MeasurementOption {
	if provider == "" {
		provider = labelUnknownValue
	}
	return metric.WithAttributes(attribute.String("provider", provider))
}

// OnReceived counts a request entering the pipeline.
func (m *Metrics) OnReceived(ctx context.Context, provider string) {
	if m.receivedTotal != nil {
		m.receivedTotal.Add(ctx, 1, providerAttr(provider))
	}
}

// OnPublished counts an envelope handed to the broker.
func (m *Metrics) OnPublished(ctx context.Context, provider string) {
	if m.publishedTotal != nil {
		m.publishedTotal.Add(ctx, 1, providerAttr(provider))
	}
}

// OnRejected counts an admission rejection with its low-cardinality reason.
func (m *Metrics) OnRejected(ctx context.Context, provider, reason string) {
	if m.rejectedTotal != nil {
		if reason == "" {
			reason = labelUnknownValue
		}
		m.rejectedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", orUnknown(provider)),
			attribute.String("reason", reason),
		))
	}
}

// OnFailed counts a processing failure by error type.
func (m *Metrics) OnFailed(ctx context.Context, provider, errorType string) {
	if m.failedTotal != nil {
		if errorType == "" {
			errorType = labelUnknownValue
		}
		m.failedTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", orUnknown(provider)),
			attribute.String("error_type", errorType),
		))
	}
}

// OnDuplicate counts a request served from the HTTP idempotency cache or a
// message skipped by worker-side deduplication.
func (m *Metrics) OnDuplicate(ctx context.Context, provider string) {
	if m.duplicatesTotal != nil {
		m.duplicatesTotal.Add(ctx, 1, providerAttr(provider))
	}
}

// OnDLQ counts a record published to the dead-letter destination.
func (m *Metrics) OnDLQ(ctx context.Context, category string) {
	if m.dlqTotal != nil {
		if category == "" {
			category = CategoryOther
		}
		m.dlqTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
	}
}

// RecordPayloadSize observes webhook payload sizes per provider.
func (m *Metrics) RecordPayloadSize(ctx context.Context, provider string, payloadBytes int) {
	if m.payloadHistogram != nil && payloadBytes >= 0 {
		m.payloadHistogram.Record(ctx, int64(payloadBytes), providerAttr(provider))
	}
}

// ObserveProcessing records end-to-end handling duration per provider.
func (m *Metrics) ObserveProcessing(ctx context.Context, provider string, d time.Duration) {
	if m.processingTimer != nil {
		m.processingTimer.Record(ctx, d.Seconds(), providerAttr(provider))
	}
}

// ObserveCompressionRatio records compressed/original size for a payload.
func (m *Metrics) ObserveCompressionRatio(ctx context.Context, provider, algorithm string, ratio float64) {
	if m.compressionRatio != nil && ratio >= 0 {
		m.compressionRatio.Record(ctx, ratio, metric.WithAttributes(
			attribute.String("provider", orUnknown(provider)),
			attribute.String("algorithm", orUnknown(algorithm)),
		))
	}
}

// SetBreakerState records the current state of a named circuit breaker.
func (m *Metrics) SetBreakerState(ctx context.Context, name string, state int64) {
	if m.breakerState != nil {
		m.breakerState.Record(ctx, state, metric.WithAttributes(attribute.String("name", orUnknown(name))))
	}
}

// OnBreakerCall counts a call outcome observed by a named breaker: kind is
// one of success, failure, slow, rejected.
func (m *Metrics) OnBreakerCall(ctx context.Context, name, kind string) {
	if m.breakerCalls != nil {
		m.breakerCalls.Add(ctx, 1, metric.WithAttributes(
			attribute.String("name", orUnknown(name)),
			attribute.String("kind", orUnknown(kind)),
		))
	}
}

// OnBatchFlush counts a batch flush with its trigger: size, timer, or
// shutdown.
func (m *Metrics) OnBatchFlush(ctx context.Context, destination, trigger string) {
	if m.batchFlushTotal != nil {
		m.batchFlushTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("destination", orUnknown(destination)),
			attribute.String("trigger", orUnknown(trigger)),
		))
	}
}

func orUnknown(v string) string {
	if v == "" {
		return labelUnknownValue
	}
	return v
}
