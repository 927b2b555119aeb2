package dispatch

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/hookline/hookline/engine/infra/broker"
	"github.com/hookline/hookline/engine/webhook"
	"github.com/hookline/hookline/pkg/config"
	"github.com/hookline/hookline/pkg/logger"
)

const defaultDLQDestination = "webhooks.dlq"

// DLQWriter records rejected events on the dead-letter destination. Writes
// are best effort: failures are logged and swallowed, because a dead-letter
// problem must never fail the request or worker that triggered it.
type DLQWriter struct {
	broker  broker.Publisher
	cfg     *config.BrokerConfig
	metrics *webhook.Metrics
}

func NewDLQWriter(b broker.Publisher, cfg *config.BrokerConfig, metrics *webhook.Metrics) *DLQWriter {
	if cfg == nil {
		cfg = &config.BrokerConfig{}
	}
	if metrics == nil {
		metrics, _ = webhook.NewMetrics(context.Background(), nil)
	}
	return &DLQWriter{broker: b, cfg: cfg, metrics: metrics}
}

func (w *DLQWriter) destination() string {
	if w.cfg.DLQDestination != "" {
		return w.cfg.DLQDestination
	}
	return defaultDLQDestination
}

// WriteRejected implements webhook.DLQ with a single publish attempt.
func (w *DLQWriter) WriteRejected(ctx context.Context, ev *webhook.RejectedEvent) {
	if ev == nil {
		return
	}
	log := logger.FromContext(ctx)
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error("failed to encode rejected event", "event_id", ev.EventID, "error", err)
		return
	}
	headers := map[string]string{
		webhook.HeaderProvider:          ev.ProviderName,
		webhook.HeaderEventID:           ev.EventID,
		webhook.HeaderRejectionCategory: ev.RejectionCategory,
		webhook.HeaderRejectedAt:        ev.RejectedAt.UTC().Format(time.RFC3339Nano),
	}
	if ev.RetryCount > 0 {
		headers[webhook.HeaderRetryCount] = strconv.Itoa(ev.RetryCount)
	}
	if ev.ExceptionType != "" {
		headers[webhook.HeaderExceptionType] = ev.ExceptionType
	}
	msg := &broker.Message{
		ID:          ev.EventID,
		Destination: w.destination(),
		Key:         ev.ProviderName,
		Payload:     payload,
		Headers:     headers,
		Timestamp:   ev.RejectedAt,
	}
	if err := w.broker.Publish(ctx, msg); err != nil {
		log.Error("failed to publish rejected event to DLQ",
			"event_id", ev.EventID,
			"destination", w.destination(),
			"category", ev.RejectionCategory,
			"error", err,
		)
		return
	}
	w.metrics.OnDLQ(ctx, ev.RejectionCategory)
	log.Info("rejected event dead-lettered",
		"event_id", ev.EventID,
		"destination", w.destination(),
		"category", ev.RejectionCategory,
	)
}
