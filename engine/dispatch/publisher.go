package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hookline/hookline/engine/infra/broker"
	"github.com/hookline/hookline/engine/infra/tracing"
	"github.com/hookline/hookline/engine/webhook"
	"github.com/hookline/hookline/pkg/config"
)

// Publisher serializes envelopes into broker messages and performs exactly
// one publish attempt per call. Retries, breaking, and timeouts live in
// Resilience; batching lives in Batcher.
type Publisher struct {
	broker broker.Publisher
	cfg    *config.BrokerConfig
	lookup webhook.Lookup
}

// NewPublisher builds the publisher. The lookup supplies per-provider
// destination overrides and may be nil.
func NewPublisher(b broker.Publisher, cfg *config.BrokerConfig, lookup webhook.Lookup) *Publisher {
	if cfg == nil {
		cfg = &config.BrokerConfig{}
	}
	return &Publisher{broker: b, cfg: cfg, lookup: lookup}
}

// Destination resolves the broker destination for a provider: the registry's
// per-provider override wins, then the configured custom destination, then
// prefix + provider + suffix.
func (p *Publisher) Destination(provider string) string {
	if p.lookup != nil {
		if entry, ok := p.lookup.Get(provider); ok && entry.Destination != "" {
			return entry.Destination
		}
	}
	if p.cfg.CustomDestination != "" {
		return p.cfg.CustomDestination
	}
	name := ""
	if p.cfg.UseProviderAsTopic {
		name = provider
	}
	return p.cfg.DestinationPrefix + name + p.cfg.DestinationSuffix
}

// BuildMessage serializes the envelope and stamps the routing and trace
// headers consumers key on.
func (p *Publisher) BuildMessage(env *webhook.Envelope) (*broker.Message, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	headers := map[string]string{
		webhook.HeaderProvider:   env.ProviderName,
		webhook.HeaderEventID:    env.EventID,
		webhook.HeaderReceivedAt: env.ReceivedAt.UTC().Format(time.RFC3339Nano),
	}
	if env.CorrelationID != "" {
		headers[webhook.HeaderCorrelationID] = env.CorrelationID
	}
	copyTraceHeaders(env.Headers, headers)
	return &broker.Message{
		ID:          env.EventID,
		Destination: p.Destination(env.ProviderName),
		Key:         env.ProviderName,
		Payload:     payload,
		Headers:     headers,
		Timestamp:   env.ReceivedAt,
	}, nil
}

func copyTraceHeaders(src, dst map[string]string) {
	if src == nil {
		return
	}
	for _, name := range []string{tracing.HeaderTraceID, tracing.HeaderSpanID, tracing.HeaderRequestID} {
		if v := src[name]; v != "" {
			dst[name] = v
		}
	}
}

// Publish sends one message.
func (p *Publisher) Publish(ctx context.Context, msg *broker.Message) error {
	return p.broker.Publish(ctx, msg)
}

// PublishBatch sends a batch in one broker call.
func (p *Publisher) PublishBatch(ctx context.Context, msgs []*broker.Message) error {
	return p.broker.PublishBatch(ctx, msgs)
}
