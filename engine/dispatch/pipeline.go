package dispatch

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hookline/hookline/engine/infra/broker"
	"github.com/hookline/hookline/engine/webhook"
	"github.com/hookline/hookline/pkg/config"
)

// Pipeline is the dispatch side of ingress: it compresses the envelope,
// serializes it into a broker message, and hands it to either the
// per-destination batcher or the resilience-wrapped publisher.
type Pipeline struct {
	compressor *Compressor
	publisher  *Publisher
	resilience *Resilience
	batcher    *Batcher
	dlq        webhook.DLQ
	metrics    *webhook.Metrics
}

func NewPipeline(b broker.Publisher, cfg *config.Config, lookup webhook.Lookup, dlq webhook.DLQ, metrics *webhook.Metrics) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if metrics == nil {
		metrics, _ = webhook.NewMetrics(context.Background(), nil)
	}
	compressor, err := NewCompressor(&cfg.Compression, metrics)
	if err != nil {
		return nil, fmt.Errorf("compressor: %w", err)
	}
	p := &Pipeline{
		compressor: compressor,
		publisher:  NewPublisher(b, &cfg.Broker, lookup),
		resilience: NewResilience(&cfg.Resilience, lookup, metrics),
		dlq:        dlq,
		metrics:    metrics,
	}
	if cfg.Batch.Enabled {
		p.batcher = NewBatcher(&cfg.Batch, p.publishBatch, metrics)
	}
	return p, nil
}

// Dispatch implements webhook.Dispatcher.
func (p *Pipeline) Dispatch(ctx context.Context, env *webhook.Envelope) (string, error) {
	if err := p.compressor.Compress(ctx, env); err != nil {
		return "", fmt.Errorf("compress payload: %w", err)
	}
	msg, err := p.publisher.BuildMessage(env)
	if err != nil {
		return "", fmt.Errorf("build message: %w", err)
	}
	if p.batcher != nil {
		return msg.Destination, p.batcher.Enqueue(ctx, msg)
	}
	err = p.resilience.ExecuteFor(ctx, env.ProviderName, func(ctx context.Context) error {
		return p.publisher.Publish(ctx, msg)
	})
	return msg.Destination, err
}

// publishBatch is the batcher's flush function. It reuses the resilience
// policy so batched publishes observe the same breaker as direct ones.
// Batches are per destination; with provider-derived destinations they carry
// one provider, whose retry override the first message selects.
func (p *Pipeline) publishBatch(ctx context.Context, _ string, msgs []*broker.Message) error {
	provider := ""
	if len(msgs) > 0 {
		provider = msgs[0].Headers[webhook.HeaderProvider]
	}
	err := p.resilience.ExecuteFor(ctx, provider, func(ctx context.Context) error {
		return p.publisher.PublishBatch(ctx, msgs)
	})
	if err != nil {
		p.deadLetterBatch(ctx, msgs, err)
	}
	return err
}

// deadLetterBatch records every envelope of a terminally failed flush. The
// callers were acknowledged when the batch accepted their messages, so the
// dead-letter record is the only remaining trail of these events.
func (p *Pipeline) deadLetterBatch(ctx context.Context, msgs []*broker.Message, cause error) {
	for _, msg := range msgs {
		provider := msg.Headers[webhook.HeaderProvider]
		p.metrics.OnFailed(ctx, provider, "batch_flush")
		if p.dlq == nil {
			continue
		}
		var env webhook.Envelope
		if jsonErr := json.Unmarshal(msg.Payload, &env); jsonErr != nil {
			env = webhook.Envelope{EventID: msg.Headers[webhook.HeaderEventID], ProviderName: provider}
		}
		p.dlq.WriteRejected(ctx, webhook.NewRejectedEvent(&env, "batch flush failed", webhook.CategoryProcessing, cause))
	}
}

// Resilience exposes the breaker for readiness probes.
func (p *Pipeline) Resilience() *Resilience { return p.resilience }

// Compressor exposes the payload codec so the consumer runtime can reverse it.
func (p *Pipeline) Compressor() *Compressor { return p.compressor }

// Destination reports where a provider's events publish without dispatching.
func (p *Pipeline) Destination(provider string) string {
	return p.publisher.Destination(provider)
}

// Close flushes pending batches. Dispatches racing Close fall back to the
// direct publish path.
func (p *Pipeline) Close() error {
	if p.batcher != nil {
		p.batcher.Close()
	}
	return nil
}
