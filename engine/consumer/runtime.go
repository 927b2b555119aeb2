package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/segmentio/ksuid"

	"github.com/hookline/hookline/engine/dispatch"
	"github.com/hookline/hookline/engine/infra/broker"
	"github.com/hookline/hookline/engine/infra/tracing"
	"github.com/hookline/hookline/engine/webhook"
	"github.com/hookline/hookline/pkg/config"
	"github.com/hookline/hookline/pkg/logger"
)

const (
	defaultConsumerGroup = "hookline-workers"
	defaultNamePrefix    = "worker"
)

// Runtime subscribes the processor host to the configured destinations. It
// starts one group consumer per unit of configured concurrency, each with a
// unique consumer name, so drivers with server-side groups spread partitions
// across them. Delivery is at least once; the host absorbs duplicates.
type Runtime struct {
	broker broker.Subscriber
	host   *Host
	codec  *dispatch.Compressor
	dlq    webhook.DLQ
	cfg    *config.Config

	mu      sync.Mutex
	subs    []broker.Subscription
	started bool
}

func NewRuntime(b broker.Subscriber, host *Host, codec *dispatch.Compressor, dlq webhook.DLQ, cfg *config.Config) *Runtime {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Runtime{broker: b, host: host, codec: codec, dlq: dlq, cfg: cfg}
}

// Start opens the subscriptions. It fails when no destinations are
// configured and unwinds any partial subscriptions on error.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return fmt.Errorf("consumer runtime already started")
	}
	destinations := r.cfg.Worker.Destinations
	if len(destinations) == 0 {
		return fmt.Errorf("at least one worker destination is required")
	}
	group := r.cfg.Broker.ConsumerGroup
	if group == "" {
		group = defaultConsumerGroup
	}
	concurrency := r.cfg.Worker.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	prefix := r.cfg.Worker.NamePrefix
	if prefix == "" {
		prefix = defaultNamePrefix
	}
	for i := 0; i < concurrency; i++ {
		opts := broker.SubscribeOptions{
			Destinations: destinations,
			Group:        group,
			Consumer:     fmt.Sprintf("%s-%s", prefix, ksuid.New().String()),
		}
		sub, err := r.broker.Subscribe(ctx, opts, r.handleMessage)
		if err != nil {
			closeErr := r.closeLocked()
			return errors.Join(fmt.Errorf("failed to subscribe consumer: %w", err), closeErr)
		}
		r.subs = append(r.subs, sub)
	}
	r.started = true
	logger.FromContext(ctx).Info("consumer runtime started",
		"destinations", destinations,
		"group", group,
		"consumers", concurrency,
	)
	return nil
}

// handleMessage decodes one delivery, rebinds its trace context, and hands
// the envelope to the host. Undecodable payloads dead-letter immediately:
// redelivery cannot fix them.
func (r *Runtime) handleMessage(ctx context.Context, msg *broker.Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("message handler panic: %v", rec)
			logger.FromContext(ctx).Error("message handler panicked",
				"message_id", msg.ID, "error", err, "stack", string(debug.Stack()))
		}
	}()
	trace := tracing.FromHeaders(msg.Headers).Ensure()
	ctx = tracing.ContextWith(ctx, trace)
	env := &webhook.Envelope{}
	if uerr := json.Unmarshal(msg.Payload, env); uerr != nil {
		r.rejectPoison(ctx, msg, uerr)
		return nil
	}
	// Decompression failures are retried: the stamp may name an algorithm
	// only a newer worker build understands.
	if derr := r.codec.Decompress(ctx, env); derr != nil {
		return fmt.Errorf("failed to decompress payload: %w", derr)
	}
	return r.host.Handle(ctx, msg, env)
}

func (r *Runtime) rejectPoison(ctx context.Context, msg *broker.Message, cause error) {
	logger.FromContext(ctx).Error("undecodable envelope, dead-lettering",
		"message_id", msg.ID, "destination", msg.Destination, "error", cause)
	if r.dlq == nil {
		return
	}
	env := &webhook.Envelope{
		EventID:      msg.Headers[webhook.HeaderEventID],
		ProviderName: msg.Headers[webhook.HeaderProvider],
		ReceivedAt:   msg.Timestamp,
	}
	if env.EventID == "" {
		env.EventID = msg.ID
	}
	if json.Valid(msg.Payload) {
		env.Payload = msg.Payload
	}
	ev := webhook.NewRejectedEvent(env, "envelope decode failed", webhook.CategoryUnrecoverable, cause)
	ev.ExceptionType = fmt.Sprintf("%T", cause)
	r.dlq.WriteRejected(ctx, ev)
}

// Wait blocks until every subscription finishes or the context ends.
func (r *Runtime) Wait(ctx context.Context) error {
	r.mu.Lock()
	subs := make([]broker.Subscription, len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()
	for _, sub := range subs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.Done():
			if err := sub.Err(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
		}
	}
	return nil
}

// Close stops all subscriptions.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeLocked()
}

func (r *Runtime) closeLocked() error {
	var errs []error
	for _, sub := range r.subs {
		if err := sub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	r.subs = nil
	r.started = false
	return errors.Join(errs...)
}
