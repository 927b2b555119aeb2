package consumer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/hookline/hookline/engine/idempotency"
	"github.com/hookline/hookline/engine/infra/broker"
	"github.com/hookline/hookline/engine/webhook"
	"github.com/hookline/hookline/pkg/logger"
)

const defaultDeliveryBudget = 5

// Host drives the idempotent processing state machine around a user
// Processor. For every delivered envelope it takes the distributed content
// lock, suppresses duplicates, verifies the provider signature, runs the
// processor, and settles the broker delivery. The processed marker is always
// written before the lock is released, and the lock is always released
// before the broker acknowledgment.
type Host struct {
	processor     Processor
	store         idempotency.Store
	lookup        webhook.Lookup
	dlq           webhook.DLQ
	metrics       *webhook.Metrics
	maxDeliveries int
}

// NewHost wires the state machine. lookup and dlq may be nil: without a
// lookup no signatures are verified, without a dlq terminal failures are
// only logged.
func NewHost(
	processor Processor,
	store idempotency.Store,
	lookup webhook.Lookup,
	dlq webhook.DLQ,
	metrics *webhook.Metrics,
	maxDeliveries int,
) *Host {
	if metrics == nil {
		metrics, _ = webhook.NewMetrics(context.Background(), nil)
	}
	if maxDeliveries <= 0 {
		maxDeliveries = defaultDeliveryBudget
	}
	return &Host{
		processor:     processor,
		store:         store,
		lookup:        lookup,
		dlq:           dlq,
		metrics:       metrics,
		maxDeliveries: maxDeliveries,
	}
}

// Handle settles one delivered envelope. Returning nil acknowledges the
// message; returning an error requests redelivery.
func (h *Host) Handle(ctx context.Context, msg *broker.Message, env *webhook.Envelope) error {
	log := logger.FromContext(ctx).With("event_id", env.EventID, "provider", env.ProviderName)
	if !h.processor.CanProcess(ctx, env) {
		log.Debug("processor declined event, acknowledging")
		return nil
	}
	key := webhook.ContentKey(env)
	acquired, err := h.store.TryAcquire(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to acquire processing lock: %w", err)
	}
	if !acquired {
		log.Debug("content key held by another worker, acknowledging", "content_key", key)
		return nil
	}
	// Every path past this point releases the lock; a crash leaves it to
	// expire on its TTL.
	processed, err := h.store.IsProcessed(ctx, key)
	if err != nil {
		h.release(ctx, key)
		return fmt.Errorf("failed to check processed marker: %w", err)
	}
	if processed {
		log.Debug("duplicate content key, acknowledging", "content_key", key)
		h.metrics.OnDuplicate(ctx, env.ProviderName)
		h.release(ctx, key)
		return nil
	}
	if err := h.verifySignature(ctx, env); err != nil {
		log.Warn("signature verification failed, dead-lettering", "error", err)
		h.metrics.OnFailed(ctx, env.ProviderName, "signature")
		h.deadLetter(ctx, env, msg, "signature verification failed", webhook.CategoryValidation, err)
		h.release(ctx, key)
		return nil
	}
	res := h.runProcessor(ctx, env)
	return h.settle(ctx, msg, env, key, res)
}

// runProcessor times before_process through process and converts panics and
// hook errors into the errored outcome via OnError.
func (h *Host) runProcessor(ctx context.Context, env *webhook.Envelope) (res Result) {
	start := time.Now()
	defer func() {
		h.metrics.ObserveProcessing(ctx, env.ProviderName, time.Since(start))
		if r := recover(); r != nil {
			err := fmt.Errorf("processor panic: %v", r)
			logger.FromContext(ctx).Error("user processor panicked",
				"event_id", env.EventID, "error", err, "stack", string(debug.Stack()))
			h.processor.OnError(ctx, env, err)
			res = Result{Code: codeErrored, Err: err}
		}
	}()
	if err := h.processor.BeforeProcess(ctx, env); err != nil {
		h.processor.OnError(ctx, env, err)
		return Result{Code: codeErrored, Err: err}
	}
	return h.processor.Process(ctx, env)
}

func (h *Host) settle(ctx context.Context, msg *broker.Message, env *webhook.Envelope, key string, res Result) error {
	log := logger.FromContext(ctx)
	switch res.Code {
	case CodeSuccess:
		if err := h.store.MarkProcessed(ctx, key, env.EventID); err != nil {
			log.Error("failed to persist processed marker",
				"event_id", env.EventID, "content_key", key, "error", err)
		}
		if err := h.processor.AfterProcess(ctx, env); err != nil {
			log.Error("after-process hook failed", "event_id", env.EventID, "error", err)
		}
		h.release(ctx, key)
		return nil
	case CodeSkipped:
		h.release(ctx, key)
		return nil
	case CodeRetry:
		h.recordFailure(ctx, key, res.Err, "retry requested")
		h.metrics.OnFailed(ctx, env.ProviderName, "retry")
		h.release(ctx, key)
		if h.finalDelivery(msg) {
			h.deadLetter(ctx, env, msg, "retry budget exhausted", webhook.CategoryProcessing, res.Err)
			return nil
		}
		return broker.RetryAfter(res.Delay, h.cause(res, "retry requested"))
	case CodeFailed:
		h.recordFailure(ctx, key, res.Err, "processing failed")
		h.metrics.OnFailed(ctx, env.ProviderName, "failed")
		h.release(ctx, key)
		if h.finalDelivery(msg) {
			h.deadLetter(ctx, env, msg, "processing failed", webhook.CategoryProcessing, res.Err)
			return nil
		}
		return h.cause(res, "processing failed")
	default:
		h.recordFailure(ctx, key, res.Err, "processor error")
		h.metrics.OnFailed(ctx, env.ProviderName, "error")
		h.release(ctx, key)
		if h.finalDelivery(msg) {
			h.deadLetter(ctx, env, msg, "unrecoverable processor error", webhook.CategoryUnrecoverable, res.Err)
			return nil
		}
		return h.cause(res, "processor error")
	}
}

func (h *Host) cause(res Result, fallback string) error {
	if res.Err != nil {
		return res.Err
	}
	return errors.New(fallback)
}

// finalDelivery reports whether this delivery is the last the budget allows.
// The host dead-letters terminal failures itself on the final delivery so
// the DLQ record carries the full rejection envelope.
func (h *Host) finalDelivery(msg *broker.Message) bool {
	return msg.Delivery.Count >= h.maxDeliveries
}

func (h *Host) verifySignature(ctx context.Context, env *webhook.Envelope) error {
	if h.lookup == nil {
		return nil
	}
	entry, ok := h.lookup.Get(env.ProviderName)
	if !ok || entry == nil {
		return nil
	}
	v := entry.Verifier()
	if v == nil || !v.Required() {
		return nil
	}
	return v.Verify(ctx, env.Headers, env.Payload)
}

func (h *Host) deadLetter(ctx context.Context, env *webhook.Envelope, msg *broker.Message, reason, category string, cause error) {
	if h.dlq == nil {
		return
	}
	ev := webhook.NewRejectedEvent(env, reason, category, cause)
	if msg.Delivery.Count > 1 {
		ev.RetryCount = msg.Delivery.Count - 1
	}
	if cause != nil && category != webhook.CategoryValidation {
		ev.ExceptionType = fmt.Sprintf("%T", cause)
	}
	h.dlq.WriteRejected(ctx, ev)
}

func (h *Host) release(ctx context.Context, key string) {
	if err := h.store.Release(ctx, key); err != nil {
		logger.FromContext(ctx).Error("failed to release processing lock",
			"content_key", key, "error", err)
	}
}

func (h *Host) recordFailure(ctx context.Context, key string, cause error, fallback string) {
	if cause == nil {
		cause = errors.New(fallback)
	}
	if err := h.store.RecordFailure(ctx, key, cause); err != nil {
		logger.FromContext(ctx).Error("failed to record processing failure",
			"content_key", key, "error", err)
	}
}
