package consumer

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookline/hookline/engine/idempotency"
	"github.com/hookline/hookline/engine/infra/broker"
	"github.com/hookline/hookline/engine/webhook"
	"github.com/hookline/hookline/pkg/config"
)

// fakeProcessor scripts the lifecycle hooks and counts invocations.
type fakeProcessor struct {
	mu     sync.Mutex
	can    func(env *webhook.Envelope) bool
	before func(env *webhook.Envelope) error
	run    func(env *webhook.Envelope) Result
	after  func(env *webhook.Envelope) error

	processedIDs []string
	befores      int
	afters       int
	errs         []error
}

func (p *fakeProcessor) CanProcess(_ context.Context, env *webhook.Envelope) bool {
	if p.can != nil {
		return p.can(env)
	}
	return true
}

func (p *fakeProcessor) BeforeProcess(_ context.Context, env *webhook.Envelope) error {
	p.mu.Lock()
	p.befores++
	p.mu.Unlock()
	if p.before != nil {
		return p.before(env)
	}
	return nil
}

func (p *fakeProcessor) Process(_ context.Context, env *webhook.Envelope) Result {
	p.mu.Lock()
	p.processedIDs = append(p.processedIDs, env.EventID)
	p.mu.Unlock()
	if p.run != nil {
		return p.run(env)
	}
	return Success()
}

func (p *fakeProcessor) AfterProcess(_ context.Context, env *webhook.Envelope) error {
	p.mu.Lock()
	p.afters++
	p.mu.Unlock()
	if p.after != nil {
		return p.after(env)
	}
	return nil
}

func (p *fakeProcessor) OnError(_ context.Context, _ *webhook.Envelope, err error) {
	p.mu.Lock()
	p.errs = append(p.errs, err)
	p.mu.Unlock()
}

func (p *fakeProcessor) processCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.processedIDs)
}

func (p *fakeProcessor) errorCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.errs)
}

// captureDLQ records rejected events in memory.
type captureDLQ struct {
	mu     sync.Mutex
	events []*webhook.RejectedEvent
}

func (d *captureDLQ) WriteRejected(_ context.Context, ev *webhook.RejectedEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, ev)
}

func (d *captureDLQ) list() []*webhook.RejectedEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*webhook.RejectedEvent, len(d.events))
	copy(out, d.events)
	return out
}

func newHostStore(t *testing.T) idempotency.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cfg := &config.IdempotencyConfig{
		KeyPrefix:    "hookline:",
		LockTTL:      5 * time.Minute,
		ProcessedTTL: 7 * 24 * time.Hour,
		FailuresTTL:  24 * time.Hour,
		HTTPTTL:      24 * time.Hour,
	}
	return idempotency.NewRedisStore(client, cfg)
}

func consumerEnvelope(eventID, payloadID string) *webhook.Envelope {
	return &webhook.Envelope{
		EventID:      eventID,
		ProviderName: "stripe",
		Payload:      json.RawMessage(fmt.Sprintf(`{"id":%q,"type":"payment_intent.succeeded"}`, payloadID)),
		ReceivedAt:   time.Now().UTC(),
		Headers:      map[string]string{"Content-Type": "application/json"},
	}
}

func deliveredMessage(count int) *broker.Message {
	return &broker.Message{
		ID:          "msg-1",
		Destination: "stripe",
		Delivery:    broker.Delivery{Count: count},
	}
}

func stripeRegistry(t *testing.T, secret string) *webhook.Registry {
	t.Helper()
	provider, err := webhook.CompileProvider(&webhook.ProviderSpec{
		Name:   "stripe",
		Verify: &webhook.VerifySpec{Strategy: webhook.StrategyStripe, Secret: secret},
	})
	require.NoError(t, err)
	reg := webhook.NewRegistry()
	require.NoError(t, reg.Add(provider))
	return reg
}

func stripeSign(secret string, body []byte, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), body)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestHost_Handle(t *testing.T) {
	t.Run("Should process, mark, and acknowledge a fresh event", func(t *testing.T) {
		store := newHostStore(t)
		proc := &fakeProcessor{}
		h := NewHost(proc, store, nil, nil, nil, 5)
		env := consumerEnvelope("evt-1", "pi_1")

		err := h.Handle(context.Background(), deliveredMessage(1), env)

		require.NoError(t, err)
		assert.Equal(t, 1, proc.befores)
		assert.Equal(t, 1, proc.processCount())
		assert.Equal(t, 1, proc.afters)

		key := webhook.ContentKey(env)
		processed, err := store.IsProcessed(context.Background(), key)
		require.NoError(t, err)
		assert.True(t, processed)
		// the lock must be gone
		acquired, err := store.TryAcquire(context.Background(), key)
		require.NoError(t, err)
		assert.True(t, acquired)
	})

	t.Run("Should acknowledge without touching the store when the processor declines", func(t *testing.T) {
		store := newHostStore(t)
		proc := &fakeProcessor{can: func(*webhook.Envelope) bool { return false }}
		h := NewHost(proc, store, nil, nil, nil, 5)
		env := consumerEnvelope("evt-1", "pi_1")

		err := h.Handle(context.Background(), deliveredMessage(1), env)

		require.NoError(t, err)
		assert.Zero(t, proc.processCount())
		processed, err := store.IsProcessed(context.Background(), webhook.ContentKey(env))
		require.NoError(t, err)
		assert.False(t, processed)
	})

	t.Run("Should skip when another worker holds the lock", func(t *testing.T) {
		store := newHostStore(t)
		proc := &fakeProcessor{}
		h := NewHost(proc, store, nil, nil, nil, 5)
		env := consumerEnvelope("evt-1", "pi_1")
		acquired, err := store.TryAcquire(context.Background(), webhook.ContentKey(env))
		require.NoError(t, err)
		require.True(t, acquired)

		err = h.Handle(context.Background(), deliveredMessage(1), env)

		require.NoError(t, err)
		assert.Zero(t, proc.processCount())
	})

	t.Run("Should skip duplicates with the same content key", func(t *testing.T) {
		store := newHostStore(t)
		proc := &fakeProcessor{}
		h := NewHost(proc, store, nil, nil, nil, 5)

		require.NoError(t, h.Handle(context.Background(), deliveredMessage(1), consumerEnvelope("evt-1", "pi_1")))
		// second delivery carries a different event id but the same payload id
		require.NoError(t, h.Handle(context.Background(), deliveredMessage(1), consumerEnvelope("evt-2", "pi_1")))

		assert.Equal(t, 1, proc.processCount())
	})

	t.Run("Should acknowledge skipped outcomes without marking", func(t *testing.T) {
		store := newHostStore(t)
		proc := &fakeProcessor{run: func(*webhook.Envelope) Result { return Skipped() }}
		h := NewHost(proc, store, nil, nil, nil, 5)
		env := consumerEnvelope("evt-1", "pi_1")

		err := h.Handle(context.Background(), deliveredMessage(1), env)

		require.NoError(t, err)
		processed, err := store.IsProcessed(context.Background(), webhook.ContentKey(env))
		require.NoError(t, err)
		assert.False(t, processed)
		acquired, err := store.TryAcquire(context.Background(), webhook.ContentKey(env))
		require.NoError(t, err)
		assert.True(t, acquired, "lock must be released after a skip")
	})

	t.Run("Should dead-letter invalid signatures without redelivery", func(t *testing.T) {
		store := newHostStore(t)
		proc := &fakeProcessor{}
		dlq := &captureDLQ{}
		reg := stripeRegistry(t, "whsec_right")
		h := NewHost(proc, store, reg, dlq, nil, 5)
		env := consumerEnvelope("evt-1", "pi_1")
		env.Headers["Stripe-Signature"] = stripeSign("whsec_wrong", env.Payload, time.Now())

		err := h.Handle(context.Background(), deliveredMessage(1), env)

		require.NoError(t, err, "signature failures must not redeliver")
		assert.Zero(t, proc.processCount())
		got := dlq.list()
		require.Len(t, got, 1)
		assert.Equal(t, webhook.CategoryValidation, got[0].RejectionCategory)
		assert.Equal(t, "evt-1", got[0].EventID)
		processed, err := store.IsProcessed(context.Background(), webhook.ContentKey(env))
		require.NoError(t, err)
		assert.False(t, processed)
	})

	t.Run("Should process events with a valid signature", func(t *testing.T) {
		store := newHostStore(t)
		proc := &fakeProcessor{}
		reg := stripeRegistry(t, "whsec_right")
		h := NewHost(proc, store, reg, &captureDLQ{}, nil, 5)
		env := consumerEnvelope("evt-1", "pi_1")
		env.Headers["Stripe-Signature"] = stripeSign("whsec_right", env.Payload, time.Now())

		err := h.Handle(context.Background(), deliveredMessage(1), env)

		require.NoError(t, err)
		assert.Equal(t, 1, proc.processCount())
	})

	t.Run("Should request delayed redelivery on retry", func(t *testing.T) {
		store := newHostStore(t)
		proc := &fakeProcessor{run: func(*webhook.Envelope) Result {
			return Retry(2*time.Second, assert.AnError)
		}}
		h := NewHost(proc, store, nil, &captureDLQ{}, nil, 5)
		env := consumerEnvelope("evt-1", "pi_1")

		err := h.Handle(context.Background(), deliveredMessage(1), env)

		require.Error(t, err)
		delay, ok := broker.RetryDelay(err)
		require.True(t, ok)
		assert.Equal(t, 2*time.Second, delay)

		count, err := store.FailureCount(context.Background(), webhook.ContentKey(env))
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)
		acquired, err := store.TryAcquire(context.Background(), webhook.ContentKey(env))
		require.NoError(t, err)
		assert.True(t, acquired, "lock must be released before redelivery")
	})

	t.Run("Should redeliver failed outcomes while budget remains", func(t *testing.T) {
		store := newHostStore(t)
		dlq := &captureDLQ{}
		proc := &fakeProcessor{run: func(*webhook.Envelope) Result { return Failed(assert.AnError) }}
		h := NewHost(proc, store, nil, dlq, nil, 5)

		err := h.Handle(context.Background(), deliveredMessage(1), consumerEnvelope("evt-1", "pi_1"))

		require.ErrorIs(t, err, assert.AnError)
		assert.Empty(t, dlq.list())
	})

	t.Run("Should dead-letter failed outcomes on the final delivery", func(t *testing.T) {
		store := newHostStore(t)
		dlq := &captureDLQ{}
		proc := &fakeProcessor{run: func(*webhook.Envelope) Result { return Failed(assert.AnError) }}
		h := NewHost(proc, store, nil, dlq, nil, 5)
		env := consumerEnvelope("evt-1", "pi_1")

		err := h.Handle(context.Background(), deliveredMessage(5), env)

		require.NoError(t, err, "the final delivery must acknowledge after dead-lettering")
		got := dlq.list()
		require.Len(t, got, 1)
		assert.Equal(t, webhook.CategoryProcessing, got[0].RejectionCategory)
		assert.Equal(t, 4, got[0].RetryCount)
		assert.NotEmpty(t, got[0].ExceptionType)
		processed, err := store.IsProcessed(context.Background(), webhook.ContentKey(env))
		require.NoError(t, err)
		assert.False(t, processed)
	})

	t.Run("Should route processor panics through OnError", func(t *testing.T) {
		store := newHostStore(t)
		proc := &fakeProcessor{run: func(*webhook.Envelope) Result { panic("boom") }}
		h := NewHost(proc, store, nil, &captureDLQ{}, nil, 5)
		env := consumerEnvelope("evt-1", "pi_1")

		err := h.Handle(context.Background(), deliveredMessage(1), env)

		require.Error(t, err)
		assert.Equal(t, 1, proc.errorCount())
		count, err := store.FailureCount(context.Background(), webhook.ContentKey(env))
		require.NoError(t, err)
		assert.EqualValues(t, 1, count)
		acquired, err := store.TryAcquire(context.Background(), webhook.ContentKey(env))
		require.NoError(t, err)
		assert.True(t, acquired, "lock must be released after a panic")
	})

	t.Run("Should dead-letter panics as unrecoverable on the final delivery", func(t *testing.T) {
		store := newHostStore(t)
		dlq := &captureDLQ{}
		proc := &fakeProcessor{run: func(*webhook.Envelope) Result { panic("boom") }}
		h := NewHost(proc, store, nil, dlq, nil, 5)

		err := h.Handle(context.Background(), deliveredMessage(5), consumerEnvelope("evt-1", "pi_1"))

		require.NoError(t, err)
		got := dlq.list()
		require.Len(t, got, 1)
		assert.Equal(t, webhook.CategoryUnrecoverable, got[0].RejectionCategory)
	})

	t.Run("Should treat before-process errors as processor errors", func(t *testing.T) {
		store := newHostStore(t)
		proc := &fakeProcessor{before: func(*webhook.Envelope) error { return assert.AnError }}
		h := NewHost(proc, store, nil, nil, nil, 5)

		err := h.Handle(context.Background(), deliveredMessage(1), consumerEnvelope("evt-1", "pi_1"))

		require.ErrorIs(t, err, assert.AnError)
		assert.Zero(t, proc.processCount())
		assert.Equal(t, 1, proc.errorCount())
	})

	t.Run("Should still acknowledge success when the after hook fails", func(t *testing.T) {
		store := newHostStore(t)
		proc := &fakeProcessor{after: func(*webhook.Envelope) error { return assert.AnError }}
		h := NewHost(proc, store, nil, nil, nil, 5)
		env := consumerEnvelope("evt-1", "pi_1")

		err := h.Handle(context.Background(), deliveredMessage(1), env)

		require.NoError(t, err)
		processed, perr := store.IsProcessed(context.Background(), webhook.ContentKey(env))
		require.NoError(t, perr)
		assert.True(t, processed)
	})

	t.Run("Should let exactly one of two racing workers process a key", func(t *testing.T) {
		store := newHostStore(t)
		proc := &fakeProcessor{}
		h := NewHost(proc, store, nil, nil, nil, 5)

		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				env := consumerEnvelope(fmt.Sprintf("evt-%d", n), "pi_1")
				_ = h.Handle(context.Background(), deliveredMessage(1), env)
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, proc.processCount())
	})
}
