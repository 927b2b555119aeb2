package dispatch

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookline/hookline/engine/webhook"
	"github.com/hookline/hookline/pkg/config"
)

func rejectedEvent(t *testing.T) *webhook.RejectedEvent {
	t.Helper()
	env := publishEnvelope()
	ev := webhook.NewRejectedEvent(env, "signature mismatch", webhook.CategoryValidation, assert.AnError)
	return ev
}

func TestDLQWriter_WriteRejected(t *testing.T) {
	t.Run("Should publish the rejected event with routing headers", func(t *testing.T) {
		fake := &fakePublisher{}
		w := NewDLQWriter(fake, &config.BrokerConfig{DLQDestination: "hooks.dlq"}, nil)
		ev := rejectedEvent(t)
		ev.RetryCount = 4
		ev.ExceptionType = "BrokerUnavailable"

		w.WriteRejected(context.Background(), ev)

		got := fake.published()
		require.Len(t, got, 1)
		msg := got[0]
		assert.Equal(t, "hooks.dlq", msg.Destination)
		assert.Equal(t, ev.EventID, msg.ID)
		assert.Equal(t, "stripe", msg.Key)
		assert.Equal(t, "stripe", msg.Headers[webhook.HeaderProvider])
		assert.Equal(t, ev.EventID, msg.Headers[webhook.HeaderEventID])
		assert.Equal(t, webhook.CategoryValidation, msg.Headers[webhook.HeaderRejectionCategory])
		assert.Equal(t, "4", msg.Headers[webhook.HeaderRetryCount])
		assert.Equal(t, "BrokerUnavailable", msg.Headers[webhook.HeaderExceptionType])

		rejectedAt, err := time.Parse(time.RFC3339Nano, msg.Headers[webhook.HeaderRejectedAt])
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now(), rejectedAt, time.Minute)

		var decoded webhook.RejectedEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &decoded))
		assert.Equal(t, "signature mismatch", decoded.RejectionReason)
		assert.Equal(t, ev.EventID, decoded.EventID)
		assert.Equal(t, ev.Payload, decoded.Payload)
	})

	t.Run("Should omit retry and exception headers when unset", func(t *testing.T) {
		fake := &fakePublisher{}
		w := NewDLQWriter(fake, &config.BrokerConfig{DLQDestination: "hooks.dlq"}, nil)

		w.WriteRejected(context.Background(), rejectedEvent(t))

		got := fake.published()
		require.Len(t, got, 1)
		assert.NotContains(t, got[0].Headers, webhook.HeaderRetryCount)
		assert.NotContains(t, got[0].Headers, webhook.HeaderExceptionType)
	})

	t.Run("Should fall back to the default destination", func(t *testing.T) {
		fake := &fakePublisher{}
		w := NewDLQWriter(fake, &config.BrokerConfig{}, nil)

		w.WriteRejected(context.Background(), rejectedEvent(t))

		got := fake.published()
		require.Len(t, got, 1)
		assert.Equal(t, "webhooks.dlq", got[0].Destination)
	})

	t.Run("Should swallow broker failures", func(t *testing.T) {
		fake := &fakePublisher{failUntil: 100, err: assert.AnError}
		w := NewDLQWriter(fake, nil, nil)

		w.WriteRejected(context.Background(), rejectedEvent(t))

		assert.Empty(t, fake.published())
	})

	t.Run("Should ignore nil events", func(t *testing.T) {
		fake := &fakePublisher{}
		w := NewDLQWriter(fake, nil, nil)

		w.WriteRejected(context.Background(), nil)

		assert.Equal(t, 0, fake.callCount())
	})
}
