package consumer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookline/hookline/engine/webhook"
)

func TestMuxRegister(t *testing.T) {
	t.Run("Should reject empty provider names", func(t *testing.T) {
		m := NewMux(nil)
		err := m.Register("  ", &fakeProcessor{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "provider name is required")
	})
	t.Run("Should reject nil processors", func(t *testing.T) {
		m := NewMux(nil)
		err := m.Register("github", nil)
		require.Error(t, err)
	})
	t.Run("Should reject duplicate registrations after normalization", func(t *testing.T) {
		m := NewMux(nil)
		require.NoError(t, m.Register("github", &fakeProcessor{}))
		err := m.Register(" GitHub ", &fakeProcessor{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), `already registered for provider "github"`)
	})
}

func TestMuxRouting(t *testing.T) {
	t.Run("Should route events to the processor registered for the provider", func(t *testing.T) {
		github := &fakeProcessor{}
		stripe := &fakeProcessor{}
		m := NewMux(nil)
		require.NoError(t, m.Register("github", github))
		require.NoError(t, m.Register("stripe", stripe))

		res := m.Process(context.Background(), &webhook.Envelope{EventID: "evt-1", ProviderName: "stripe"})
		assert.Equal(t, CodeSuccess, res.Code)
		assert.Empty(t, github.processedIDs)
		assert.Equal(t, []string{"evt-1"}, stripe.processedIDs)
	})
	t.Run("Should match provider names case-insensitively", func(t *testing.T) {
		github := &fakeProcessor{}
		m := NewMux(nil)
		require.NoError(t, m.Register("github", github))

		m.Process(context.Background(), &webhook.Envelope{EventID: "evt-1", ProviderName: "GitHub"})
		assert.Equal(t, []string{"evt-1"}, github.processedIDs)
	})
	t.Run("Should fall back for unregistered providers", func(t *testing.T) {
		fallback := &fakeProcessor{}
		m := NewMux(fallback)
		require.NoError(t, m.Register("github", &fakeProcessor{}))

		env := &webhook.Envelope{EventID: "evt-1", ProviderName: "unknown"}
		assert.True(t, m.CanProcess(context.Background(), env))
		m.Process(context.Background(), env)
		assert.Equal(t, []string{"evt-1"}, fallback.processedIDs)
	})
	t.Run("Should decline events when nothing resolves", func(t *testing.T) {
		m := NewMux(nil)
		require.NoError(t, m.Register("github", &fakeProcessor{}))

		env := &webhook.Envelope{EventID: "evt-1", ProviderName: "unknown"}
		assert.False(t, m.CanProcess(context.Background(), env))
		res := m.Process(context.Background(), env)
		assert.Equal(t, CodeSkipped, res.Code)
	})
}

func TestMuxHooks(t *testing.T) {
	t.Run("Should delegate lifecycle hooks to the resolved processor", func(t *testing.T) {
		p := &fakeProcessor{}
		m := NewMux(nil)
		require.NoError(t, m.Register("github", p))
		env := &webhook.Envelope{EventID: "evt-1", ProviderName: "github"}

		require.NoError(t, m.BeforeProcess(context.Background(), env))
		require.NoError(t, m.AfterProcess(context.Background(), env))
		m.OnError(context.Background(), env, errors.New("boom"))

		assert.Equal(t, 1, p.befores)
		assert.Equal(t, 1, p.afters)
		require.Len(t, p.errs, 1)
	})
	t.Run("Should no-op hooks when nothing resolves", func(t *testing.T) {
		m := NewMux(nil)
		env := &webhook.Envelope{EventID: "evt-1", ProviderName: "unknown"}
		require.NoError(t, m.BeforeProcess(context.Background(), env))
		require.NoError(t, m.AfterProcess(context.Background(), env))
		m.OnError(context.Background(), env, errors.New("boom"))
	})
}
