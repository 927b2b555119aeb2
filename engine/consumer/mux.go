package consumer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/hookline/hookline/engine/webhook"
)

// Mux routes envelopes to processors registered per provider. Registration
// happens at startup; dispatch-time lookups are read-only. Events for
// providers without a registration go to the fallback processor, or are
// declined (and so acknowledged untouched) when no fallback is set.
type Mux struct {
	mu       sync.RWMutex
	byName   map[string]Processor
	fallback Processor
}

// NewMux builds an empty routing table. fallback may be nil.
func NewMux(fallback Processor) *Mux {
	return &Mux{byName: map[string]Processor{}, fallback: fallback}
}

// Register binds a processor to a provider name. Names are normalized the
// same way the provider registry normalizes them, and each name binds once.
func (m *Mux) Register(provider string, p Processor) error {
	name := strings.ToLower(strings.TrimSpace(provider))
	if name == "" {
		return fmt.Errorf("provider name is required")
	}
	if p == nil {
		return fmt.Errorf("processor for provider %q is required", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byName[name]; dup {
		return fmt.Errorf("processor already registered for provider %q", name)
	}
	m.byName[name] = p
	return nil
}

func (m *Mux) resolve(provider string) Processor {
	name := strings.ToLower(strings.TrimSpace(provider))
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.byName[name]; ok {
		return p
	}
	return m.fallback
}

// CanProcess declines events no registered processor covers.
func (m *Mux) CanProcess(ctx context.Context, env *webhook.Envelope) bool {
	p := m.resolve(env.ProviderName)
	if p == nil {
		return false
	}
	return p.CanProcess(ctx, env)
}

func (m *Mux) BeforeProcess(ctx context.Context, env *webhook.Envelope) error {
	if p := m.resolve(env.ProviderName); p != nil {
		return p.BeforeProcess(ctx, env)
	}
	return nil
}

func (m *Mux) Process(ctx context.Context, env *webhook.Envelope) Result {
	p := m.resolve(env.ProviderName)
	if p == nil {
		return Skipped()
	}
	return p.Process(ctx, env)
}

func (m *Mux) AfterProcess(ctx context.Context, env *webhook.Envelope) error {
	if p := m.resolve(env.ProviderName); p != nil {
		return p.AfterProcess(ctx, env)
	}
	return nil
}

func (m *Mux) OnError(ctx context.Context, env *webhook.Envelope, err error) {
	if p := m.resolve(env.ProviderName); p != nil {
		p.OnError(ctx, env, err)
	}
}
