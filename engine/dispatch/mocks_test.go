package dispatch

import (
	"context"
	"sync"

	"github.com/hookline/hookline/engine/infra/broker"
	"github.com/hookline/hookline/engine/webhook"
)

// fakePublisher records every publish and can fail the first failUntil calls.
type fakePublisher struct {
	mu        sync.Mutex
	messages  []*broker.Message
	batches   [][]*broker.Message
	calls     int
	failUntil int
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, msg *broker.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		return f.err
	}
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakePublisher) PublishBatch(_ context.Context, msgs []*broker.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failUntil {
		return f.err
	}
	f.batches = append(f.batches, msgs)
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakePublisher) published() []*broker.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*broker.Message, len(f.messages))
	copy(out, f.messages)
	return out
}

func (f *fakePublisher) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakePublisher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeDLQ records rejected events handed to it.
type fakeDLQ struct {
	mu     sync.Mutex
	events []*webhook.RejectedEvent
}

func (f *fakeDLQ) WriteRejected(_ context.Context, ev *webhook.RejectedEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeDLQ) rejected() []*webhook.RejectedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*webhook.RejectedEvent, len(f.events))
	copy(out, f.events)
	return out
}
