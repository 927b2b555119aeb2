package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hookline/hookline/pkg/config"
	"github.com/hookline/hookline/pkg/logger"
)

const (
	memoryQueueDepth   = 1024
	memoryRetryBackoff = 100 * time.Millisecond
)

// Memory is a channel-backed broker for tests and single-process dev mode.
// Each consumer group gets its own queue per destination; consumers in the
// same group compete for messages. Messages published to a destination with
// no groups are dropped, except dead-letter messages, which are parked and
// can be inspected with Parked.
type Memory struct {
	cfg    *config.BrokerConfig
	mu     sync.RWMutex
	groups map[string]map[string]chan *Message
	parked []*Message
	closed bool
	stopCh chan struct{}
}

// NewMemory builds an in-memory broker using the delivery budget and DLQ
// destination from cfg.
func NewMemory(cfg *config.BrokerConfig) *Memory {
	return &Memory{
		cfg:    cfg,
		groups: make(map[string]map[string]chan *Message),
		stopCh: make(chan struct{}),
	}
}

func (m *Memory) Publish(ctx context.Context, msg *Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("memory broker is closed")
	}
	return m.deliverLocked(ctx, msg)
}

func (m *Memory) PublishBatch(ctx context.Context, msgs []*Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("memory broker is closed")
	}
	for _, msg := range msgs {
		if err := m.deliverLocked(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// deliverLocked fans a copy of msg out to every group queue on its
// destination. Callers hold m.mu.
func (m *Memory) deliverLocked(ctx context.Context, msg *Message) error {
	dup := msg.Copy()
	if dup.ID == "" {
		dup.ID = uuid.NewString()
	}
	if dup.Timestamp.IsZero() {
		dup.Timestamp = time.Now().UTC()
	}
	groups := m.groups[dup.Destination]
	if len(groups) == 0 {
		if dup.Destination == m.cfg.DLQDestination && len(m.parked) < memoryQueueDepth {
			m.parked = append(m.parked, dup)
			return nil
		}
		logger.FromContext(ctx).Debug("no consumer groups for destination, dropping message",
			"destination", dup.Destination)
		return nil
	}
	for group, ch := range groups {
		select {
		case ch <- dup.Copy():
		default:
			return fmt.Errorf("queue full for destination %s group %s", dup.Destination, group)
		}
	}
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, opts SubscribeOptions, handler Handler) (Subscription, error) {
	if len(opts.Destinations) == 0 {
		return nil, fmt.Errorf("at least one destination is required")
	}
	if opts.Group == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("memory broker is closed")
	}
	queues := make([]chan *Message, 0, len(opts.Destinations))
	for _, dest := range opts.Destinations {
		if m.groups[dest] == nil {
			m.groups[dest] = make(map[string]chan *Message)
		}
		if m.groups[dest][opts.Group] == nil {
			m.groups[dest][opts.Group] = make(chan *Message, memoryQueueDepth)
		}
		queues = append(queues, m.groups[dest][opts.Group])
	}
	m.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	sub := newSubHandle(cancel)
	var wg sync.WaitGroup
	for _, ch := range queues {
		wg.Add(1)
		go func(queue chan *Message) {
			defer wg.Done()
			m.consume(subCtx, queue, handler)
		}(ch)
	}
	go func() {
		wg.Wait()
		sub.finish(subCtx.Err())
	}()
	return sub, nil
}

func (m *Memory) consume(ctx context.Context, queue chan *Message, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case msg, ok := <-queue:
			if !ok {
				return
			}
			if msg.Delivery.Count == 0 {
				msg.Delivery.Count = 1
			}
			if err := handler(ctx, msg); err != nil {
				m.redeliver(ctx, queue, msg, err)
			}
		}
	}
}

// redeliver schedules the failed message back onto its queue, parking it on
// the DLQ once the delivery budget is spent.
func (m *Memory) redeliver(ctx context.Context, queue chan *Message, msg *Message, cause error) {
	log := logger.FromContext(ctx)
	if msg.Delivery.Count >= m.cfg.MaxDeliveries {
		log.Warn("delivery budget exhausted, dead-lettering message",
			"destination", msg.Destination, "deliveries", msg.Delivery.Count, "error", cause)
		m.park(ctx, msg)
		return
	}
	delay, ok := RetryDelay(cause)
	if !ok || delay <= 0 {
		delay = memoryRetryBackoff
	}
	next := msg.Copy()
	next.Delivery.Count = msg.Delivery.Count + 1
	time.AfterFunc(delay, func() {
		m.mu.RLock()
		closed := m.closed
		m.mu.RUnlock()
		if closed {
			return
		}
		select {
		case queue <- next:
		default:
			log.Warn("queue full during redelivery, dead-lettering message",
				"destination", next.Destination)
			m.park(ctx, next)
		}
	})
}

func (m *Memory) park(ctx context.Context, msg *Message) {
	dead := msg.Copy()
	dead.Destination = m.cfg.DLQDestination
	if dead.Headers == nil {
		dead.Headers = make(map[string]string)
	}
	dead.Headers[HeaderDLQCategory] = dlqCategoryExhausted
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if err := m.deliverLocked(ctx, dead); err != nil {
		logger.FromContext(ctx).Error("failed to park message on DLQ", "error", err)
	}
}

// Parked returns a snapshot of dead-lettered messages that had no DLQ
// consumer at delivery time.
func (m *Memory) Parked() []*Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Message, len(m.parked))
	copy(out, m.parked)
	return out
}

func (m *Memory) Healthy(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("memory broker is closed")
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.stopCh)
	return nil
}
