package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/hookline/hookline/engine/infra/broker"
	"github.com/hookline/hookline/engine/webhook"
	"github.com/hookline/hookline/pkg/config"
	"github.com/hookline/hookline/pkg/logger"
)

// Batch flush defaults.
const (
	defaultBatchMaxSize      = 100
	defaultBatchMaxWait      = time.Second
	defaultBatchBufferSize   = 1000
	defaultBatchFlushTimeout = 5 * time.Second
)

// publishBatchFunc flushes a batch to one destination. The Batcher does not
// know about resilience; the pipeline passes a wrapped publish here.
type publishBatchFunc func(ctx context.Context, destination string, msgs []*broker.Message) error

// Batcher groups messages per destination and flushes when a batch reaches
// max_size or when max_wait has elapsed since its first message. Sinks are
// created lazily on first use. When a sink's buffer is full, or after Close,
// messages publish directly on the caller's path so nothing is dropped.
type Batcher struct {
	cfg     *config.BatchConfig
	publish publishBatchFunc
	metrics *webhook.Metrics

	mu     sync.RWMutex
	sinks  map[string]*sink
	closed bool
	wg     sync.WaitGroup
}

type sink struct {
	destination string
	ch          chan *broker.Message
}

func NewBatcher(cfg *config.BatchConfig, publish publishBatchFunc, metrics *webhook.Metrics) *Batcher {
	if cfg == nil {
		cfg = &config.BatchConfig{}
	}
	if metrics == nil {
		metrics, _ = webhook.NewMetrics(context.Background(), nil)
	}
	return &Batcher{
		cfg:     cfg,
		publish: publish,
		metrics: metrics,
		sinks:   map[string]*sink{},
	}
}

func (b *Batcher) maxSize() int {
	if b.cfg.MaxSize > 0 {
		return b.cfg.MaxSize
	}
	return defaultBatchMaxSize
}

func (b *Batcher) maxWait() time.Duration {
	if b.cfg.MaxWait > 0 {
		return b.cfg.MaxWait
	}
	return defaultBatchMaxWait
}

func (b *Batcher) bufferSize() int {
	if b.cfg.BufferSize > 0 {
		return b.cfg.BufferSize
	}
	return defaultBatchBufferSize
}

func (b *Batcher) flushTimeout() time.Duration {
	if b.cfg.FlushTimeout > 0 {
		return b.cfg.FlushTimeout
	}
	return defaultBatchFlushTimeout
}

// Enqueue hands the message to its destination's sink. The read lock held
// across the send ensures no send can race Close's channel close.
func (b *Batcher) Enqueue(ctx context.Context, msg *broker.Message) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return b.direct(ctx, msg)
	}
	s := b.sinks[msg.Destination]
	if s == nil {
		b.mu.RUnlock()
		s = b.createSink(msg.Destination)
		if s == nil {
			return b.direct(ctx, msg)
		}
		b.mu.RLock()
		if b.closed {
			b.mu.RUnlock()
			return b.direct(ctx, msg)
		}
	}
	select {
	case s.ch <- msg:
		b.mu.RUnlock()
		return nil
	default:
		b.mu.RUnlock()
		return b.direct(ctx, msg)
	}
}

// createSink registers a sink and starts its flush loop. Returns nil when
// the batcher is already closed.
func (b *Batcher) createSink(destination string) *sink {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	if s, ok := b.sinks[destination]; ok {
		return s
	}
	s := &sink{destination: destination, ch: make(chan *broker.Message, b.bufferSize())}
	b.sinks[destination] = s
	b.wg.Add(1)
	go b.runSink(s)
	return s
}

func (b *Batcher) direct(ctx context.Context, msg *broker.Message) error {
	return b.publish(ctx, msg.Destination, []*broker.Message{msg})
}

func (b *Batcher) runSink(s *sink) {
	defer b.wg.Done()
	var batch []*broker.Message
	var timer *time.Timer
	var timerC <-chan time.Time
	flush := func(trigger string) {
		if timer != nil {
			timer.Stop()
			timer = nil
			timerC = nil
		}
		if len(batch) == 0 {
			return
		}
		b.flushBatch(s.destination, batch, trigger)
		batch = nil
	}
	for {
		select {
		case msg, ok := <-s.ch:
			if !ok {
				flush("shutdown")
				return
			}
			batch = append(batch, msg)
			if len(batch) >= b.maxSize() {
				flush("size")
				continue
			}
			if timer == nil {
				timer = time.NewTimer(b.maxWait())
				timerC = timer.C
			}
		case <-timerC:
			timer = nil
			timerC = nil
			flush("timer")
		}
	}
}

// flushBatch publishes one batch under its own timeout; request contexts are
// long gone by flush time. Failures are logged here; the publish function
// owns dead-lettering since the callers were already acked.
func (b *Batcher) flushBatch(destination string, batch []*broker.Message, trigger string) {
	ctx, cancel := context.WithTimeout(context.Background(), b.flushTimeout())
	defer cancel()
	if err := b.publish(ctx, destination, batch); err != nil {
		logger.GetDefault().Error("batch flush failed",
			"destination", destination,
			"batch_size", len(batch),
			"trigger", trigger,
			"error", err,
		)
		return
	}
	b.metrics.OnBatchFlush(ctx, destination, trigger)
}

// Close stops every sink and flushes what they hold. Messages enqueued after
// Close publish directly.
func (b *Batcher) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, s := range b.sinks {
		close(s.ch)
	}
	b.mu.Unlock()
	b.wg.Wait()
}
