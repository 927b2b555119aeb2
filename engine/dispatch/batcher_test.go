package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookline/hookline/engine/infra/broker"
	"github.com/hookline/hookline/pkg/config"
)

type recordedBatch struct {
	destination string
	msgs        []*broker.Message
}

// batchRecorder captures flushed batches. When gate is set, the first call
// parks on it so tests can wedge a sink mid-flush.
type batchRecorder struct {
	mu      sync.Mutex
	batches []recordedBatch
	calls   int
	gate    chan struct{}
}

func (r *batchRecorder) publish(_ context.Context, destination string, msgs []*broker.Message) error {
	r.mu.Lock()
	r.calls++
	call := r.calls
	gate := r.gate
	r.mu.Unlock()
	if gate != nil && call == 1 {
		<-gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, recordedBatch{destination: destination, msgs: msgs})
	return nil
}

func (r *batchRecorder) snapshot() []recordedBatch {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedBatch, len(r.batches))
	copy(out, r.batches)
	return out
}

func (r *batchRecorder) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func batchMessage(id, destination string) *broker.Message {
	return &broker.Message{ID: id, Destination: destination, Payload: []byte(`{}`)}
}

func batchConfig() *config.BatchConfig {
	return &config.BatchConfig{
		Enabled:      true,
		MaxSize:      3,
		MaxWait:      time.Minute,
		BufferSize:   16,
		FlushTimeout: time.Second,
	}
}

func TestBatcher_Enqueue(t *testing.T) {
	t.Run("Should flush when a batch reaches max size", func(t *testing.T) {
		rec := &batchRecorder{}
		b := NewBatcher(batchConfig(), rec.publish, nil)
		defer b.Close()

		for _, id := range []string{"m1", "m2", "m3"} {
			require.NoError(t, b.Enqueue(context.Background(), batchMessage(id, "stripe")))
		}

		require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
		got := rec.snapshot()[0]
		assert.Equal(t, "stripe", got.destination)
		require.Len(t, got.msgs, 3)
		assert.Equal(t, "m1", got.msgs[0].ID)
	})

	t.Run("Should flush a partial batch after the wait deadline", func(t *testing.T) {
		cfg := batchConfig()
		cfg.MaxWait = 30 * time.Millisecond
		rec := &batchRecorder{}
		b := NewBatcher(cfg, rec.publish, nil)
		defer b.Close()

		require.NoError(t, b.Enqueue(context.Background(), batchMessage("m1", "stripe")))

		require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
		assert.Len(t, rec.snapshot()[0].msgs, 1)
	})

	t.Run("Should flush whatever is pending on close", func(t *testing.T) {
		rec := &batchRecorder{}
		b := NewBatcher(batchConfig(), rec.publish, nil)

		require.NoError(t, b.Enqueue(context.Background(), batchMessage("m1", "stripe")))
		require.NoError(t, b.Enqueue(context.Background(), batchMessage("m2", "stripe")))
		b.Close()

		got := rec.snapshot()
		require.Len(t, got, 1)
		assert.Len(t, got[0].msgs, 2)
	})

	t.Run("Should keep destinations in separate batches", func(t *testing.T) {
		cfg := batchConfig()
		cfg.MaxSize = 2
		rec := &batchRecorder{}
		b := NewBatcher(cfg, rec.publish, nil)

		require.NoError(t, b.Enqueue(context.Background(), batchMessage("a1", "stripe")))
		require.NoError(t, b.Enqueue(context.Background(), batchMessage("b1", "github")))
		require.NoError(t, b.Enqueue(context.Background(), batchMessage("a2", "stripe")))
		b.Close()

		got := rec.snapshot()
		require.Len(t, got, 2)
		byDest := map[string]int{}
		for _, batch := range got {
			byDest[batch.destination] = len(batch.msgs)
			for _, msg := range batch.msgs {
				assert.Equal(t, batch.destination, msg.Destination)
			}
		}
		assert.Equal(t, map[string]int{"stripe": 2, "github": 1}, byDest)
	})

	t.Run("Should publish directly when the sink buffer is full", func(t *testing.T) {
		cfg := batchConfig()
		cfg.MaxSize = 1
		cfg.BufferSize = 1
		rec := &batchRecorder{gate: make(chan struct{})}
		b := NewBatcher(cfg, rec.publish, nil)

		// m1 wedges the sink inside its first flush.
		require.NoError(t, b.Enqueue(context.Background(), batchMessage("m1", "stripe")))
		require.Eventually(t, func() bool { return rec.callCount() == 1 }, time.Second, time.Millisecond)
		// m2 fills the buffer while the sink is stuck.
		require.NoError(t, b.Enqueue(context.Background(), batchMessage("m2", "stripe")))

		require.NoError(t, b.Enqueue(context.Background(), batchMessage("m3", "stripe")))

		got := rec.snapshot()
		require.Len(t, got, 1, "the overflow message must publish on the caller's path")
		require.Len(t, got[0].msgs, 1)
		assert.Equal(t, "m3", got[0].msgs[0].ID)

		close(rec.gate)
		b.Close()
		ids := map[string]bool{}
		for _, batch := range rec.snapshot() {
			for _, msg := range batch.msgs {
				ids[msg.ID] = true
			}
		}
		assert.Equal(t, map[string]bool{"m1": true, "m2": true, "m3": true}, ids)
	})

	t.Run("Should publish directly after close", func(t *testing.T) {
		rec := &batchRecorder{}
		b := NewBatcher(batchConfig(), rec.publish, nil)
		b.Close()

		require.NoError(t, b.Enqueue(context.Background(), batchMessage("m1", "stripe")))

		got := rec.snapshot()
		require.Len(t, got, 1)
		assert.Equal(t, "m1", got[0].msgs[0].ID)
	})

	t.Run("Should tolerate repeated close", func(t *testing.T) {
		b := NewBatcher(batchConfig(), (&batchRecorder{}).publish, nil)
		b.Close()
		b.Close()
	})
}
