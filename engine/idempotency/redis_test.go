package idempotency

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookline/hookline/engine/webhook"
	"github.com/hookline/hookline/pkg/config"
)

func newStoreForTest(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	cfg := &config.IdempotencyConfig{
		KeyPrefix:    "hookline:",
		LockTTL:      5 * time.Minute,
		ProcessedTTL: 7 * 24 * time.Hour,
		FailuresTTL:  24 * time.Hour,
		HTTPTTL:      24 * time.Hour,
	}
	return NewRedisStore(client, cfg), mr
}

func TestRedisStore_TryAcquire(t *testing.T) {
	t.Run("Should grant the lock to exactly one caller", func(t *testing.T) {
		store, _ := newStoreForTest(t)
		ok, err := store.TryAcquire(context.Background(), "key-1")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.TryAcquire(context.Background(), "key-1")
		require.NoError(t, err)
		assert.False(t, ok)
	})
	t.Run("Should grant again after release", func(t *testing.T) {
		store, _ := newStoreForTest(t)
		ok, err := store.TryAcquire(context.Background(), "key-1")
		require.NoError(t, err)
		require.True(t, ok)
		require.NoError(t, store.Release(context.Background(), "key-1"))

		ok, err = store.TryAcquire(context.Background(), "key-1")
		require.NoError(t, err)
		assert.True(t, ok)
	})
	t.Run("Should grant again once the lock TTL expires", func(t *testing.T) {
		store, mr := newStoreForTest(t)
		ok, err := store.TryAcquire(context.Background(), "key-1")
		require.NoError(t, err)
		require.True(t, ok)

		mr.FastForward(5*time.Minute + time.Second)

		ok, err = store.TryAcquire(context.Background(), "key-1")
		require.NoError(t, err)
		assert.True(t, ok)
	})
	t.Run("Should scope locks by key", func(t *testing.T) {
		store, _ := newStoreForTest(t)
		ok, err := store.TryAcquire(context.Background(), "key-1")
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = store.TryAcquire(context.Background(), "key-2")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestRedisStore_Processed(t *testing.T) {
	t.Run("Should flip the processed marker", func(t *testing.T) {
		store, _ := newStoreForTest(t)
		processed, err := store.IsProcessed(context.Background(), "key-1")
		require.NoError(t, err)
		assert.False(t, processed)

		require.NoError(t, store.MarkProcessed(context.Background(), "key-1", "evt-1"))

		processed, err = store.IsProcessed(context.Background(), "key-1")
		require.NoError(t, err)
		assert.True(t, processed)
	})
	t.Run("Should expire the marker after the processed TTL", func(t *testing.T) {
		store, mr := newStoreForTest(t)
		require.NoError(t, store.MarkProcessed(context.Background(), "key-1", "evt-1"))

		mr.FastForward(7*24*time.Hour + time.Second)

		processed, err := store.IsProcessed(context.Background(), "key-1")
		require.NoError(t, err)
		assert.False(t, processed)
	})
	t.Run("Should not be an error to release an absent lock", func(t *testing.T) {
		store, _ := newStoreForTest(t)
		assert.NoError(t, store.Release(context.Background(), "never-acquired"))
	})
}

func TestRedisStore_Failures(t *testing.T) {
	t.Run("Should count failures and keep the first timestamp", func(t *testing.T) {
		store, _ := newStoreForTest(t)
		require.NoError(t, store.RecordFailure(context.Background(), "key-1", errors.New("boom 1")))
		require.NoError(t, store.RecordFailure(context.Background(), "key-1", errors.New("boom 2")))

		count, err := store.FailureCount(context.Background(), "key-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), count)

		rec, err := store.Failures(context.Background(), "key-1")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, int64(2), rec.Count)
		assert.Equal(t, "boom 2", rec.LastError)
		assert.False(t, rec.FirstFailureAt.IsZero())
		assert.False(t, rec.LastFailureAt.Before(rec.FirstFailureAt))
	})
	t.Run("Should return zero for a key with no failures", func(t *testing.T) {
		store, _ := newStoreForTest(t)
		count, err := store.FailureCount(context.Background(), "fresh")
		require.NoError(t, err)
		assert.Zero(t, count)

		rec, err := store.Failures(context.Background(), "fresh")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})
	t.Run("Should expire failure records after their TTL", func(t *testing.T) {
		store, mr := newStoreForTest(t)
		require.NoError(t, store.RecordFailure(context.Background(), "key-1", errors.New("boom")))

		mr.FastForward(24*time.Hour + time.Second)

		count, err := store.FailureCount(context.Background(), "key-1")
		require.NoError(t, err)
		assert.Zero(t, count)
	})
}

func TestAckStore(t *testing.T) {
	newAcksForTest := func(t *testing.T) (*AckStore, *miniredis.Miniredis) {
		t.Helper()
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		cfg := &config.IdempotencyConfig{KeyPrefix: "hookline:", HTTPTTL: 24 * time.Hour}
		return NewAckStore(client, cfg), mr
	}

	t.Run("Should round-trip the cached response bytes unchanged", func(t *testing.T) {
		acks, _ := newAcksForTest(t)
		original := &webhook.CachedAck{
			Status: http.StatusAccepted,
			Body:   []byte(`{"event_id":"evt-1","status":"ACCEPTED"}`),
		}
		require.NoError(t, acks.PutAck(context.Background(), "k-42", original))

		cached, err := acks.GetAck(context.Background(), "k-42")
		require.NoError(t, err)
		require.NotNil(t, cached)
		assert.Equal(t, original.Status, cached.Status)
		assert.Equal(t, original.Body, cached.Body)
	})
	t.Run("Should return nil for an unknown key", func(t *testing.T) {
		acks, _ := newAcksForTest(t)
		cached, err := acks.GetAck(context.Background(), "missing")
		require.NoError(t, err)
		assert.Nil(t, cached)
	})
	t.Run("Should expire entries after the HTTP TTL", func(t *testing.T) {
		acks, mr := newAcksForTest(t)
		require.NoError(t, acks.PutAck(context.Background(), "k-42", &webhook.CachedAck{Status: 202, Body: []byte(`{}`)}))

		mr.FastForward(24*time.Hour + time.Second)

		cached, err := acks.GetAck(context.Background(), "k-42")
		require.NoError(t, err)
		assert.Nil(t, cached)
	})
}
