package cache

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookline/hookline/pkg/config"
	"github.com/hookline/hookline/pkg/logger"
)

func newTestContext(t *testing.T) context.Context {
	t.Helper()
	return logger.ContextWithLogger(context.Background(), logger.NewForTests())
}

func miniredisConfig(t *testing.T, mr *miniredis.Miniredis) *config.RedisConfig {
	t.Helper()
	host, port, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)
	return &config.RedisConfig{
		Host:        host,
		Port:        port,
		PingTimeout: 2 * time.Second,
	}
}

func TestNewRedis(t *testing.T) {
	t.Run("Should connect using host and port", func(t *testing.T) {
		ctx := newTestContext(t)
		mr := miniredis.RunT(t)

		r, err := NewRedis(ctx, miniredisConfig(t, mr))
		require.NoError(t, err)
		defer r.Close()

		assert.NoError(t, r.Ping(ctx).Err())
	})

	t.Run("Should connect using a URL", func(t *testing.T) {
		ctx := newTestContext(t)
		mr := miniredis.RunT(t)

		r, err := NewRedis(ctx, &config.RedisConfig{
			URL:         "redis://" + mr.Addr(),
			PingTimeout: 2 * time.Second,
		})
		require.NoError(t, err)
		defer r.Close()

		assert.NoError(t, r.Ping(ctx).Err())
	})

	t.Run("Should fail when the server is unreachable", func(t *testing.T) {
		ctx := newTestContext(t)

		r, err := NewRedis(ctx, &config.RedisConfig{
			Host:        "127.0.0.1",
			Port:        "1",
			PingTimeout: 200 * time.Millisecond,
		})
		require.Error(t, err)
		assert.Nil(t, r)
	})

	t.Run("Should require a config", func(t *testing.T) {
		r, err := NewRedis(newTestContext(t), nil)
		require.Error(t, err)
		assert.Nil(t, r)
	})
}

func TestRedis_Close(t *testing.T) {
	t.Run("Should be safe to close twice", func(t *testing.T) {
		ctx := newTestContext(t)
		mr := miniredis.RunT(t)

		r, err := NewRedis(ctx, miniredisConfig(t, mr))
		require.NoError(t, err)

		assert.NoError(t, r.Close())
		assert.NoError(t, r.Close())
	})
}

func TestRedis_HealthCheck(t *testing.T) {
	t.Run("Should pass the write-read-compare-delete round trip", func(t *testing.T) {
		ctx := newTestContext(t)
		mr := miniredis.RunT(t)

		r, err := NewRedis(ctx, miniredisConfig(t, mr))
		require.NoError(t, err)
		defer r.Close()

		require.NoError(t, r.HealthCheck(ctx))
	})

	t.Run("Should remove the probe key afterwards", func(t *testing.T) {
		ctx := newTestContext(t)
		mr := miniredis.RunT(t)

		r, err := NewRedis(ctx, miniredisConfig(t, mr))
		require.NoError(t, err)
		defer r.Close()

		require.NoError(t, r.HealthCheck(ctx))
		assert.Empty(t, mr.Keys())
	})

	t.Run("Should fail once the server goes away", func(t *testing.T) {
		ctx := newTestContext(t)
		mr := miniredis.RunT(t)

		r, err := NewRedis(ctx, miniredisConfig(t, mr))
		require.NoError(t, err)
		defer r.Close()

		mr.Close()
		assert.Error(t, r.HealthCheck(ctx))
	})
}
