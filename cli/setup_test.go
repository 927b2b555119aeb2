package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hookline/hookline/pkg/config"
	"github.com/hookline/hookline/pkg/logger"
)

func TestApplyFlagOverrides(t *testing.T) {
	t.Run("Should export changed flags as configuration env vars", func(t *testing.T) {
		t.Setenv("WORKER_DESTINATIONS", "placeholder")
		t.Setenv("WORKER_CONCURRENCY", "placeholder")
		os.Unsetenv("WORKER_DESTINATIONS")
		os.Unsetenv("WORKER_CONCURRENCY")

		cmd := WorkerCmd()
		require.NoError(t, cmd.Flags().Set("destinations", "webhooks.github,webhooks.stripe"))
		require.NoError(t, applyFlagOverrides(cmd))

		assert.Equal(t, "webhooks.github,webhooks.stripe", os.Getenv("WORKER_DESTINATIONS"))
		_, set := os.LookupEnv("WORKER_CONCURRENCY")
		assert.False(t, set, "unchanged flags must not be exported")
	})
	t.Run("Should ignore flags without a mapping", func(t *testing.T) {
		cmd := ConfigShowCmd()
		require.NoError(t, cmd.Flags().Set("format", "json"))
		require.NoError(t, applyFlagOverrides(cmd))
	})
}

func TestLoadEnvFile(t *testing.T) {
	newCmd := func(path string) *cobra.Command {
		cmd := &cobra.Command{Use: "test"}
		cmd.Flags().String("env-file", path, "")
		return cmd
	}
	t.Run("Should load variables from an explicit file", func(t *testing.T) {
		t.Setenv("HOOKLINE_ENVFILE_SENTINEL", "placeholder")
		os.Unsetenv("HOOKLINE_ENVFILE_SENTINEL")
		path := filepath.Join(t.TempDir(), "dev.env")
		require.NoError(t, os.WriteFile(path, []byte("HOOKLINE_ENVFILE_SENTINEL=from-file\n"), 0o600))

		require.NoError(t, loadEnvFile(newCmd(path)))
		assert.Equal(t, "from-file", os.Getenv("HOOKLINE_ENVFILE_SENTINEL"))
	})
	t.Run("Should fail when the explicit file is missing", func(t *testing.T) {
		err := loadEnvFile(newCmd(filepath.Join(t.TempDir(), "missing.env")))
		assert.Error(t, err)
	})
	t.Run("Should tolerate a missing implicit .env", func(t *testing.T) {
		assert.NoError(t, loadEnvFile(newCmd("")))
	})
}

func TestLoggerConfig(t *testing.T) {
	t.Run("Should map logging config onto the logger defaults", func(t *testing.T) {
		got := loggerConfig(&config.LoggingConfig{Level: "debug", JSON: true, Source: true})
		assert.Equal(t, logger.DebugLevel, got.Level)
		assert.True(t, got.JSON)
		assert.True(t, got.AddSource)
	})
	t.Run("Should keep the default level when unset", func(t *testing.T) {
		got := loggerConfig(&config.LoggingConfig{})
		assert.Equal(t, logger.DefaultConfig().Level, got.Level)
	})
}

func TestNewInfra(t *testing.T) {
	t.Run("Should run without Redis when the broker driver is memory", func(t *testing.T) {
		cfg := config.Default()
		cfg.Broker.Driver = "memory"
		inf, err := newInfra(context.Background(), cfg)
		require.NoError(t, err)
		t.Cleanup(func() { inf.close(context.Background()) })

		assert.Nil(t, inf.redis)
		require.NotNil(t, inf.memory)
		require.NotNil(t, inf.broker)
		assert.Nil(t, inf.client())
		assert.Same(t, inf.memory, inf.ackCache(cfg))
		assert.Same(t, inf.memory, inf.store(cfg))

		probes := inf.probes()
		require.Len(t, probes, 1)
		assert.Equal(t, "broker", probes[0].Name)
		assert.NoError(t, probes[0].Check(context.Background()))
	})
}

func TestDevDefaults(t *testing.T) {
	reserve := func(t *testing.T) {
		t.Helper()
		for key := range devDefaults {
			t.Setenv(key, "placeholder")
			os.Unsetenv(key)
		}
	}
	t.Run("Should fill unset variables", func(t *testing.T) {
		reserve(t)
		applyDevDefaults()
		assert.Equal(t, "memory", os.Getenv("BROKER_DRIVER"))
		assert.Equal(t, "webhooks", os.Getenv("WORKER_DESTINATIONS"))
	})
	t.Run("Should keep explicitly set variables", func(t *testing.T) {
		reserve(t)
		t.Setenv("BROKER_DRIVER", "nats")
		applyDevDefaults()
		assert.Equal(t, "nats", os.Getenv("BROKER_DRIVER"))
	})
}
