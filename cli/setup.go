package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/hookline/hookline/engine/idempotency"
	"github.com/hookline/hookline/engine/infra/broker"
	"github.com/hookline/hookline/engine/infra/cache"
	"github.com/hookline/hookline/engine/infra/monitoring"
	"github.com/hookline/hookline/engine/infra/server"
	"github.com/hookline/hookline/engine/webhook"
	"github.com/hookline/hookline/pkg/config"
	"github.com/hookline/hookline/pkg/logger"
)

// flagEnv maps command flags onto their configuration environment variables.
// Exporting changed flags before the load keeps one override path: flags are
// just the most deliberate way to set the documented variables.
var flagEnv = map[string]string{
	"log-level":    "LOG_LEVEL",
	"log-json":     "LOG_JSON",
	"log-source":   "LOG_SOURCE",
	"host":         "SERVER_HOST",
	"port":         "SERVER_PORT",
	"providers":    "INGRESS_PROVIDERS_FILE",
	"broker":       "BROKER_DRIVER",
	"destinations": "WORKER_DESTINATIONS",
	"concurrency":  "WORKER_CONCURRENCY",
}

// setupContext loads the optional env file, exports flag overrides, loads
// and validates configuration, and returns a context carrying the process
// logger built from it.
func setupContext(cmd *cobra.Command) (context.Context, *config.Config, error) {
	if err := loadEnvFile(cmd); err != nil {
		return nil, nil, err
	}
	if err := applyFlagOverrides(cmd); err != nil {
		return nil, nil, err
	}
	cfg, err := config.NewService().Load(cmd.Context())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := logger.Init(loggerConfig(&cfg.Logging)); err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	ctx := logger.ContextWithLogger(cmd.Context(), logger.GetDefault())
	return ctx, cfg, nil
}

func loggerConfig(cfg *config.LoggingConfig) *logger.Config {
	out := logger.DefaultConfig()
	if cfg.Level != "" {
		out.Level = logger.LogLevel(cfg.Level)
	}
	out.JSON = cfg.JSON
	out.AddSource = cfg.Source
	return out
}

// loadEnvFile loads environment variables for local development. An explicit
// --env-file must exist; the implicit ./.env is loaded only when present.
func loadEnvFile(cmd *cobra.Command) error {
	path, err := cmd.Flags().GetString("env-file")
	if err != nil {
		return fmt.Errorf("failed to get env-file flag: %w", err)
	}
	if path == "" {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load .env: %w", err)
		}
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve env file path: %w", err)
	}
	if err := godotenv.Load(abs); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", abs, err)
	}
	return nil
}

// applyFlagOverrides exports every changed flag with a known mapping as its
// configuration environment variable.
func applyFlagOverrides(cmd *cobra.Command) error {
	var failed error
	cmd.Flags().Visit(func(f *pflag.Flag) {
		env, ok := flagEnv[f.Name]
		if !ok {
			return
		}
		if err := os.Setenv(env, f.Value.String()); err != nil && failed == nil {
			failed = fmt.Errorf("failed to export flag --%s: %w", f.Name, err)
		}
	})
	return failed
}

// infra bundles the connections shared by the ingress and worker roles. The
// memory broker driver runs without Redis and keeps idempotency state in
// process; every other driver uses the shared Redis client for idempotency
// state and, in the redisstream case, transport.
type infra struct {
	redis  *cache.Redis
	broker broker.Broker
	memory *idempotency.MemoryStore
}

func newInfra(ctx context.Context, cfg *config.Config) (*infra, error) {
	inf := &infra{}
	if cfg.Broker.Driver == "memory" {
		inf.memory = idempotency.NewMemoryStore(&cfg.Idempotency)
	} else {
		r, err := cache.NewRedis(ctx, &cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		inf.redis = r
	}
	b, err := broker.New(ctx, &cfg.Broker, inf.client())
	if err != nil {
		inf.close(ctx)
		return nil, fmt.Errorf("failed to initialize broker: %w", err)
	}
	inf.broker = b
	return inf, nil
}

func (i *infra) client() redis.UniversalClient {
	if i.redis != nil {
		return i.redis.Client()
	}
	return nil
}

// ackCache returns the HTTP idempotency backend for this deployment.
func (i *infra) ackCache(cfg *config.Config) webhook.AckCache {
	if i.memory != nil {
		return i.memory
	}
	return idempotency.NewAckStore(i.redis.Client(), &cfg.Idempotency)
}

// store returns the processing-lock store for this deployment.
func (i *infra) store(cfg *config.Config) idempotency.Store {
	if i.memory != nil {
		return i.memory
	}
	return idempotency.NewRedisStore(i.redis.Client(), &cfg.Idempotency)
}

func (i *infra) probes() []server.Probe {
	probes := []server.Probe{{Name: "broker", Check: i.broker.Healthy}}
	if i.redis != nil {
		probes = append(probes, server.Probe{Name: "redis", Check: i.redis.HealthCheck})
	}
	return probes
}

// close releases connections in dependency order: the broker may hold the
// Redis client, so it goes first.
func (i *infra) close(ctx context.Context) {
	if i.broker != nil {
		if err := i.broker.Close(); err != nil {
			logger.FromContext(ctx).Error("Failed to close broker", "error", err)
		}
	}
	if i.redis != nil {
		_ = i.redis.Close()
	}
	if i.memory != nil {
		i.memory.Close()
	}
}

// newMetrics builds the meter provider and the webhook instrument set. A
// broken metrics stack degrades to no-op instruments instead of failing the
// role.
func newMetrics(ctx context.Context, cfg *config.Config) (*monitoring.Service, *webhook.Metrics) {
	mon := monitoring.NewMonitoringServiceWithFallback(ctx, &cfg.Monitoring)
	m, err := webhook.NewMetrics(ctx, mon.Meter())
	if err != nil {
		logger.FromContext(ctx).Error("Failed to initialize webhook metrics, continuing without instruments",
			"error", err)
		m, _ = webhook.NewMetrics(ctx, nil)
	}
	return mon, m
}

func shutdownMonitoring(ctx context.Context, mon *monitoring.Service) {
	if err := mon.Shutdown(context.WithoutCancel(ctx)); err != nil {
		logger.FromContext(ctx).Error("Failed to shut down monitoring", "error", err)
	}
}

func loadProviders(ctx context.Context, cfg *config.Config) (*webhook.Registry, error) {
	reg, err := webhook.LoadRegistry(cfg.Ingress.ProvidersFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load provider registry: %w", err)
	}
	if cfg.Ingress.ProvidersFile != "" {
		logger.FromContext(ctx).Info("Provider registry loaded",
			"file", cfg.Ingress.ProvidersFile,
			"providers", len(reg.Names()),
		)
	}
	return reg, nil
}
