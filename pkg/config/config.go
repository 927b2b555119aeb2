package config

import (
	"net"
	"strconv"
	"time"
)

// Config is the complete typed configuration for hookline. Values come
// from defaults, then environment variables (dotted path uppercased with
// underscores, or the explicit env tag), last one wins.
type Config struct {
	Server      ServerConfig      `koanf:"server"      validate:"required"`
	Logging     LoggingConfig     `koanf:"logging"`
	Monitoring  MonitoringConfig  `koanf:"monitoring"`
	Redis       RedisConfig       `koanf:"redis"`
	Broker      BrokerConfig      `koanf:"broker"      validate:"required"`
	Ingress     IngressConfig     `koanf:"ingress"     validate:"required"`
	RateLimit   RateLimitConfig   `koanf:"ratelimit"`
	Limits      LimitsConfig      `koanf:"limits"`
	Batch       BatchConfig       `koanf:"batch"`
	Compression CompressionConfig `koanf:"compression"`
	Resilience  ResilienceConfig  `koanf:"resilience"`
	Idempotency IdempotencyConfig `koanf:"idempotency"`
	Worker      WorkerConfig      `koanf:"worker"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"             validate:"required"        env:"SERVER_HOST"`
	Port            int           `koanf:"port"             validate:"min=1,max=65535" env:"SERVER_PORT"`
	ReadTimeout     time.Duration `koanf:"read_timeout"                                env:"SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `koanf:"write_timeout"                               env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `koanf:"idle_timeout"                                env:"SERVER_IDLE_TIMEOUT"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"                            env:"SERVER_SHUTDOWN_TIMEOUT"`
}

// Addr returns the host:port listen address.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `koanf:"level"  validate:"oneof=debug info warn error disabled" env:"LOG_LEVEL"`
	JSON   bool   `koanf:"json"                                                   env:"LOG_JSON"`
	Source bool   `koanf:"source"                                                 env:"LOG_SOURCE"`
}

// MonitoringConfig controls the Prometheus exposition endpoint.
type MonitoringConfig struct {
	Enabled bool   `koanf:"enabled" env:"MONITORING_ENABLED"`
	Path    string `koanf:"path"    env:"MONITORING_PATH"`
}

// RedisConfig covers the shared KV store used for idempotency, the HTTP
// rate-limit store, and the redisstream broker driver.
type RedisConfig struct {
	URL          string          `koanf:"url"           env:"REDIS_URL"`
	Host         string          `koanf:"host"          env:"REDIS_HOST"`
	Port         string          `koanf:"port"          env:"REDIS_PORT"`
	Password     SensitiveString `koanf:"password"      env:"REDIS_PASSWORD"     sensitive:"true"`
	DB           int             `koanf:"db"            env:"REDIS_DB"`
	PoolSize     int             `koanf:"pool_size"     env:"REDIS_POOL_SIZE"`
	PingTimeout  time.Duration   `koanf:"ping_timeout"  env:"REDIS_PING_TIMEOUT"`
	ReadTimeout  time.Duration   `koanf:"read_timeout"  env:"REDIS_READ_TIMEOUT"`
	WriteTimeout time.Duration   `koanf:"write_timeout" env:"REDIS_WRITE_TIMEOUT"`
}

// BrokerConfig selects and tunes the message broker driver.
type BrokerConfig struct {
	Driver             string        `koanf:"driver"                validate:"oneof=memory redisstream nats kafka" env:"BROKER_DRIVER"`
	URL                string        `koanf:"url"                   env:"BROKER_URL"`
	Brokers            []string      `koanf:"brokers"               env:"BROKER_BROKERS"`
	DestinationPrefix  string        `koanf:"destination_prefix"    env:"BROKER_DESTINATION_PREFIX"`
	DestinationSuffix  string        `koanf:"destination_suffix"    env:"BROKER_DESTINATION_SUFFIX"`
	CustomDestination  string        `koanf:"custom_destination"    env:"BROKER_CUSTOM_DESTINATION"`
	UseProviderAsTopic bool          `koanf:"use_provider_as_topic" env:"BROKER_USE_PROVIDER_AS_TOPIC"`
	DLQDestination     string        `koanf:"dlq_destination"       validate:"required" env:"BROKER_DLQ_DESTINATION"`
	ConsumerGroup      string        `koanf:"consumer_group"        env:"BROKER_CONSUMER_GROUP"`
	MaxDeliveries      int           `koanf:"max_deliveries"        validate:"min=1"    env:"BROKER_MAX_DELIVERIES"`
	ReclaimMinIdle     time.Duration `koanf:"reclaim_min_idle"      env:"BROKER_RECLAIM_MIN_IDLE"`
	ReclaimInterval    time.Duration `koanf:"reclaim_interval"      env:"BROKER_RECLAIM_INTERVAL"`
}

// IngressConfig tunes request admission on the webhook endpoint.
type IngressConfig struct {
	ProviderPattern       string   `koanf:"provider_pattern"        validate:"required" env:"INGRESS_PROVIDER_PATTERN"`
	ValidateProviderName  bool     `koanf:"validate_provider_name"  env:"INGRESS_VALIDATE_PROVIDER_NAME"`
	MaxPayloadSize        int64    `koanf:"max_payload_size"        validate:"min=1"    env:"INGRESS_MAX_PAYLOAD_SIZE"`
	RequireContentType    bool     `koanf:"require_content_type"    env:"INGRESS_REQUIRE_CONTENT_TYPE"`
	AllowedContentTypes   []string `koanf:"allowed_content_types"   env:"INGRESS_ALLOWED_CONTENT_TYPES"`
	AllowUnknownProviders bool     `koanf:"allow_unknown_providers" env:"INGRESS_ALLOW_UNKNOWN_PROVIDERS"`
	ProvidersFile         string   `koanf:"providers_file"          env:"INGRESS_PROVIDERS_FILE"`
	DLQValidationFailures bool     `koanf:"dlq_validation_failures" env:"INGRESS_DLQ_VALIDATION_FAILURES"`
	IPAllowlist           []string `koanf:"ip_allowlist"            env:"INGRESS_IP_ALLOWLIST"`
}

// RateLimitConfig configures the HTTP-layer rate limit middleware.
type RateLimitConfig struct {
	Enabled       bool            `koanf:"enabled"        env:"RATELIMIT_ENABLED"`
	Limit         int64           `koanf:"limit"          env:"RATELIMIT_LIMIT"`
	Period        time.Duration   `koanf:"period"         env:"RATELIMIT_PERIOD"`
	Prefix        string          `koanf:"prefix"         env:"RATELIMIT_PREFIX"`
	MaxRetry      int             `koanf:"max_retry"      env:"RATELIMIT_MAX_RETRY"`
	UseRedis      bool            `koanf:"use_redis"      env:"RATELIMIT_USE_REDIS"`
	ExcludedPaths []string        `koanf:"excluded_paths" env:"RATELIMIT_EXCLUDED_PATHS"`
	DisableHeader bool            `koanf:"disable_header" env:"RATELIMIT_DISABLE_HEADER"`
}

// LimitsConfig holds the domain token buckets applied per provider and per
// source IP before a request is admitted. Each bucket grants Limit permits
// per Period; callers wait up to the wait timeout for a permit.
type LimitsConfig struct {
	ProviderLimit       int           `koanf:"provider_limit"        validate:"min=1" env:"LIMITS_PROVIDER_LIMIT"`
	ProviderPeriod      time.Duration `koanf:"provider_period"       env:"LIMITS_PROVIDER_PERIOD"`
	ProviderWaitTimeout time.Duration `koanf:"provider_wait_timeout" env:"LIMITS_PROVIDER_WAIT_TIMEOUT"`
	IPLimit             int           `koanf:"ip_limit"              validate:"min=1" env:"LIMITS_IP_LIMIT"`
	IPPeriod            time.Duration `koanf:"ip_period"             env:"LIMITS_IP_PERIOD"`
	IPWaitTimeout       time.Duration `koanf:"ip_wait_timeout"       env:"LIMITS_IP_WAIT_TIMEOUT"`
	IdleEvict           time.Duration `koanf:"idle_evict"            env:"LIMITS_IDLE_EVICT"`
}

// BatchConfig tunes the optional per-destination batcher.
type BatchConfig struct {
	Enabled      bool          `koanf:"enabled"       env:"BATCH_ENABLED"`
	MaxSize      int           `koanf:"max_size"      validate:"min=1" env:"BATCH_MAX_SIZE"`
	MaxWait      time.Duration `koanf:"max_wait"      env:"BATCH_MAX_WAIT"`
	BufferSize   int           `koanf:"buffer_size"   validate:"min=1" env:"BATCH_BUFFER_SIZE"`
	FlushTimeout time.Duration `koanf:"flush_timeout" env:"BATCH_FLUSH_TIMEOUT"`
}

// CompressionConfig tunes the optional payload compressor.
type CompressionConfig struct {
	Enabled   bool   `koanf:"enabled"   env:"COMPRESSION_ENABLED"`
	Algorithm string `koanf:"algorithm" env:"COMPRESSION_ALGORITHM"`
	MinSize   int    `koanf:"min_size"  validate:"min=1" env:"COMPRESSION_MIN_SIZE"`
}

// BreakerConfig drives the publish circuit breaker.
type BreakerConfig struct {
	Enabled          bool          `koanf:"enabled"            env:"RESILIENCE_BREAKER_ENABLED"`
	MinCalls         int           `koanf:"min_calls"          validate:"min=1"      env:"RESILIENCE_BREAKER_MIN_CALLS"`
	FailureThreshold float64       `koanf:"failure_threshold"  validate:"gt=0,max=1" env:"RESILIENCE_BREAKER_FAILURE_THRESHOLD"`
	SlowCallDuration time.Duration `koanf:"slow_call_duration" env:"RESILIENCE_BREAKER_SLOW_CALL_DURATION"`
	OpenTimeout      time.Duration `koanf:"open_timeout"       env:"RESILIENCE_BREAKER_OPEN_TIMEOUT"`
	HalfOpenProbes   int           `koanf:"half_open_probes"   validate:"min=1"      env:"RESILIENCE_BREAKER_HALF_OPEN_PROBES"`
}

// RetryConfig drives publish retries. RetryOn names the error classes worth
// re-attempting (timeout, connection, io); anything outside them fails after
// the first attempt.
type RetryConfig struct {
	MaxAttempts  int           `koanf:"max_attempts"  validate:"min=1" env:"RESILIENCE_RETRY_MAX_ATTEMPTS"`
	InitialDelay time.Duration `koanf:"initial_delay" env:"RESILIENCE_RETRY_INITIAL_DELAY"`
	MaxDelay     time.Duration `koanf:"max_delay"     env:"RESILIENCE_RETRY_MAX_DELAY"`
	Multiplier   float64       `koanf:"multiplier"    validate:"gte=1" env:"RESILIENCE_RETRY_MULTIPLIER"`
	Jitter       bool          `koanf:"jitter"        env:"RESILIENCE_RETRY_JITTER"`
	JitterFactor float64       `koanf:"jitter_factor" validate:"gte=0,lte=1" env:"RESILIENCE_RETRY_JITTER_FACTOR"`
	RetryOn      []string      `koanf:"retry_on"      validate:"dive,oneof=timeout connection io" env:"RESILIENCE_RETRY_RETRY_ON"`
}

// ResilienceConfig wraps broker publishing: breaker outside, retry inside,
// per-attempt timeout innermost.
type ResilienceConfig struct {
	Breaker        BreakerConfig `koanf:"breaker"`
	Retry          RetryConfig   `koanf:"retry"`
	AttemptTimeout time.Duration `koanf:"attempt_timeout" env:"RESILIENCE_ATTEMPT_TIMEOUT"`
}

// IdempotencyConfig holds key prefix and TTLs for the distributed store.
// Durations accept day units ("7d").
type IdempotencyConfig struct {
	KeyPrefix    string        `koanf:"key_prefix"    validate:"required" env:"IDEMPOTENCY_KEY_PREFIX"`
	LockTTL      time.Duration `koanf:"lock_ttl"      env:"IDEMPOTENCY_LOCK_TTL"`
	ProcessedTTL time.Duration `koanf:"processed_ttl" env:"IDEMPOTENCY_PROCESSED_TTL"`
	FailuresTTL  time.Duration `koanf:"failures_ttl"  env:"IDEMPOTENCY_FAILURES_TTL"`
	HTTPTTL      time.Duration `koanf:"http_ttl"      env:"IDEMPOTENCY_HTTP_TTL"`
}

// WorkerConfig tunes the consumer role.
type WorkerConfig struct {
	Destinations []string `koanf:"destinations" env:"WORKER_DESTINATIONS"`
	Concurrency  int      `koanf:"concurrency"  validate:"min=1" env:"WORKER_CONCURRENCY"`
	NamePrefix   string   `koanf:"name_prefix"  env:"WORKER_NAME_PREFIX"`
}

// Default returns the baseline configuration before env overrides.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Monitoring: MonitoringConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Redis: RedisConfig{
			Host:        "localhost",
			Port:        "6379",
			PoolSize:    10,
			PingTimeout: 5 * time.Second,
		},
		Broker: BrokerConfig{
			Driver:             "redisstream",
			UseProviderAsTopic: true,
			DLQDestination:     "webhooks.dlq",
			ConsumerGroup:      "hookline-workers",
			MaxDeliveries:      5,
			ReclaimMinIdle:     time.Minute,
			ReclaimInterval:    30 * time.Second,
		},
		Ingress: IngressConfig{
			ProviderPattern:       "^[a-z0-9-]+$",
			ValidateProviderName:  true,
			MaxPayloadSize:        1 << 20,
			RequireContentType:    true,
			AllowedContentTypes:   []string{"application/json", "application/x-www-form-urlencoded"},
			AllowUnknownProviders: true,
			DLQValidationFailures: false,
		},
		RateLimit: RateLimitConfig{
			Enabled:  false,
			Limit:    1000,
			Period:   time.Minute,
			Prefix:   "hookline:ratelimit:",
			MaxRetry: 3,
		},
		Limits: LimitsConfig{
			ProviderLimit:       100,
			ProviderPeriod:      time.Second,
			ProviderWaitTimeout: 500 * time.Millisecond,
			IPLimit:             100,
			IPPeriod:            time.Second,
			IPWaitTimeout:       500 * time.Millisecond,
			IdleEvict:           10 * time.Minute,
		},
		Batch: BatchConfig{
			Enabled:      false,
			MaxSize:      100,
			MaxWait:      time.Second,
			BufferSize:   1000,
			FlushTimeout: 5 * time.Second,
		},
		Compression: CompressionConfig{
			Enabled:   false,
			Algorithm: "gzip",
			MinSize:   1024,
		},
		Resilience: ResilienceConfig{
			Breaker: BreakerConfig{
				Enabled:          true,
				MinCalls:         10,
				FailureThreshold: 0.5,
				SlowCallDuration: 5 * time.Second,
				OpenTimeout:      30 * time.Second,
				HalfOpenProbes:   5,
			},
			Retry: RetryConfig{
				MaxAttempts:  3,
				InitialDelay: 500 * time.Millisecond,
				MaxDelay:     10 * time.Second,
				Multiplier:   2.0,
				Jitter:       true,
				JitterFactor: 0.5,
				RetryOn:      []string{"timeout", "connection", "io"},
			},
			AttemptTimeout: 10 * time.Second,
		},
		Idempotency: IdempotencyConfig{
			KeyPrefix:    "hookline:",
			LockTTL:      5 * time.Minute,
			ProcessedTTL: 7 * 24 * time.Hour,
			FailuresTTL:  24 * time.Hour,
			HTTPTTL:      24 * time.Hour,
		},
		Worker: WorkerConfig{
			Concurrency: 4,
			NamePrefix:  "worker",
		},
	}
}
