package config

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	str2duration "github.com/xhit/go-str2duration/v2"
)

// Service loads and validates configuration. Defaults load first, then
// environment variables; the last source wins per key.
type Service struct {
	koanf     *koanf.Koanf
	validator *validator.Validate
	sources   map[string]SourceType
	sourcesMu sync.RWMutex
}

// SourceType names where a configuration key's effective value came from.
type SourceType string

const (
	SourceDefault SourceType = "default"
	SourceEnv     SourceType = "env"
)

func NewService() *Service {
	return &Service{
		koanf:     koanf.New("."),
		validator: validator.New(),
		sources:   make(map[string]SourceType),
	}
}

// Load builds the effective configuration from defaults and environment.
func (s *Service) Load(_ context.Context) (*Config, error) {
	s.reset()
	if err := s.loadDefaults(); err != nil {
		return nil, err
	}
	if err := s.loadEnvironment(); err != nil {
		return nil, err
	}
	return s.unmarshalAndValidate()
}

func (s *Service) reset() {
	s.koanf.Cut("")
	s.sourcesMu.Lock()
	s.sources = make(map[string]SourceType)
	s.sourcesMu.Unlock()
}

func (s *Service) loadDefaults() error {
	if err := s.koanf.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return fmt.Errorf("failed to load defaults: %w", err)
	}
	for _, key := range s.koanf.Keys() {
		s.trackSource(key, SourceDefault)
	}
	return nil
}

// transformEnvKey converts an environment variable name to a koanf path:
// the first underscore separates the section, the rest stays a field name,
// e.g. BATCH_MAX_SIZE -> batch.max_size.
func transformEnvKey(s string) string {
	s = strings.ToLower(s)
	parts := strings.FieldsFunc(s, func(r rune) bool { return r == '_' })
	if len(parts) == 0 {
		return ""
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return parts[0] + "." + strings.Join(parts[1:], "_")
}

func (s *Service) loadEnvironment() error {
	keysBefore := make(map[string]any)
	for _, key := range s.koanf.Keys() {
		keysBefore[key] = s.koanf.Get(key)
	}

	envToPath := GenerateEnvToConfigMap()
	if err := s.koanf.Load(env.ProviderWithValue("", ".", func(key, value string) (string, any) {
		if configPath, ok := envToPath[key]; ok {
			return configPath, value
		}
		return transformEnvKey(key), value
	}), nil); err != nil {
		return fmt.Errorf("failed to load environment variables: %w", err)
	}

	for _, key := range s.koanf.Keys() {
		before, existed := keysBefore[key]
		if !existed || !reflect.DeepEqual(before, s.koanf.Get(key)) {
			s.trackSource(key, SourceEnv)
		}
	}
	return nil
}

// durationDecodeHook parses duration strings with day support, so TTLs can
// be written as "7d" as well as "30m".
func durationDecodeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	raw, ok := data.(string)
	if !ok || raw == "" {
		return data, nil
	}
	d, err := str2duration.ParseDuration(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	return d, nil
}

func sensitiveStringDecodeHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(SensitiveString("")) {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return SensitiveString(v), nil
	case []byte:
		return SensitiveString(v), nil
	default:
		return data, nil
	}
}

func (s *Service) unmarshalAndValidate() (*Config, error) {
	var config Config
	if err := s.koanf.UnmarshalWithConf("", &config, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			WeaklyTypedInput: true,
			Result:           &config,
			TagName:          "koanf",
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				durationDecodeHook,
				mapstructure.StringToSliceHookFunc(","),
				sensitiveStringDecodeHook,
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	if err := s.Validate(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks struct tags plus the cross-field rules tags cannot
// express.
func (s *Service) Validate(config *Config) error {
	if config == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	if err := s.validator.Struct(config); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return validateCustom(config)
}

func validateCustom(config *Config) error {
	if config.Compression.Enabled {
		switch config.Compression.Algorithm {
		case "gzip", "zstd":
		case "lz4":
			return fmt.Errorf("compression.algorithm: lz4 is not supported, use gzip or zstd")
		default:
			return fmt.Errorf("compression.algorithm: unknown algorithm %q, use gzip or zstd", config.Compression.Algorithm)
		}
	}
	switch config.Broker.Driver {
	case "nats":
		if config.Broker.URL == "" {
			return fmt.Errorf("broker.url is required for the nats driver")
		}
	case "kafka":
		if len(config.Broker.Brokers) == 0 {
			return fmt.Errorf("broker.brokers is required for the kafka driver")
		}
	}
	if config.Monitoring.Enabled {
		path := config.Monitoring.Path
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("monitoring.path must start with '/', got %q", path)
		}
		if strings.HasPrefix(path, "/api/") {
			return fmt.Errorf("monitoring.path must not shadow the API namespace, got %q", path)
		}
	}
	if config.Resilience.Retry.MaxDelay < config.Resilience.Retry.InitialDelay {
		return fmt.Errorf("resilience.retry.max_delay must be >= initial_delay")
	}
	return nil
}

// GetSource returns where a key's effective value came from.
func (s *Service) GetSource(key string) SourceType {
	s.sourcesMu.RLock()
	defer s.sourcesMu.RUnlock()
	if src, ok := s.sources[key]; ok {
		return src
	}
	return SourceDefault
}

func (s *Service) trackSource(key string, source SourceType) {
	s.sourcesMu.Lock()
	defer s.sourcesMu.Unlock()
	s.sources[key] = source
}
