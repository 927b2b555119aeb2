package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/hookline/hookline/engine/infra/monitoring/middleware"
	"github.com/hookline/hookline/pkg/config"
	"github.com/hookline/hookline/pkg/logger"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "hookline"

// Service owns the OpenTelemetry meter provider and its Prometheus exporter.
// Every instrument in the process hangs off the meter this service hands out.
type Service struct {
	meter             metric.Meter
	exporter          *prometheus.Exporter
	provider          *sdkmetric.MeterProvider
	registry          *prom.Registry
	config            *config.MonitoringConfig
	system            *systemMetrics
	initialized       bool
	initializationErr error
}

// DefaultConfig returns a disabled monitoring configuration with the
// conventional exposition path.
func DefaultConfig() *config.MonitoringConfig {
	return &config.MonitoringConfig{
		Enabled: false,
		Path:    "/metrics",
	}
}

// ValidateConfig checks the exposition path rules. The config loader applies
// the same rules, but a service can also be constructed from a hand-built
// config, so they are enforced again here.
func ValidateConfig(cfg *config.MonitoringConfig) error {
	if cfg.Path == "" {
		return fmt.Errorf("monitoring path cannot be empty")
	}
	if cfg.Path[0] != '/' {
		return fmt.Errorf("monitoring path must start with '/': got %s", cfg.Path)
	}
	if strings.HasPrefix(cfg.Path, "/api/") {
		return fmt.Errorf("monitoring path cannot be under /api/")
	}
	if strings.ContainsRune(cfg.Path, '?') {
		return fmt.Errorf("monitoring path cannot contain query parameters")
	}
	return nil
}

// newDisabledService creates a service instance with no-op implementations.
func newDisabledService(cfg *config.MonitoringConfig, initErr error) *Service {
	return &Service{
		config:            cfg,
		meter:             noop.NewMeterProvider().Meter(meterName),
		initialized:       false,
		initializationErr: initErr,
	}
}

// NewMonitoringService creates a monitoring service backed by a Prometheus
// exporter. When monitoring is disabled the returned service carries a no-op
// meter, so callers can instrument unconditionally.
func NewMonitoringService(ctx context.Context, cfg *config.MonitoringConfig) (*Service, error) {
	log := logger.FromContext(ctx)
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		log.Debug("Monitoring disabled, using no-op meter")
		return newDisabledService(cfg, nil), nil
	}
	registry := prom.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter(meterName)
	service := &Service{
		meter:       meter,
		exporter:    exporter,
		provider:    provider,
		registry:    registry,
		config:      cfg,
		initialized: true,
	}
	service.system = newSystemMetrics(ctx, meter)
	log.Info("Monitoring service initialized", "path", cfg.Path)
	return service, nil
}

// NewMonitoringServiceWithFallback creates a monitoring service that degrades
// to a no-op meter when initialization fails. A broken metrics stack must not
// keep the ingress or a worker from starting.
func NewMonitoringServiceWithFallback(ctx context.Context, cfg *config.MonitoringConfig) *Service {
	log := logger.FromContext(ctx)
	service, err := NewMonitoringService(ctx, cfg)
	if err != nil {
		log.Error("Failed to initialize monitoring, using no-op implementation", "error", err)
		return newDisabledService(cfg, err)
	}
	return service
}

// Meter returns the OpenTelemetry meter for custom instrumentation.
func (s *Service) Meter() metric.Meter {
	return s.meter
}

// Path returns the configured exposition path.
func (s *Service) Path() string {
	if s.config == nil {
		return "/metrics"
	}
	return s.config.Path
}

// GinMiddleware returns Gin middleware that records HTTP request metrics.
func (s *Service) GinMiddleware(ctx context.Context) gin.HandlerFunc {
	if !s.initialized {
		return func(c *gin.Context) {
			c.Next()
		}
	}
	return middleware.HTTPMetrics(ctx, s.meter)
}

// ExporterHandler returns the HTTP handler serving the Prometheus exposition
// format.
func (s *Service) ExporterHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.initialized {
			w.WriteHeader(http.StatusServiceUnavailable)
			if _, err := w.Write([]byte("Monitoring service not initialized")); err != nil {
				log := logger.FromContext(r.Context())
				log.Error("Failed to write response", "error", err)
			}
			return
		}
		promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}

// Shutdown flushes and stops the meter provider.
func (s *Service) Shutdown(ctx context.Context) error {
	s.system.close(ctx)
	if s.provider != nil {
		return s.provider.Shutdown(ctx)
	}
	return nil
}

// IsInitialized reports whether the exporter stack came up.
func (s *Service) IsInitialized() bool {
	return s.initialized
}

// InitializationError returns the error that degraded the service, if any.
func (s *Service) InitializationError() error {
	return s.initializationErr
}

// SetAsGlobal installs this service's provider as the global OpenTelemetry
// meter provider.
func (s *Service) SetAsGlobal() {
	if s.provider != nil {
		otel.SetMeterProvider(s.provider)
	}
}
