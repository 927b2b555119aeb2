package monitoring

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/hookline/hookline/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
)

func TestNewMonitoringService(t *testing.T) {
	t.Run("Should create service with default config when nil provided", func(t *testing.T) {
		service, err := NewMonitoringService(context.Background(), nil)
		require.NoError(t, err)
		assert.NotNil(t, service)
		assert.NotNil(t, service.config)
		assert.False(t, service.config.Enabled)
		assert.Equal(t, "/metrics", service.Path())
		assert.False(t, service.IsInitialized())
	})
	t.Run("Should create service with provided config", func(t *testing.T) {
		cfg := &config.MonitoringConfig{
			Enabled: false,
			Path:    "/custom/metrics",
		}
		service, err := NewMonitoringService(context.Background(), cfg)
		require.NoError(t, err)
		assert.NotNil(t, service)
		assert.Equal(t, cfg, service.config)
		assert.Equal(t, "/custom/metrics", service.Path())
		assert.False(t, service.IsInitialized())
	})
	t.Run("Should fail with invalid config", func(t *testing.T) {
		cfg := &config.MonitoringConfig{
			Enabled: true,
			Path:    "",
		}
		service, err := NewMonitoringService(context.Background(), cfg)
		assert.Error(t, err)
		assert.Nil(t, service)
		assert.Contains(t, err.Error(), "monitoring path cannot be empty")
	})
	t.Run("Should initialize with Prometheus exporter when enabled", func(t *testing.T) {
		cfg := &config.MonitoringConfig{
			Enabled: true,
			Path:    "/metrics",
		}
		service, err := NewMonitoringService(context.Background(), cfg)
		require.NoError(t, err)
		assert.NotNil(t, service)
		assert.True(t, service.IsInitialized())
		assert.NotNil(t, service.exporter)
		assert.NotNil(t, service.provider)
		assert.NotNil(t, service.meter)
		assert.Nil(t, service.InitializationError())
	})
	t.Run("Should use no-op meter when disabled", func(t *testing.T) {
		cfg := &config.MonitoringConfig{
			Enabled: false,
			Path:    "/metrics",
		}
		service, err := NewMonitoringService(context.Background(), cfg)
		require.NoError(t, err)
		assert.NotNil(t, service)
		assert.False(t, service.IsInitialized())
		assert.Nil(t, service.exporter)
		assert.Nil(t, service.provider)
		assert.NotNil(t, service.meter)
	})
}

func TestValidateConfig(t *testing.T) {
	t.Run("Should accept a conventional path", func(t *testing.T) {
		err := ValidateConfig(&config.MonitoringConfig{Enabled: true, Path: "/metrics"})
		assert.NoError(t, err)
	})
	t.Run("Should reject path without leading slash", func(t *testing.T) {
		err := ValidateConfig(&config.MonitoringConfig{Enabled: true, Path: "metrics"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must start with '/'")
	})
	t.Run("Should reject path under the API namespace", func(t *testing.T) {
		err := ValidateConfig(&config.MonitoringConfig{Enabled: true, Path: "/api/metrics"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot be under /api/")
	})
	t.Run("Should reject path with query parameters", func(t *testing.T) {
		err := ValidateConfig(&config.MonitoringConfig{Enabled: true, Path: "/metrics?format=text"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "query parameters")
	})
}

func TestMonitoringService_Meter(t *testing.T) {
	t.Run("Should return meter instance", func(t *testing.T) {
		cfg := &config.MonitoringConfig{Enabled: true, Path: "/metrics"}
		service, err := NewMonitoringService(context.Background(), cfg)
		require.NoError(t, err)
		meter := service.Meter()
		assert.NotNil(t, meter)
		assert.Implements(t, (*metric.Meter)(nil), meter)
	})
}

func TestMonitoringService_GinMiddleware(t *testing.T) {
	t.Run("Should return functional middleware when initialized", func(t *testing.T) {
		cfg := &config.MonitoringConfig{Enabled: true, Path: "/metrics"}
		service, err := NewMonitoringService(context.Background(), cfg)
		require.NoError(t, err)
		mw := service.GinMiddleware(context.Background())
		assert.NotNil(t, mw)
		gin.SetMode(gin.TestMode)
		router := gin.New()
		router.Use(mw)
		router.GET("/test", func(c *gin.Context) {
			c.JSON(200, gin.H{"status": "ok"})
		})
		req := httptest.NewRequest("GET", "/test", http.NoBody)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, 200, w.Code)
	})
	t.Run("Should return no-op middleware when not initialized", func(t *testing.T) {
		cfg := &config.MonitoringConfig{Enabled: false, Path: "/metrics"}
		service, err := NewMonitoringService(context.Background(), cfg)
		require.NoError(t, err)
		mw := service.GinMiddleware(context.Background())
		assert.NotNil(t, mw)
		gin.SetMode(gin.TestMode)
		router := gin.New()
		router.Use(mw)
		router.GET("/test", func(c *gin.Context) {
			c.JSON(200, gin.H{"status": "ok"})
		})
		req := httptest.NewRequest("GET", "/test", http.NoBody)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, 200, w.Code)
	})
}

func TestMonitoringService_ExporterHandler(t *testing.T) {
	t.Run("Should return 503 when not initialized", func(t *testing.T) {
		cfg := &config.MonitoringConfig{Enabled: false, Path: "/metrics"}
		service, err := NewMonitoringService(context.Background(), cfg)
		require.NoError(t, err)
		handler := service.ExporterHandler()
		req := httptest.NewRequest("GET", "/metrics", http.NoBody)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), "Monitoring service not initialized")
	})
	t.Run("Should return metrics when initialized", func(t *testing.T) {
		cfg := &config.MonitoringConfig{Enabled: true, Path: "/metrics"}
		service, err := NewMonitoringService(context.Background(), cfg)
		require.NoError(t, err)
		handler := service.ExporterHandler()
		req := httptest.NewRequest("GET", "/metrics", http.NoBody)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
	})
}

func TestMonitoringService_Shutdown(t *testing.T) {
	t.Run("Should shutdown gracefully when initialized", func(t *testing.T) {
		cfg := &config.MonitoringConfig{Enabled: true, Path: "/metrics"}
		service, err := NewMonitoringService(context.Background(), cfg)
		require.NoError(t, err)
		err = service.Shutdown(context.Background())
		assert.NoError(t, err)
	})
	t.Run("Should handle shutdown when not initialized", func(t *testing.T) {
		cfg := &config.MonitoringConfig{Enabled: false, Path: "/metrics"}
		service, err := NewMonitoringService(context.Background(), cfg)
		require.NoError(t, err)
		err = service.Shutdown(context.Background())
		assert.NoError(t, err)
	})
}

func TestNewMonitoringServiceWithFallback(t *testing.T) {
	t.Run("Should return initialized service when config is valid", func(t *testing.T) {
		cfg := &config.MonitoringConfig{Enabled: true, Path: "/metrics"}
		service := NewMonitoringServiceWithFallback(context.Background(), cfg)
		assert.NotNil(t, service)
		assert.True(t, service.IsInitialized())
		assert.Nil(t, service.InitializationError())
	})
	t.Run("Should return degraded service when config is invalid", func(t *testing.T) {
		cfg := &config.MonitoringConfig{Enabled: true, Path: "invalid-path"}
		service := NewMonitoringServiceWithFallback(context.Background(), cfg)
		assert.NotNil(t, service)
		assert.False(t, service.IsInitialized())
		assert.NotNil(t, service.InitializationError())
		assert.NotNil(t, service.Meter())
	})
	t.Run("Should handle nil config gracefully", func(t *testing.T) {
		service := NewMonitoringServiceWithFallback(context.Background(), nil)
		assert.NotNil(t, service)
		assert.False(t, service.IsInitialized())
		assert.Nil(t, service.InitializationError())
	})
}
