package monitoring

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/hookline/hookline/pkg/logger"
	"github.com/hookline/hookline/pkg/version"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// systemMetrics carries the process health instruments: a labeled build-info
// gauge recorded once, and an uptime gauge observed on every collection.
type systemMetrics struct {
	registration metric.Registration
	startedAt    time.Time
}

// newSystemMetrics registers the instruments on the meter and records build
// identity. Instrument failures are logged and skipped; process health
// metrics never block startup.
func newSystemMetrics(ctx context.Context, meter metric.Meter) *systemMetrics {
	log := logger.FromContext(ctx)
	s := &systemMetrics{startedAt: time.Now()}
	buildInfo, err := meter.Float64Gauge(
		"hookline_build_info",
		metric.WithDescription("Build information (value=1)"),
	)
	if err != nil {
		log.Error("Failed to create build info gauge", "error", err)
	} else {
		s.recordBuildInfo(ctx, buildInfo)
	}
	uptime, err := meter.Float64ObservableGauge(
		"hookline_uptime_seconds",
		metric.WithDescription("Service uptime in seconds"),
	)
	if err != nil {
		log.Error("Failed to create uptime gauge", "error", err)
		return s
	}
	s.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveFloat64(uptime, time.Since(s.startedAt).Seconds())
		return nil
	}, uptime)
	if err != nil {
		log.Error("Failed to register uptime callback", "error", err)
	}
	return s
}

func (s *systemMetrics) recordBuildInfo(ctx context.Context, gauge metric.Float64Gauge) {
	buildVersion, commit, goVersion := getBuildInfo()
	gauge.Record(ctx, 1,
		metric.WithAttributes(
			attribute.String("version", buildVersion),
			attribute.String("commit_hash", commit),
			attribute.String("go_version", goVersion),
		),
	)
	logger.FromContext(ctx).Info("System metrics initialized",
		"version", buildVersion,
		"commit", commit,
		"go_version", goVersion,
	)
}

// close unregisters the uptime callback.
func (s *systemMetrics) close(ctx context.Context) {
	if s == nil || s.registration == nil {
		return
	}
	if err := s.registration.Unregister(); err != nil {
		logger.FromContext(ctx).Error("Failed to unregister uptime callback", "error", err)
	}
	s.registration = nil
}

// getBuildInfo resolves build identity, preferring the ldflags values in
// pkg/version and falling back to runtime build metadata.
func getBuildInfo() (buildVersion, commit, goVersion string) {
	buildVersion = version.Version
	commit = version.CommitHash
	if info, ok := debug.ReadBuildInfo(); ok {
		if buildVersion == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
			buildVersion = info.Main.Version
		}
		if commit == "unknown" {
			for _, setting := range info.Settings {
				if setting.Key == "vcs.revision" {
					commit = setting.Value
					break
				}
			}
		}
	}
	goVersion = runtime.Version()
	return buildVersion, commit, goVersion
}
