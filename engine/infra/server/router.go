package server

import (
	"github.com/gin-gonic/gin"
	"github.com/hookline/hookline/engine/infra/server/middleware/ratelimit"
	"github.com/hookline/hookline/engine/infra/server/middleware/size"
	"github.com/hookline/hookline/engine/infra/server/routes"
	"github.com/hookline/hookline/engine/webhook"
	"github.com/hookline/hookline/pkg/config"
	"github.com/hookline/hookline/pkg/logger"
	"github.com/redis/go-redis/v9"
)

// convertRateLimitConfig maps the flat configuration block onto the
// middleware config. The single configured rate applies per client IP
// globally and per API key; probe and metrics endpoints are never limited.
func convertRateLimitConfig(cfg *config.Config) *ratelimit.Config {
	excluded := []string{
		"/healthz", // liveness + readiness, prefix matched
	}
	if cfg.Monitoring.Enabled {
		excluded = append(excluded, cfg.Monitoring.Path)
	}
	excluded = append(excluded, cfg.RateLimit.ExcludedPaths...)
	return &ratelimit.Config{
		GlobalRate: ratelimit.RateConfig{
			Limit:  cfg.RateLimit.Limit,
			Period: cfg.RateLimit.Period,
		},
		APIKeyRate: ratelimit.RateConfig{
			Limit:  cfg.RateLimit.Limit,
			Period: cfg.RateLimit.Period,
		},
		Prefix:         cfg.RateLimit.Prefix,
		MaxRetry:       cfg.RateLimit.MaxRetry,
		DisableHeaders: cfg.RateLimit.DisableHeader,
		ExcludedPaths:  excluded,
	}
}

// buildRouter assembles the middleware chain and routes. Order matters:
// recovery wraps everything, rate limiting sheds load before any work is
// done, then metrics and logging observe what remains.
func (s *Server) buildRouter() {
	if s.router != nil {
		return
	}
	log := logger.FromContext(s.ctx)
	r := gin.New()
	r.Use(gin.Recovery())
	s.applyRateLimit(r, log)
	monitored := s.deps.Monitoring != nil && s.deps.Monitoring.IsInitialized()
	if monitored {
		r.Use(s.deps.Monitoring.GinMiddleware(s.ctx))
	}
	r.Use(LoggerMiddleware(log))
	if monitored {
		r.GET(s.deps.Monitoring.Path(), gin.WrapH(s.deps.Monitoring.ExporterHandler()))
	}
	r.GET(routes.Liveness(), LivenessHandler())
	r.GET(routes.Readiness(), ReadinessHandler(s.deps.Gate, s.deps.Probes))
	hooks := r.Group(routes.Webhooks(), size.BodySizeLimiter(s.cfg.Ingress.MaxPayloadSize))
	webhook.RegisterRoutes(hooks, s.deps.Ingress)
	s.router = r
}

// applyRateLimit installs the HTTP-layer limiter when enabled. A limiter
// that fails to initialize is logged and skipped; ingestion keeps running
// on the per-provider buckets alone.
func (s *Server) applyRateLimit(r *gin.Engine, log logger.Logger) {
	if !s.cfg.RateLimit.Enabled || s.cfg.RateLimit.Limit <= 0 {
		return
	}
	rlConfig := convertRateLimitConfig(s.cfg)
	client := s.rateLimitClient(log)
	var manager *ratelimit.Manager
	var err error
	if s.deps.Monitoring != nil && s.deps.Monitoring.IsInitialized() {
		manager, err = ratelimit.NewManagerWithMetrics(s.ctx, rlConfig, client, s.deps.Monitoring.Meter())
	} else {
		manager, err = ratelimit.NewManager(rlConfig, client)
	}
	if err != nil {
		log.Error("Failed to initialize rate limiting", "error", err)
		return
	}
	r.Use(manager.Middleware())
	driver := "memory"
	if client != nil {
		driver = "redis"
	}
	log.Info("Rate limiter initialized",
		"driver", driver,
		"limit", s.cfg.RateLimit.Limit,
		"period", s.cfg.RateLimit.Period,
	)
}

func (s *Server) rateLimitClient(log logger.Logger) redis.UniversalClient {
	if !s.cfg.RateLimit.UseRedis {
		return nil
	}
	if s.deps.Redis == nil {
		log.Warn("Redis rate limit store requested but no client available, using in-memory store")
		return nil
	}
	return s.deps.Redis
}
