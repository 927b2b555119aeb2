package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hookline/hookline/pkg/logger"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	memorystore "github.com/ulule/limiter/v3/drivers/store/memory"
	redisstore "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.opentelemetry.io/otel/metric"
)

const (
	keyTypeIP     = "ip"
	keyTypeAPIKey = "api_key"

	apiKeyHeader = "X-API-Key"
)

// Manager owns the limiter store and the per-scope limiters backing the
// HTTP middleware.
type Manager struct {
	cfg    *Config
	global *limiter.Limiter
	apiKey *limiter.Limiter
	routes map[string]*limiter.Limiter
}

// NewManager builds a manager over Redis when a client is provided, or an
// in-memory store otherwise. All scopes share one store; keys carry a scope
// segment so a route bucket never collides with the global one.
func NewManager(cfg *Config, client redis.UniversalClient) (*Manager, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	store, err := newStore(cfg, client)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:    cfg,
		global: limiter.New(store, cfg.GlobalRate.ToLimiterRate()),
		routes: make(map[string]*limiter.Limiter, len(cfg.RouteRates)),
	}
	if !cfg.APIKeyRate.Disabled {
		m.apiKey = limiter.New(store, cfg.APIKeyRate.ToLimiterRate())
	}
	for route, rate := range cfg.RouteRates {
		if !rate.Disabled {
			m.routes[route] = limiter.New(store, rate.ToLimiterRate())
		}
	}
	return m, nil
}

// NewManagerWithMetrics additionally registers the blocked-request counter
// on the given meter. A metrics registration failure degrades to an
// uninstrumented manager rather than failing the server.
func NewManagerWithMetrics(
	ctx context.Context,
	cfg *Config,
	client redis.UniversalClient,
	meter metric.Meter,
) (*Manager, error) {
	m, err := NewManager(cfg, client)
	if err != nil {
		return nil, err
	}
	if err := InitMetrics(meter); err != nil {
		logger.FromContext(ctx).Error("Failed to initialize rate limit metrics", "error", err)
	}
	return m, nil
}

func newStore(cfg *Config, client redis.UniversalClient) (limiter.Store, error) {
	if client != nil {
		store, err := redisstore.NewStoreWithOptions(client, limiter.StoreOptions{
			Prefix:   cfg.Prefix,
			MaxRetry: cfg.MaxRetry,
		})
		if err != nil {
			return nil, fmt.Errorf("rate limit redis store: %w", err)
		}
		return store, nil
	}
	return memorystore.NewStoreWithOptions(limiter.StoreOptions{
		Prefix:          cfg.Prefix,
		CleanUpInterval: limiter.DefaultCleanUpInterval,
	}), nil
}

// Middleware returns the gin handler enforcing the configured limits. Store
// failures admit the request: an unreachable limiter backend must not take
// the ingestion path down with it.
func (m *Manager) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		clientIP := c.ClientIP()
		if m.excluded(path, clientIP) {
			c.Next()
			return
		}
		lim, key, keyType := m.resolve(c, path, clientIP)
		lctx, err := lim.Get(c.Request.Context(), key)
		if err != nil {
			logger.FromContext(c.Request.Context()).Error("Rate limit store failure, admitting request",
				"error", err, "path", path)
			c.Next()
			return
		}
		if !m.cfg.DisableHeaders {
			c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
			c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
			c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))
		}
		if lctx.Reached {
			IncrementBlockedRequests(c.Request.Context(), path, keyType)
			if wait := time.Until(time.Unix(lctx.Reset, 0)); wait > 0 {
				seconds := int64((wait + time.Second - 1) / time.Second)
				c.Header("Retry-After", strconv.FormatInt(seconds, 10))
			}
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// resolve picks the limiter and bucket key for the request: an API key when
// one is presented, otherwise the client IP against the route bucket when a
// configured route prefix matches, else the global bucket.
func (m *Manager) resolve(c *gin.Context, path, clientIP string) (*limiter.Limiter, string, string) {
	if m.apiKey != nil {
		if apiKey := c.GetHeader(apiKeyHeader); apiKey != "" {
			return m.apiKey, "key:" + hashKey(apiKey), keyTypeAPIKey
		}
	}
	if route, lim := m.matchRoute(path); lim != nil {
		return lim, "route:" + route + ":ip:" + clientIP, keyTypeIP
	}
	return m.global, "global:ip:" + clientIP, keyTypeIP
}

// matchRoute returns the longest configured route prefix covering the path.
func (m *Manager) matchRoute(path string) (string, *limiter.Limiter) {
	var (
		bestRoute string
		best      *limiter.Limiter
	)
	for route, lim := range m.routes {
		if strings.HasPrefix(path, route) && len(route) > len(bestRoute) {
			bestRoute, best = route, lim
		}
	}
	return bestRoute, best
}

func (m *Manager) excluded(path, clientIP string) bool {
	for _, excluded := range m.cfg.ExcludedPaths {
		if strings.HasPrefix(path, excluded) {
			return true
		}
	}
	for _, ip := range m.cfg.ExcludedIPs {
		if ip == clientIP {
			return true
		}
	}
	return false
}

// hashKey fingerprints an API key so raw credentials never reach the store.
func hashKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:16])
}
