package ratelimit

import (
	"fmt"
	"time"

	"github.com/ulule/limiter/v3"
)

// Config holds the HTTP-layer rate limit settings. It is populated from the
// application configuration by the server, not parsed directly; every field
// here is already resolved.
type Config struct {
	// GlobalRate applies per client IP to any route without a more
	// specific bucket.
	GlobalRate RateConfig
	// APIKeyRate applies per presented API key, taking precedence over
	// the IP-scoped buckets.
	APIKeyRate RateConfig
	// RouteRates binds path prefixes to their own IP-scoped buckets.
	RouteRates map[string]RateConfig

	// Prefix namespaces limiter keys in the shared store.
	Prefix string
	// MaxRetry bounds optimistic-locking retries in the Redis store.
	MaxRetry int

	// DisableHeaders suppresses the X-RateLimit-* response headers.
	DisableHeaders bool

	// ExcludedPaths and ExcludedIPs bypass limiting entirely. Paths are
	// prefix matched, IPs exact.
	ExcludedPaths []string
	ExcludedIPs   []string
}

// RateConfig is one bucket: Limit requests per Period.
type RateConfig struct {
	Period   time.Duration
	Limit    int64
	Disabled bool
}

// DefaultConfig returns the limits used when the server passes no explicit
// configuration. The ingestion route gets more headroom than the rest of the
// API surface because providers retry in bursts.
func DefaultConfig() *Config {
	perMinute := func(limit int64) RateConfig {
		return RateConfig{Limit: limit, Period: time.Minute}
	}
	return &Config{
		GlobalRate: perMinute(1000),
		APIKeyRate: perMinute(1000),
		RouteRates: map[string]RateConfig{
			"/api/v1/webhook": perMinute(5000),
		},
		Prefix:        "hookline:ratelimit:",
		MaxRetry:      3,
		ExcludedPaths: []string{"/healthz", "/metrics"},
	}
}

// ToLimiterRate converts the bucket into the limiter library's rate.
func (rc RateConfig) ToLimiterRate() limiter.Rate {
	return limiter.Rate{
		Period: rc.Period,
		Limit:  rc.Limit,
	}
}

// Validate rejects non-positive limits on any enabled scope.
func (c *Config) Validate() error {
	if !c.GlobalRate.Disabled && c.GlobalRate.Limit <= 0 {
		return fmt.Errorf("global rate limit must be positive")
	}
	if !c.APIKeyRate.Disabled && c.APIKeyRate.Limit <= 0 {
		return fmt.Errorf("API key rate limit must be positive")
	}
	for route, rate := range c.RouteRates {
		if !rate.Disabled && rate.Limit <= 0 {
			return fmt.Errorf("route rate limit for %s must be positive", route)
		}
	}
	return nil
}
