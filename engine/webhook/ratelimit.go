package webhook

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hookline/hookline/pkg/config"
	"github.com/ulule/limiter/v3"
	memorystore "github.com/ulule/limiter/v3/drivers/store/memory"
)

// rateLimitSlack crosses the window boundary when sleeping until a bucket
// refreshes; reset timestamps carry whole-second precision.
const rateLimitSlack = 25 * time.Millisecond

// RateLimiter admits requests through two fixed-window buckets in sequence:
// per-provider, then per-source-IP. A request that cannot obtain a permit
// within the bucket's wait timeout is denied with ErrRateLimited. The IP
// bucket is checked without consuming first, so a request the IP bucket is
// certain to deny does not burn a provider permit. Providers with a
// rate_limit block in the registry get their own bucket in place of the
// global provider one.
type RateLimiter struct {
	provider     *limiter.Limiter
	providerWait time.Duration
	ip           *limiter.Limiter
	ipWait       time.Duration
	lookup       Lookup
	idleEvict    time.Duration

	mu        sync.Mutex
	overrides map[string]*limiter.Limiter
}

// NewRateLimiter builds both buckets over in-process stores. A limit of zero
// disables the corresponding bucket. lookup may be nil when no provider
// registry is loaded; overrides then never apply.
func NewRateLimiter(cfg *config.LimitsConfig, lookup Lookup) *RateLimiter {
	if cfg == nil {
		return &RateLimiter{}
	}
	rl := &RateLimiter{
		providerWait: cfg.ProviderWaitTimeout,
		ipWait:       cfg.IPWaitTimeout,
		lookup:       lookup,
		idleEvict:    cfg.IdleEvict,
		overrides:    map[string]*limiter.Limiter{},
	}
	if cfg.ProviderLimit > 0 {
		rl.provider = limiter.New(
			newLimitStore("hookline:limits:provider", cfg.IdleEvict),
			limiter.Rate{Period: cfg.ProviderPeriod, Limit: int64(cfg.ProviderLimit)},
		)
	}
	if cfg.IPLimit > 0 {
		rl.ip = limiter.New(
			newLimitStore("hookline:limits:ip", cfg.IdleEvict),
			limiter.Rate{Period: cfg.IPPeriod, Limit: int64(cfg.IPLimit)},
		)
	}
	return rl
}

func newLimitStore(prefix string, cleanup time.Duration) limiter.Store {
	if cleanup <= 0 {
		cleanup = limiter.DefaultCleanUpInterval
	}
	return memorystore.NewStoreWithOptions(limiter.StoreOptions{
		Prefix:          prefix,
		CleanUpInterval: cleanup,
	})
}

// providerBucket resolves the bucket and wait timeout for one provider,
// honoring the registry override when present. Override limiters are built
// lazily and cached per provider name.
func (r *RateLimiter) providerBucket(provider string) (*limiter.Limiter, time.Duration) {
	if r.lookup == nil {
		return r.provider, r.providerWait
	}
	p, ok := r.lookup.Get(provider)
	if !ok || p.RateLimit() == nil {
		return r.provider, r.providerWait
	}
	spec := p.RateLimit()
	wait := r.providerWait
	if spec.WaitTimeout > 0 {
		wait = spec.WaitTimeout
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if lim, cached := r.overrides[p.Name]; cached {
		return lim, wait
	}
	period := spec.Period
	if period <= 0 {
		period = time.Second
	}
	lim := limiter.New(
		newLimitStore("hookline:limits:provider:"+p.Name, r.idleEvict),
		limiter.Rate{Period: period, Limit: int64(spec.Limit)},
	)
	r.overrides[p.Name] = lim
	return lim, wait
}

// Acquire obtains a permit from both buckets, waiting up to each bucket's
// timeout for the next window when exhausted.
func (r *RateLimiter) Acquire(ctx context.Context, provider, sourceIP string) error {
	if r == nil {
		return nil
	}
	if r.ip != nil {
		peeked, err := r.ip.Peek(ctx, sourceIP)
		if err == nil && peeked.Reached && waitForReset(peeked) > r.ipWait {
			return fmt.Errorf("%w: source %s", ErrRateLimited, sourceIP)
		}
	}
	if bucket, wait := r.providerBucket(provider); bucket != nil {
		if err := acquirePermit(ctx, bucket, provider, wait); err != nil {
			return fmt.Errorf("%w: provider %s", err, provider)
		}
	}
	if r.ip != nil {
		if err := acquirePermit(ctx, r.ip, sourceIP, r.ipWait); err != nil {
			return fmt.Errorf("%w: source %s", err, sourceIP)
		}
	}
	return nil
}

// acquirePermit takes one permit from the bucket, sleeping across at most
// one window refresh when the current window is exhausted and the refresh
// lands inside the wait budget. Reset timestamps truncate to whole seconds,
// so the wake time can land before the actual refresh; the slack floor keeps
// the retry loop from spinning in that gap.
func acquirePermit(ctx context.Context, l *limiter.Limiter, key string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		lctx, err := l.Get(ctx, key)
		if err != nil {
			return fmt.Errorf("rate limit store: %w", err)
		}
		if !lctx.Reached {
			return nil
		}
		wakeAt := time.Unix(lctx.Reset, 0).Add(rateLimitSlack)
		if wakeAt.After(deadline) || time.Now().After(deadline) {
			return ErrRateLimited
		}
		wait := time.Until(wakeAt)
		if wait < rateLimitSlack {
			wait = rateLimitSlack
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func waitForReset(lctx limiter.Context) time.Duration {
	return time.Until(time.Unix(lctx.Reset, 0))
}
