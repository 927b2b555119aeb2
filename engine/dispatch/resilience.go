package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"

	"github.com/hookline/hookline/engine/webhook"
	"github.com/hookline/hookline/pkg/config"
	"github.com/hookline/hookline/pkg/logger"
)

const breakerName = "publisher"

// Fallbacks for unset resilience settings.
const (
	defaultBreakerMinCalls   = 10
	defaultBreakerThreshold  = 0.5
	defaultBreakerProbes     = 5
	defaultBreakerOpenWait   = 30 * time.Second
	defaultRetryInitialDelay = 500 * time.Millisecond
)

// Breaker states reported by readiness probes.
const (
	BreakerClosed   = "CLOSED"
	BreakerHalfOpen = "HALF_OPEN"
	BreakerOpen     = "OPEN"
	BreakerDisabled = "DISABLED"
)

// errSlowCall marks an operation that succeeded but exceeded the slow-call
// duration. The breaker counts it as a failure while the caller still sees
// success.
var errSlowCall = errors.New("slow call")

// Resilience wraps broker publishes: circuit breaker outermost, bounded
// retries inside it, a per-attempt timeout innermost. One inbound request
// contributes one breaker observation no matter how many attempts the retry
// layer makes. Providers with a retry block in the registry get their own
// retry parameters; the breaker stays shared, since it guards the broker,
// not any one provider.
type Resilience struct {
	cfg     *config.ResilienceConfig
	breaker *gobreaker.CircuitBreaker
	metrics *webhook.Metrics
	lookup  webhook.Lookup
}

func NewResilience(cfg *config.ResilienceConfig, lookup webhook.Lookup, metrics *webhook.Metrics) *Resilience {
	if cfg == nil {
		cfg = &config.ResilienceConfig{}
	}
	if metrics == nil {
		metrics, _ = webhook.NewMetrics(context.Background(), nil)
	}
	r := &Resilience{cfg: cfg, metrics: metrics, lookup: lookup}
	if cfg.Breaker.Enabled {
		r.breaker = gobreaker.NewCircuitBreaker(r.breakerSettings(&cfg.Breaker))
		metrics.SetBreakerState(context.Background(), breakerName, webhook.BreakerStateClosed)
	}
	return r
}

func (r *Resilience) breakerSettings(cfg *config.BreakerConfig) gobreaker.Settings {
	minCalls := cfg.MinCalls
	if minCalls <= 0 {
		minCalls = defaultBreakerMinCalls
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = defaultBreakerThreshold
	}
	probes := cfg.HalfOpenProbes
	if probes <= 0 {
		probes = defaultBreakerProbes
	}
	openTimeout := cfg.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = defaultBreakerOpenWait
	}
	return gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: uint32(probes),
		Interval:    time.Minute,
		Timeout:     openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(minCalls) {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= threshold
		},
		OnStateChange: r.onStateChange,
	}
}

func (r *Resilience) onStateChange(name string, from, to gobreaker.State) {
	logger.GetDefault().Info("circuit breaker state changed",
		"breaker", name,
		"from", from.String(),
		"to", to.String(),
	)
	r.metrics.SetBreakerState(context.Background(), name, breakerStateValue(to))
}

func breakerStateValue(s gobreaker.State) int64 {
	switch s {
	case gobreaker.StateOpen:
		return webhook.BreakerStateOpen
	case gobreaker.StateHalfOpen:
		return webhook.BreakerStateHalfOpen
	default:
		return webhook.BreakerStateClosed
	}
}

// BreakerState reports the breaker's current state for health probes.
func (r *Resilience) BreakerState() string {
	if r.breaker == nil {
		return BreakerDisabled
	}
	switch r.breaker.State() {
	case gobreaker.StateOpen:
		return BreakerOpen
	case gobreaker.StateHalfOpen:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}

// Ready reports whether publishes are currently admitted: everything except
// an open breaker.
func (r *Resilience) Ready() bool {
	return r.BreakerState() != BreakerOpen
}

// Execute runs op behind the breaker with the global retry parameters.
func (r *Resilience) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	return r.ExecuteFor(ctx, "", op)
}

// ExecuteFor runs op behind the breaker with retries and per-attempt
// timeouts, translating terminal outcomes to the publish sentinels the HTTP
// layer classifies. The provider name selects a registry retry override when
// one exists; empty or unregistered providers use the global parameters.
func (r *Resilience) ExecuteFor(ctx context.Context, provider string, op func(ctx context.Context) error) error {
	rc := r.resolveRetry(provider)
	if r.breaker == nil {
		return r.retryOp(ctx, rc, op)
	}
	_, err := r.breaker.Execute(func() (any, error) {
		start := time.Now()
		if err := r.retryOp(ctx, rc, op); err != nil {
			return nil, err
		}
		if slow := r.cfg.Breaker.SlowCallDuration; slow > 0 && time.Since(start) > slow {
			return nil, errSlowCall
		}
		return nil, nil
	})
	switch {
	case err == nil:
		r.metrics.OnBreakerCall(ctx, breakerName, "success")
		return nil
	case errors.Is(err, errSlowCall):
		// The publish itself succeeded; only the breaker records the slowness.
		r.metrics.OnBreakerCall(ctx, breakerName, "slow")
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		r.metrics.OnBreakerCall(ctx, breakerName, "rejected")
		return fmt.Errorf("%w: %s", webhook.ErrBreakerOpen, err)
	default:
		r.metrics.OnBreakerCall(ctx, breakerName, "failure")
		return err
	}
}

// resolveRetry returns the retry parameters for a provider: the global
// config overlaid with the registry override when one exists.
func (r *Resilience) resolveRetry(provider string) config.RetryConfig {
	rc := r.cfg.Retry
	if provider == "" || r.lookup == nil {
		return rc
	}
	p, ok := r.lookup.Get(provider)
	if !ok || p.Retry() == nil {
		return rc
	}
	spec := p.Retry()
	rc.MaxAttempts = spec.MaxAttempts
	if spec.InitialDelay > 0 {
		rc.InitialDelay = spec.InitialDelay
	}
	if spec.MaxDelay > 0 {
		rc.MaxDelay = spec.MaxDelay
	}
	if spec.Multiplier >= 1 {
		rc.Multiplier = spec.Multiplier
	}
	return rc
}

// retryOp runs op with exponential backoff. Only errors in the configured
// retryable classes re-attempt; anything else is returned after the first
// try. Exhaustion and timeouts map to the publish sentinels.
func (r *Resilience) retryOp(ctx context.Context, rc config.RetryConfig, op func(ctx context.Context) error) error {
	maxAttempts := rc.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	var lastErr error
	err := retry.Do(ctx, r.backoff(&rc, maxAttempts), func(ctx context.Context) error {
		attemptErr := r.attempt(ctx, op)
		if attemptErr == nil {
			return nil
		}
		lastErr = attemptErr
		if ctx.Err() != nil || !r.retryable(attemptErr) {
			return attemptErr
		}
		return retry.RetryableError(attemptErr)
	})
	if err == nil {
		return nil
	}
	if lastErr == nil {
		lastErr = err
	}
	if errors.Is(lastErr, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", webhook.ErrPublishTimeout, lastErr)
	}
	return fmt.Errorf("%w: %s", webhook.ErrPublishExhausted, lastErr)
}

// Retryable error classes for resilience.retry.retry_on.
const (
	RetryClassTimeout    = "timeout"
	RetryClassConnection = "connection"
	RetryClassIO         = "io"
)

// defaultRetryClasses applies when retry_on is unset.
var defaultRetryClasses = []string{RetryClassTimeout, RetryClassConnection, RetryClassIO}

// retryable reports whether an attempt error belongs to one of the
// configured retryable classes. Anything else is a deterministic failure a
// re-attempt cannot fix.
func (r *Resilience) retryable(err error) bool {
	classes := r.cfg.Retry.RetryOn
	if len(classes) == 0 {
		classes = defaultRetryClasses
	}
	for _, class := range classes {
		switch class {
		case RetryClassTimeout:
			if isTimeoutError(err) {
				return true
			}
		case RetryClassConnection:
			if isConnectionError(err) {
				return true
			}
		case RetryClassIO:
			if isIOError(err) {
				return true
			}
		}
	}
	return false
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func isConnectionError(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, net.ErrClosed) {
		return true
	}
	var op *net.OpError
	return errors.As(err, &op)
}

func isIOError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.ErrClosedPipe)
}

// attempt bounds a single publish attempt with the configured timeout.
func (r *Resilience) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	timeout := r.cfg.AttemptTimeout
	if timeout <= 0 {
		return op(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return op(attemptCtx)
}

func (r *Resilience) backoff(rc *config.RetryConfig, maxAttempts int) retry.Backoff {
	initial := rc.InitialDelay
	if initial <= 0 {
		initial = defaultRetryInitialDelay
	}
	multiplier := rc.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}
	b := exponentialBackoff(initial, multiplier)
	if rc.MaxDelay > 0 {
		b = retry.WithCappedDuration(rc.MaxDelay, b)
	}
	if rc.Jitter {
		percent := uint64(rc.JitterFactor * 100)
		if percent == 0 {
			percent = 50
		}
		b = retry.WithJitterPercent(percent, b)
	}
	return retry.WithMaxRetries(uint64(maxAttempts-1), b)
}

// exponentialBackoff honors the configured multiplier; the library's
// built-in exponential is fixed at doubling.
func exponentialBackoff(initial time.Duration, multiplier float64) retry.Backoff {
	next := float64(initial)
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d := time.Duration(next)
		next *= multiplier
		return d, false
	})
}
