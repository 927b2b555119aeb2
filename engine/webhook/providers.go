package webhook

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-yaml"
)

// ProviderSpec is the file-facing shape of a provider entry.
type ProviderSpec struct {
	Name        string         `yaml:"name"                  json:"name"`
	Destination string         `yaml:"destination,omitempty" json:"destination,omitempty"`
	AllowedIPs  []string       `yaml:"allowed_ips,omitempty" json:"allowed_ips,omitempty"`
	Verify      *VerifySpec    `yaml:"verify,omitempty"      json:"verify,omitempty"`
	RateLimit   *RateLimitSpec `yaml:"rate_limit,omitempty"  json:"rate_limit,omitempty"`
	Retry       *RetrySpec     `yaml:"retry,omitempty"       json:"retry,omitempty"`
}

// RateLimitSpec overrides the per-provider admission bucket for one
// provider. Zero Period and WaitTimeout fall back to the global limits
// config.
type RateLimitSpec struct {
	Limit       int           `yaml:"limit"                  json:"limit"`
	Period      time.Duration `yaml:"period,omitempty"       json:"period,omitempty"`
	WaitTimeout time.Duration `yaml:"wait_timeout,omitempty" json:"wait_timeout,omitempty"`
}

// RetrySpec overrides publish retry parameters for one provider. Zero
// fields fall back to the global resilience config.
type RetrySpec struct {
	MaxAttempts  int           `yaml:"max_attempts"            json:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay,omitempty" json:"initial_delay,omitempty"`
	MaxDelay     time.Duration `yaml:"max_delay,omitempty"     json:"max_delay,omitempty"`
	Multiplier   float64       `yaml:"multiplier,omitempty"    json:"multiplier,omitempty"`
}

// VerifySpec defines signature verification options for a provider.
type VerifySpec struct {
	Strategy string        `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	Secret   string        `yaml:"secret,omitempty"   json:"secret,omitempty"`
	Header   string        `yaml:"header,omitempty"   json:"header,omitempty"`
	Skew     time.Duration `yaml:"skew,omitempty"     json:"skew,omitempty"`
}

// ToVerifyConfig converts a VerifySpec to the runtime VerifyConfig used by
// verifiers. A nil spec means no verification.
func (v *VerifySpec) ToVerifyConfig() VerifyConfig {
	if v == nil {
		return VerifyConfig{Strategy: StrategyNone}
	}
	return VerifyConfig{Strategy: v.Strategy, Secret: v.Secret, Header: v.Header, Skew: v.Skew}
}

// providersFile is the root document of the providers YAML file.
type providersFile struct {
	Providers []ProviderSpec `yaml:"providers" json:"providers"`
}

// Provider is the compiled runtime form of a provider entry: allowlist
// parsed, verifier constructed.
type Provider struct {
	Name        string
	Destination string
	allowed     []netip.Prefix
	verifier    Verifier
	rateLimit   *RateLimitSpec
	retry       *RetrySpec
}

// RateLimit returns the provider's admission bucket override, nil when the
// provider uses the global limits.
func (p *Provider) RateLimit() *RateLimitSpec {
	if p == nil {
		return nil
	}
	return p.rateLimit
}

// Retry returns the provider's publish retry override, nil when the
// provider uses the global resilience settings.
func (p *Provider) Retry() *RetrySpec {
	if p == nil {
		return nil
	}
	return p.retry
}

// Verifier returns the signature verifier for this provider; never nil.
func (p *Provider) Verifier() Verifier {
	if p == nil || p.verifier == nil {
		return noneVerifier{}
	}
	return p.verifier
}

// AllowsIP reports whether the source address passes the provider's
// allowlist. An empty allowlist admits everything.
func (p *Provider) AllowsIP(addr netip.Addr) bool {
	if p == nil || len(p.allowed) == 0 {
		return true
	}
	for _, pfx := range p.allowed {
		if pfx.Contains(addr.Unmap()) {
			return true
		}
	}
	return false
}

// compileAllowlist parses allowlist entries into prefixes. Bare addresses
// become single-address prefixes, so "/32" and an exact IP behave the same.
func compileAllowlist(entries []string) ([]netip.Prefix, error) {
	out := make([]netip.Prefix, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			pfx, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid allowlist CIDR %q: %w", entry, err)
			}
			out = append(out, pfx.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid allowlist address %q: %w", entry, err)
		}
		out = append(out, netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()))
	}
	return out, nil
}

// CompileProvider builds the runtime Provider from its spec.
func CompileProvider(spec *ProviderSpec) (*Provider, error) {
	if spec == nil {
		return nil, fmt.Errorf("provider spec is required")
	}
	name := normalizeProviderName(spec.Name)
	if name == "" {
		return nil, fmt.Errorf("provider name must not be empty")
	}
	allowed, err := compileAllowlist(spec.AllowedIPs)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", name, err)
	}
	verifier, err := NewVerifier(spec.Verify.ToVerifyConfig())
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", name, err)
	}
	if spec.RateLimit != nil && spec.RateLimit.Limit <= 0 {
		return nil, fmt.Errorf("provider %s: rate_limit.limit must be positive", name)
	}
	if spec.Retry != nil && spec.Retry.MaxAttempts <= 0 {
		return nil, fmt.Errorf("provider %s: retry.max_attempts must be positive", name)
	}
	p := &Provider{
		Name:        name,
		Destination: spec.Destination,
		allowed:     allowed,
		verifier:    verifier,
	}
	if spec.RateLimit != nil {
		rl := *spec.RateLimit
		p.rateLimit = &rl
	}
	if spec.Retry != nil {
		rt := *spec.Retry
		p.retry = &rt
	}
	return p, nil
}

var ErrDuplicateProvider = errors.New("duplicate provider")

// Registry holds the compiled provider set keyed by normalized name.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Provider
}

// Lookup is the read-side view of the registry used by the ingress service
// and the worker host.
type Lookup interface {
	Get(name string) (*Provider, bool)
}

func NewRegistry() *Registry {
	return &Registry{byName: map[string]*Provider{}}
}

func normalizeProviderName(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

// Add registers a compiled provider. Names are unique after normalization.
func (r *Registry) Add(p *Provider) error {
	if p == nil || p.Name == "" {
		return fmt.Errorf("provider with a name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	key := normalizeProviderName(p.Name)
	if _, ok := r.byName[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateProvider, key)
	}
	r.byName[key] = p
	return nil
}

func (r *Registry) Get(name string) (*Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byName[normalizeProviderName(name)]
	return p, ok
}

func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byName, normalizeProviderName(name))
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LoadRegistry reads the providers YAML file and compiles every entry. A
// missing path yields an empty registry so installs without per-provider
// policy still boot.
func LoadRegistry(path string) (*Registry, error) {
	reg := NewRegistry()
	if path == "" {
		return reg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, fmt.Errorf("failed to read providers file: %w", err)
	}
	var doc providersFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse providers file: %w", err)
	}
	for i := range doc.Providers {
		p, err := CompileProvider(&doc.Providers[i])
		if err != nil {
			return nil, err
		}
		if err := reg.Add(p); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
