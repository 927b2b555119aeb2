package webhook

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"regexp"
	"strings"

	"github.com/hookline/hookline/pkg/config"
)

// Validator enforces request admission rules: provider-name shape, payload
// size, content type, and source-IP allowlists. Every failure maps to one of
// the package sentinels so the router and rejection counters stay in sync.
type Validator struct {
	cfg     *config.IngressConfig
	lookup  Lookup
	pattern *regexp.Regexp
	global  []netip.Prefix
}

// NewValidator compiles the configured provider pattern and global IP
// allowlist up front so per-request validation allocates nothing.
func NewValidator(cfg *config.IngressConfig, lookup Lookup) (*Validator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("ingress config is required")
	}
	pattern, err := regexp.Compile(cfg.ProviderPattern)
	if err != nil {
		return nil, fmt.Errorf("invalid provider pattern %q: %w", cfg.ProviderPattern, err)
	}
	global, err := compileAllowlist(cfg.IPAllowlist)
	if err != nil {
		return nil, err
	}
	return &Validator{cfg: cfg, lookup: lookup, pattern: pattern, global: global}, nil
}

// Validate runs the admission checks in their fixed order: provider name,
// payload size, content type, source IP. The first failure wins.
func (v *Validator) Validate(providerName, contentType, sourceIP string, payloadSize int64) error {
	provider, err := v.ValidateProvider(providerName)
	if err != nil {
		return err
	}
	if err := v.ValidatePayloadSize(payloadSize); err != nil {
		return err
	}
	if err := v.ValidateContentType(contentType); err != nil {
		return err
	}
	return v.ValidateSourceIP(provider, sourceIP)
}

// ValidateProvider checks the provider name against the configured pattern
// and resolves it in the registry. Unknown providers pass when the install
// accepts them; the returned entry is nil in that case.
func (v *Validator) ValidateProvider(name string) (*Provider, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name is empty", ErrProviderName)
	}
	if v.cfg.ValidateProviderName && !v.pattern.MatchString(name) {
		return nil, fmt.Errorf("%w: %q does not match %s", ErrProviderName, name, v.cfg.ProviderPattern)
	}
	provider, ok := v.resolve(name)
	if !ok && !v.cfg.AllowUnknownProviders {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return provider, nil
}

func (v *Validator) resolve(name string) (*Provider, bool) {
	if v.lookup == nil {
		return nil, false
	}
	return v.lookup.Get(name)
}

// ValidatePayloadSize admits payloads up to and including the configured
// maximum.
func (v *Validator) ValidatePayloadSize(size int64) error {
	if v.cfg.MaxPayloadSize > 0 && size > v.cfg.MaxPayloadSize {
		return fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrPayloadTooLarge, size, v.cfg.MaxPayloadSize)
	}
	return nil
}

// ValidateContentType compares the media type, stripped of parameters,
// against the allowlist.
func (v *Validator) ValidateContentType(header string) error {
	if !v.cfg.RequireContentType {
		return nil
	}
	mediaType := strings.ToLower(strings.TrimSpace(header))
	if before, _, found := strings.Cut(mediaType, ";"); found {
		mediaType = strings.TrimSpace(before)
	}
	if mediaType == "" {
		return ErrMissingContentType
	}
	if len(v.cfg.AllowedContentTypes) == 0 {
		return nil
	}
	for _, allowed := range v.cfg.AllowedContentTypes {
		if mediaType == strings.ToLower(strings.TrimSpace(allowed)) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedMedia, mediaType)
}

// ValidateSourceIP applies the global allowlist and, when the provider is
// registered, the provider's own allowlist. Empty allowlists admit all.
func (v *Validator) ValidateSourceIP(provider *Provider, sourceIP string) error {
	if len(v.global) == 0 && (provider == nil || len(provider.allowed) == 0) {
		return nil
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(sourceIP))
	if err != nil {
		return fmt.Errorf("%w: unparseable source address %q", ErrIPBlocked, sourceIP)
	}
	addr = addr.Unmap()
	if len(v.global) > 0 && !prefixesContain(v.global, addr) {
		return fmt.Errorf("%w: %s", ErrIPBlocked, addr)
	}
	if provider != nil && !provider.AllowsIP(addr) {
		return fmt.Errorf("%w: %s", ErrIPBlocked, addr)
	}
	return nil
}

func prefixesContain(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, pfx := range prefixes {
		if pfx.Contains(addr) {
			return true
		}
	}
	return false
}

// SourceIP extracts the client address for allowlisting and rate limiting:
// the first element of X-Forwarded-For when present, else the connection's
// remote address.
func SourceIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
