package webhook

import (
	"errors"
	"net/http"
)

// Admission and validation failures surfaced by the ingress pipeline. The
// router relies on errors.Is against these sentinels, so wrap rather than
// replace them.
var (
	ErrProviderName       = errors.New("invalid provider name")
	ErrUnknownProvider    = errors.New("unknown provider")
	ErrPayloadTooLarge    = errors.New("payload too large")
	ErrMissingContentType = errors.New("missing content type")
	ErrUnsupportedMedia   = errors.New("unsupported content type")
	ErrIPBlocked          = errors.New("source ip not allowed")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrBody               = errors.New("unreadable request body")
)

// Dispatch failures produced by the resilience layer around broker publish.
var (
	ErrPublishTimeout   = errors.New("publish attempt timed out")
	ErrBreakerOpen      = errors.New("publish circuit breaker is open")
	ErrPublishExhausted = errors.New("publish retries exhausted")
)

// Rejection is the classification of a failed request: the HTTP status to
// return, the category recorded on DLQ records, and the low-cardinality
// reason label used on rejection counters.
type Rejection struct {
	Status   int
	Category string
	Reason   string
}

var rejectionTable = []struct {
	err error
	rej Rejection
}{
	{ErrProviderName, Rejection{http.StatusBadRequest, CategoryValidation, "provider_name"}},
	{ErrUnknownProvider, Rejection{http.StatusBadRequest, CategoryValidation, "unknown_provider"}},
	{ErrBody, Rejection{http.StatusBadRequest, CategoryValidation, "body_read"}},
	{ErrMissingContentType, Rejection{http.StatusBadRequest, CategoryValidation, "content_type_missing"}},
	{ErrUnsupportedMedia, Rejection{http.StatusUnsupportedMediaType, CategoryValidation, "content_type"}},
	{ErrPayloadTooLarge, Rejection{http.StatusRequestEntityTooLarge, CategoryValidation, "payload_too_large"}},
	{ErrIPBlocked, Rejection{http.StatusForbidden, CategoryValidation, "ip_blocked"}},
	{ErrRateLimited, Rejection{http.StatusTooManyRequests, CategoryRateLimit, "rate_limited"}},
	{ErrPublishTimeout, Rejection{http.StatusGatewayTimeout, CategoryTimeout, "publish_timeout"}},
	{ErrBreakerOpen, Rejection{http.StatusServiceUnavailable, CategoryTimeout, "breaker_open"}},
	{ErrPublishExhausted, Rejection{http.StatusBadGateway, CategoryProcessing, "publish_failed"}},
}

// Classify maps any pipeline error to its Rejection. Unrecognized errors are
// treated as internal faults.
func Classify(err error) Rejection {
	for _, entry := range rejectionTable {
		if errors.Is(err, entry.err) {
			return entry.rej
		}
	}
	return Rejection{http.StatusInternalServerError, CategoryUnrecoverable, "internal"}
}

// ShouldDeadLetter reports whether a rejection of this category is eligible
// for the dead-letter queue. Rate-limit denials are never dead-lettered.
func (r Rejection) ShouldDeadLetter() bool {
	return r.Category != CategoryRateLimit
}
