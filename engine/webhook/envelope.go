package webhook

import (
	"encoding/json"
	"time"

	"github.com/hookline/hookline/pkg/useragent"
)

// Ack statuses returned to HTTP callers.
const (
	StatusAccepted = "ACCEPTED"
	StatusError    = "ERROR"
	StatusRejected = "REJECTED"
)

// Rejection categories attached to dead-lettered events.
const (
	CategoryValidation    = "VALIDATION_FAILURE"
	CategoryProcessing    = "PROCESSING_FAILURE"
	CategoryTimeout       = "TIMEOUT_FAILURE"
	CategoryUnrecoverable = "UNRECOVERABLE_ERROR"
	CategoryRateLimit     = "RATE_LIMIT_EXCEEDED"
	CategoryOther         = "OTHER"
)

// Supported payload compression algorithms.
const (
	AlgorithmGzip = "gzip"
	AlgorithmZstd = "zstd"
)

// Broker message header names carried alongside every published envelope.
const (
	HeaderProvider          = "provider"
	HeaderEventID           = "eventId"
	HeaderReceivedAt        = "receivedAt"
	HeaderCorrelationID     = "correlationId"
	HeaderRejectionCategory = "rejectionCategory"
	HeaderRejectedAt        = "rejectedAt"
	HeaderRetryCount        = "retryCount"
	HeaderExceptionType     = "exceptionType"
)

// EnrichedMetadata carries request-scoped diagnostics attached to the
// envelope at ingress.
type EnrichedMetadata struct {
	RequestID       string         `json:"request_id"`
	ReceivedAtNanos int64          `json:"received_at_nanos"`
	RequestSize     int            `json:"request_size"`
	UserAgent       useragent.Info `json:"user_agent"`
}

// Envelope is the canonical unit of work produced by the ingress endpoint
// and consumed by workers. Payload holds the raw request body; when the
// compressor runs, Payload is cleared and CompressedPayload carries the
// encoded bytes instead.
type Envelope struct {
	EventID           string            `json:"event_id"`
	ProviderName      string            `json:"provider_name"`
	Payload           json.RawMessage   `json:"payload,omitempty"`
	CompressedPayload []byte            `json:"compressed_payload,omitempty"`
	Compressed        bool              `json:"compressed"`
	Algorithm         string            `json:"algorithm,omitempty"`
	Headers           map[string]string `json:"headers,omitempty"`
	QueryParams       map[string]string `json:"query_params,omitempty"`
	ReceivedAt        time.Time         `json:"received_at"`
	SourceIP          string            `json:"source_ip,omitempty"`
	HTTPMethod        string            `json:"http_method,omitempty"`
	CorrelationID     string            `json:"correlation_id,omitempty"`
	Enriched          *EnrichedMetadata `json:"enriched_metadata,omitempty"`
}

// PayloadSize reports the byte length of whichever payload form is present.
func (e *Envelope) PayloadSize() int {
	if e.Compressed {
		return len(e.CompressedPayload)
	}
	return len(e.Payload)
}

// AckMetadata summarizes request handling for the caller.
type AckMetadata struct {
	Destination    string  `json:"destination,omitempty"`
	SourceIP       string  `json:"source_ip,omitempty"`
	HTTPMethod     string  `json:"http_method,omitempty"`
	PayloadSize    int     `json:"payload_size"`
	HeaderCount    int     `json:"header_count"`
	ResponseTimeMS float64 `json:"response_time_ms,omitempty"`
	CorrelationID  string  `json:"correlation_id,omitempty"`
}

// Ack is the HTTP response body acknowledging an accepted webhook.
type Ack struct {
	EventID         string          `json:"event_id"`
	Status          string          `json:"status"`
	Message         string          `json:"message"`
	ReceivedAt      time.Time       `json:"received_at"`
	ProcessedAt     time.Time       `json:"processed_at"`
	ProviderName    string          `json:"provider_name"`
	ReceivedPayload json.RawMessage `json:"received_payload,omitempty"`
	Metadata        AckMetadata     `json:"metadata"`
}

// RejectedEvent is the dead-letter record: the full envelope plus rejection
// metadata.
type RejectedEvent struct {
	Envelope
	RejectedAt        time.Time `json:"rejected_at"`
	RejectionReason   string    `json:"rejection_reason"`
	RejectionCategory string    `json:"rejection_category"`
	ErrorDetails      string    `json:"error_details,omitempty"`
	RetryCount        int       `json:"retry_count,omitempty"`
	ExceptionType     string    `json:"exception_type,omitempty"`
}

// NewRejectedEvent wraps an envelope with rejection metadata, stamping the
// rejection time.
func NewRejectedEvent(env *Envelope, reason, category string, cause error) *RejectedEvent {
	ev := &RejectedEvent{
		RejectedAt:        time.Now().UTC(),
		RejectionReason:   reason,
		RejectionCategory: category,
	}
	if env != nil {
		ev.Envelope = *env
	}
	if cause != nil {
		ev.ErrorDetails = cause.Error()
	}
	return ev
}
