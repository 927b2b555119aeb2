package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/hookline/hookline/engine/infra/tracing"
	"github.com/hookline/hookline/pkg/config"
	"github.com/hookline/hookline/pkg/logger"
)

// Result is the transport-agnostic processing outcome; the router translates
// it to HTTP. Body holds the exact bytes to return, which makes idempotent
// replays byte-identical to the first response.
type Result struct {
	Status int
	Ack    *Ack
	Body   []byte
}

// Dispatcher pushes an envelope toward the broker through the resilience
// layer and reports the resolved destination.
type Dispatcher interface {
	Dispatch(ctx context.Context, env *Envelope) (string, error)
}

// CachedAck is a stored HTTP response for idempotent replay.
type CachedAck struct {
	Status int    `json:"status"`
	Body   []byte `json:"body"`
}

// AckCache stores responses keyed by the caller's X-Idempotency-Key.
type AckCache interface {
	// GetAck returns the cached response or nil when the key is unknown.
	GetAck(ctx context.Context, key string) (*CachedAck, error)
	PutAck(ctx context.Context, key string, ack *CachedAck) error
}

// DLQ records rejected events. Implementations are best-effort and must not
// fail the triggering request.
type DLQ interface {
	WriteRejected(ctx context.Context, ev *RejectedEvent)
}

// Admitter is the rate-limit gate applied before validation.
type Admitter interface {
	Acquire(ctx context.Context, provider, sourceIP string) error
}

const headerIdempotencyKey = "X-Idempotency-Key"

// Service coordinates the ingress pipeline: rate limiting, validation,
// idempotent replay, enrichment, and dispatch. It is safe for concurrent use
// provided its dependencies are thread-safe.
type Service struct {
	cfg        *config.IngressConfig
	validator  *Validator
	limiter    Admitter
	dispatcher Dispatcher
	acks       AckCache
	dlq        DLQ
	metrics    *Metrics
	now        func() time.Time
}

// NewService creates the ingress service. The limiter, ack cache, and DLQ
// are optional; the corresponding steps are skipped when nil.
func NewService(
	cfg *config.IngressConfig,
	validator *Validator,
	limiter Admitter,
	dispatcher Dispatcher,
	acks AckCache,
	dlq DLQ,
	metrics *Metrics,
) *Service {
	if metrics == nil {
		metrics, _ = NewMetrics(context.Background(), nil)
	}
	return &Service{
		cfg:        cfg,
		validator:  validator,
		limiter:    limiter,
		dispatcher: dispatcher,
		acks:       acks,
		dlq:        dlq,
		metrics:    metrics,
		now:        time.Now,
	}
}

// inbound collects everything known about the request as the pipeline
// advances, so rejection handling can build acks and DLQ records at any
// stage.
type inbound struct {
	eventID       string
	provider      string
	correlationID string
	sourceIP      string
	receivedAt    time.Time
	request       *http.Request
	body          []byte
}

// Process executes the full ingress pipeline for one request.
func (s *Service) Process(ctx context.Context, providerName string, r *http.Request) (Result, error) {
	in := &inbound{
		eventID:       uuid.NewString(),
		provider:      providerName,
		correlationID: requestCorrelationID(r),
		sourceIP:      SourceIP(r),
		receivedAt:    s.now().UTC(),
		request:       r,
	}
	ctx = s.bindContext(ctx, in)
	s.metrics.OnReceived(ctx, in.provider)
	if err := s.admit(ctx, in); err != nil {
		return s.reject(ctx, in, err)
	}
	if err := s.readBody(ctx, in); err != nil {
		return s.reject(ctx, in, err)
	}
	if err := s.validate(ctx, in); err != nil {
		return s.reject(ctx, in, err)
	}
	idemKey := r.Header.Get(headerIdempotencyKey)
	if res, ok := s.replay(ctx, in, idemKey); ok {
		return res, nil
	}
	env := s.buildEnvelope(ctx, in)
	s.metrics.RecordPayloadSize(ctx, in.provider, len(in.body))
	destination, err := s.dispatcher.Dispatch(ctx, env)
	if err != nil {
		return s.fail(ctx, in, err)
	}
	return s.accept(ctx, in, idemKey, destination)
}

// bindContext stamps the event identity and trace fields onto the context
// logger so every downstream line carries them. A trace already bound by
// middleware is reused; envelope and access log then agree on the IDs.
func (s *Service) bindContext(ctx context.Context, in *inbound) context.Context {
	trace := tracing.FromContext(ctx)
	if trace.IsZero() {
		trace = tracing.FromHTTP(in.request)
	}
	trace = trace.Ensure()
	ctx = tracing.ContextWith(ctx, trace)
	log := logger.FromContext(ctx).With("event_id", in.eventID, "provider", in.provider)
	if in.correlationID != "" {
		log = log.With("correlation_id", in.correlationID)
	}
	return logger.ContextWithLogger(ctx, log)
}

func (s *Service) admit(ctx context.Context, in *inbound) error {
	if s.limiter == nil {
		return nil
	}
	return s.limiter.Acquire(ctx, in.provider, in.sourceIP)
}

// readBody consumes the request body up to one byte past the configured
// maximum, so the exact-limit payload passes and the next byte rejects.
func (s *Service) readBody(_ context.Context, in *inbound) error {
	if in.request.Body == nil {
		in.body = nil
		return nil
	}
	limit := s.cfg.MaxPayloadSize
	if limit <= 0 {
		limit = 1 << 20
	}
	body, err := io.ReadAll(io.LimitReader(in.request.Body, limit+1))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBody, err)
	}
	in.body = body
	if int64(len(body)) > limit {
		return fmt.Errorf("%w: body exceeds %d bytes", ErrPayloadTooLarge, limit)
	}
	return nil
}

func (s *Service) validate(_ context.Context, in *inbound) error {
	provider, err := s.validator.ValidateProvider(in.provider)
	if err != nil {
		return err
	}
	if err := s.validator.ValidatePayloadSize(int64(len(in.body))); err != nil {
		return err
	}
	if err := s.validator.ValidateContentType(in.request.Header.Get("Content-Type")); err != nil {
		return err
	}
	return s.validator.ValidateSourceIP(provider, in.sourceIP)
}

// replay serves the stored response when the caller repeats an idempotency
// key. Cache failures degrade to normal processing.
func (s *Service) replay(ctx context.Context, in *inbound, idemKey string) (Result, bool) {
	if idemKey == "" || s.acks == nil {
		return Result{}, false
	}
	log := logger.FromContext(ctx)
	cached, err := s.acks.GetAck(ctx, idemKey)
	if err != nil {
		log.Error("idempotency cache lookup failed", "error", err)
		return Result{}, false
	}
	if cached == nil {
		return Result{}, false
	}
	s.metrics.OnDuplicate(ctx, in.provider)
	log.Info("request served from idempotency cache", "status", cached.Status)
	return Result{Status: cached.Status, Body: cached.Body}, true
}

func (s *Service) buildEnvelope(ctx context.Context, in *inbound) *Envelope {
	r := in.request
	headers := make(map[string]string, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}
	query := make(map[string]string)
	for name, values := range r.URL.Query() {
		if len(values) > 0 {
			query[name] = values[0]
		}
	}
	tracing.FromContext(ctx).Inject(headers)
	return &Envelope{
		EventID:       in.eventID,
		ProviderName:  in.provider,
		Payload:       rawJSON(in.body),
		Headers:       headers,
		QueryParams:   query,
		ReceivedAt:    in.receivedAt,
		SourceIP:      in.sourceIP,
		HTTPMethod:    r.Method,
		CorrelationID: in.correlationID,
		Enriched:      Enrich(r.Header.Get("User-Agent"), len(in.body)),
	}
}

// accept builds the 202 ack, stores it for idempotent replay, and records
// the success metrics.
func (s *Service) accept(ctx context.Context, in *inbound, idemKey, destination string) (Result, error) {
	log := logger.FromContext(ctx)
	processedAt := s.now().UTC()
	ack := &Ack{
		EventID:         in.eventID,
		Status:          StatusAccepted,
		Message:         "webhook accepted",
		ReceivedAt:      in.receivedAt,
		ProcessedAt:     processedAt,
		ProviderName:    in.provider,
		ReceivedPayload: rawJSON(in.body),
		Metadata: AckMetadata{
			Destination:    destination,
			SourceIP:       in.sourceIP,
			HTTPMethod:     in.request.Method,
			PayloadSize:    len(in.body),
			HeaderCount:    len(in.request.Header),
			ResponseTimeMS: durationMillis(processedAt.Sub(in.receivedAt)),
			CorrelationID:  in.correlationID,
		},
	}
	body, err := json.Marshal(ack)
	if err != nil {
		log.Error("failed to encode ack", "error", err)
		return s.fail(ctx, in, err)
	}
	if idemKey != "" && s.acks != nil {
		if err := s.acks.PutAck(ctx, idemKey, &CachedAck{Status: http.StatusAccepted, Body: body}); err != nil {
			log.Error("failed to store idempotent response", "error", err)
		}
	}
	s.metrics.OnPublished(ctx, in.provider)
	s.metrics.ObserveProcessing(ctx, in.provider, processedAt.Sub(in.receivedAt))
	log.Info("webhook accepted", "destination", destination, "payload_bytes", len(in.body))
	return Result{Status: http.StatusAccepted, Ack: ack, Body: body}, nil
}

// reject handles admission and validation failures: 4xx ack, rejection
// counter, and optionally a DLQ record.
func (s *Service) reject(ctx context.Context, in *inbound, cause error) (Result, error) {
	log := logger.FromContext(ctx)
	rej := Classify(cause)
	log.Warn("webhook rejected", "reason", rej.Reason, "error", cause)
	s.metrics.OnRejected(ctx, in.provider, rej.Reason)
	if s.dlq != nil && s.cfg.DLQValidationFailures && rej.Category == CategoryValidation && rej.ShouldDeadLetter() {
		ev := NewRejectedEvent(s.rejectionEnvelope(ctx, in), cause.Error(), rej.Category, cause)
		s.dlq.WriteRejected(ctx, ev)
	}
	return s.failureResult(ctx, in, StatusRejected, cause.Error(), rej.Status), cause
}

// fail handles dispatch failures: 5xx ack and the failure counter.
func (s *Service) fail(ctx context.Context, in *inbound, cause error) (Result, error) {
	log := logger.FromContext(ctx)
	rej := Classify(cause)
	log.Error("webhook processing failed", "category", rej.Category, "error", cause)
	s.metrics.OnFailed(ctx, in.provider, rej.Category)
	return s.failureResult(ctx, in, StatusError, "failed to publish webhook event", rej.Status), cause
}

func (s *Service) failureResult(ctx context.Context, in *inbound, status, message string, httpStatus int) Result {
	processedAt := s.now().UTC()
	ack := &Ack{
		EventID:      in.eventID,
		Status:       status,
		Message:      message,
		ReceivedAt:   in.receivedAt,
		ProcessedAt:  processedAt,
		ProviderName: in.provider,
		Metadata: AckMetadata{
			SourceIP:       in.sourceIP,
			HTTPMethod:     in.request.Method,
			PayloadSize:    len(in.body),
			HeaderCount:    len(in.request.Header),
			ResponseTimeMS: durationMillis(processedAt.Sub(in.receivedAt)),
			CorrelationID:  in.correlationID,
		},
	}
	body, err := json.Marshal(ack)
	if err != nil {
		logger.FromContext(ctx).Error("failed to encode failure ack", "error", err)
		body = []byte(`{"status":"` + status + `"}`)
	}
	return Result{Status: httpStatus, Ack: ack, Body: body}
}

// rejectionEnvelope builds the best envelope available at rejection time.
// Oversized payloads are dropped so the DLQ record stays within bounds.
func (s *Service) rejectionEnvelope(ctx context.Context, in *inbound) *Envelope {
	env := s.buildEnvelope(ctx, in)
	if s.cfg.MaxPayloadSize > 0 && int64(len(in.body)) > s.cfg.MaxPayloadSize {
		env.Payload = nil
	}
	return env
}

func requestCorrelationID(r *http.Request) string {
	if v := r.Header.Get("X-Correlation-ID"); v != "" {
		return v
	}
	return r.Header.Get(tracing.HeaderRequestID)
}

// rawJSON returns the body verbatim when it is already valid JSON and as a
// JSON string otherwise, so envelopes and acks always marshal cleanly.
func rawJSON(body []byte) json.RawMessage {
	if len(body) == 0 {
		return nil
	}
	if json.Valid(body) {
		return json.RawMessage(body)
	}
	quoted, err := json.Marshal(string(body))
	if err != nil {
		return nil
	}
	return quoted
}

func durationMillis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}
