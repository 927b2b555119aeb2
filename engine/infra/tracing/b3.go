package tracing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"

	"github.com/hookline/hookline/pkg/logger"
)

// B3 propagation headers. The same names travel on HTTP requests and broker
// messages, byte-exact.
const (
	HeaderTraceID   = "X-B3-TraceId"
	HeaderSpanID    = "X-B3-SpanId"
	HeaderRequestID = "X-Request-ID"
)

// Trace carries the propagation fields for one request: a 128-bit trace ID,
// a 64-bit span ID, and the caller's optional request ID.
type Trace struct {
	TraceID   string
	SpanID    string
	RequestID string
}

// FromHTTP extracts propagation headers from an incoming request without
// generating anything.
func FromHTTP(r *http.Request) Trace {
	return Trace{
		TraceID:   r.Header.Get(HeaderTraceID),
		SpanID:    r.Header.Get(HeaderSpanID),
		RequestID: r.Header.Get(HeaderRequestID),
	}
}

// FromHeaders extracts propagation fields from broker message headers.
func FromHeaders(headers map[string]string) Trace {
	return Trace{
		TraceID:   headers[HeaderTraceID],
		SpanID:    headers[HeaderSpanID],
		RequestID: headers[HeaderRequestID],
	}
}

// IsZero reports whether no propagation field is set.
func (t Trace) IsZero() bool {
	return t == Trace{}
}

// Ensure fills missing or malformed trace and span IDs with fresh random
// values. All-zero IDs count as malformed: B3 reserves them as "no trace".
// The request ID stays as the caller sent it.
func (t Trace) Ensure() Trace {
	if !validHexID(t.TraceID, 32) {
		t.TraceID = randomHex(16)
	}
	if !validHexID(t.SpanID, 16) {
		t.SpanID = randomHex(8)
	}
	return t
}

// validHexID reports whether s is lowercase hex of the given length with at
// least one non-zero digit.
func validHexID(s string, length int) bool {
	if len(s) != length {
		return false
	}
	nonZero := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			nonZero = nonZero || c != '0'
		case c >= 'a' && c <= 'f':
			nonZero = true
		default:
			return false
		}
	}
	return nonZero
}

// Inject writes the non-empty fields into a header map.
func (t Trace) Inject(headers map[string]string) {
	if headers == nil {
		return
	}
	if t.TraceID != "" {
		headers[HeaderTraceID] = t.TraceID
	}
	if t.SpanID != "" {
		headers[HeaderSpanID] = t.SpanID
	}
	if t.RequestID != "" {
		headers[HeaderRequestID] = t.RequestID
	}
}

// LogAttrs returns the trace fields as logger key-value pairs.
func (t Trace) LogAttrs() []any {
	attrs := make([]any, 0, 6)
	if t.TraceID != "" {
		attrs = append(attrs, "trace_id", t.TraceID)
	}
	if t.SpanID != "" {
		attrs = append(attrs, "span_id", t.SpanID)
	}
	if t.RequestID != "" {
		attrs = append(attrs, "request_id", t.RequestID)
	}
	return attrs
}

type ctxKey struct{}

// ContextWith binds the trace to the context and stamps its fields onto the
// context logger so every downstream log line carries them.
func ContextWith(ctx context.Context, t Trace) context.Context {
	ctx = context.WithValue(ctx, ctxKey{}, t)
	if attrs := t.LogAttrs(); len(attrs) > 0 {
		ctx = logger.ContextWithLogger(ctx, logger.FromContext(ctx).With(attrs...))
	}
	return ctx
}

// FromContext returns the trace bound to the context, zero when absent.
func FromContext(ctx context.Context) Trace {
	if t, ok := ctx.Value(ctxKey{}).(Trace); ok {
		return t
	}
	return Trace{}
}

func randomHex(bytes int) string {
	buf := make([]byte, bytes)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}
