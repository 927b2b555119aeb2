package webhook

import (
	"time"

	"github.com/google/uuid"

	"github.com/hookline/hookline/pkg/useragent"
)

// Enrich builds the request-scoped metadata attached to every envelope. It
// is a pure function of its inputs aside from the generated request ID and
// timestamp.
func Enrich(userAgent string, requestSize int) *EnrichedMetadata {
	return &EnrichedMetadata{
		RequestID:       uuid.NewString(),
		ReceivedAtNanos: time.Now().UnixNano(),
		RequestSize:     requestSize,
		UserAgent:       useragent.Parse(userAgent),
	}
}
