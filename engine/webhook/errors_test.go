package webhook

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	t.Run("Should map every sentinel to its status and category", func(t *testing.T) {
		cases := []struct {
			err      error
			status   int
			category string
			reason   string
		}{
			{ErrProviderName, http.StatusBadRequest, CategoryValidation, "provider_name"},
			{ErrUnknownProvider, http.StatusBadRequest, CategoryValidation, "unknown_provider"},
			{ErrBody, http.StatusBadRequest, CategoryValidation, "body_read"},
			{ErrMissingContentType, http.StatusBadRequest, CategoryValidation, "content_type_missing"},
			{ErrUnsupportedMedia, http.StatusUnsupportedMediaType, CategoryValidation, "content_type"},
			{ErrPayloadTooLarge, http.StatusRequestEntityTooLarge, CategoryValidation, "payload_too_large"},
			{ErrIPBlocked, http.StatusForbidden, CategoryValidation, "ip_blocked"},
			{ErrRateLimited, http.StatusTooManyRequests, CategoryRateLimit, "rate_limited"},
			{ErrPublishTimeout, http.StatusGatewayTimeout, CategoryTimeout, "publish_timeout"},
			{ErrBreakerOpen, http.StatusServiceUnavailable, CategoryTimeout, "breaker_open"},
			{ErrPublishExhausted, http.StatusBadGateway, CategoryProcessing, "publish_failed"},
		}
		for _, tc := range cases {
			rej := Classify(tc.err)
			assert.Equal(t, tc.status, rej.Status, "error %v", tc.err)
			assert.Equal(t, tc.category, rej.Category, "error %v", tc.err)
			assert.Equal(t, tc.reason, rej.Reason, "error %v", tc.err)
		}
	})
	t.Run("Should classify wrapped sentinels", func(t *testing.T) {
		err := fmt.Errorf("provider stripe: %w", ErrRateLimited)
		rej := Classify(err)
		assert.Equal(t, http.StatusTooManyRequests, rej.Status)
		assert.Equal(t, CategoryRateLimit, rej.Category)
	})
	t.Run("Should treat unknown errors as internal faults", func(t *testing.T) {
		rej := Classify(errors.New("surprise"))
		assert.Equal(t, http.StatusInternalServerError, rej.Status)
		assert.Equal(t, CategoryUnrecoverable, rej.Category)
		assert.Equal(t, "internal", rej.Reason)
	})
}

func TestRejection_ShouldDeadLetter(t *testing.T) {
	t.Run("Should exclude rate limit denials from the dead letter queue", func(t *testing.T) {
		assert.False(t, Classify(ErrRateLimited).ShouldDeadLetter())
		assert.True(t, Classify(ErrUnsupportedMedia).ShouldDeadLetter())
		assert.True(t, Classify(ErrPublishTimeout).ShouldDeadLetter())
	})
}
