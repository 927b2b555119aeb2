package webhook

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/hookline/hookline/pkg/logger"
)

// Processor defines the minimal interface required by the HTTP router.
// It is implemented by Service.
type Processor interface {
	Process(ctx context.Context, provider string, r *http.Request) (Result, error)
}

const jsonContentType = "application/json; charset=utf-8"

// RegisterRoutes registers the ingestion endpoint under the provided router
// group. Path: POST /:provider
//
// @Summary Ingest webhook
// @Description Accepts a provider webhook, enriches it, and publishes it to the broker.
// @Tags webhooks
// @Accept json
// @Produce json
// @Param provider path string true "Provider name"
// @Success 202 {object} Ack "Accepted and published"
// @Failure 400 {object} Ack "Invalid request"
// @Failure 403 {object} Ack "Source IP not allowed"
// @Failure 413 {object} Ack "Payload too large"
// @Failure 415 {object} Ack "Unsupported content type"
// @Failure 429 {object} Ack "Rate limit exceeded"
// @Failure 502 {object} Ack "Publish failed"
// @Failure 503 {object} Ack "Publish circuit open"
// @Failure 504 {object} Ack "Publish timed out"
// @Router /api/v1/webhook/{provider} [post]
func RegisterRoutes(r *gin.RouterGroup, p Processor) {
	r.POST("/:provider", func(c *gin.Context) {
		provider := c.Param("provider")
		res, err := p.Process(c.Request.Context(), provider, c.Request)
		if err != nil && res.Status == 0 {
			logger.FromContext(c.Request.Context()).Error("webhook processing failed", "error", err, "provider", provider)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
			return
		}
		if len(res.Body) > 0 {
			// The exact stored bytes go back on idempotent replays, so the cached
			// response stays byte-identical.
			c.Data(res.Status, jsonContentType, res.Body)
			return
		}
		if res.Ack != nil {
			c.JSON(res.Status, res.Ack)
			return
		}
		c.Status(res.Status)
	})
}
