package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hookline/hookline/engine/infra/tracing"
	"github.com/hookline/hookline/pkg/logger"
)

// LoggerMiddleware binds the request-scoped logger onto the request context
// and logs one line per completed request. The B3 trace is extracted and
// completed here so every downstream log line and the access log carry the
// same IDs.
func LoggerMiddleware(log logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery
		trace := tracing.FromHTTP(c.Request).Ensure()
		ctx := logger.ContextWithLogger(c.Request.Context(), log)
		ctx = tracing.ContextWith(ctx, trace)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
		param := gin.LogFormatterParams{
			Request: c.Request,
			Keys:    c.Keys,
		}
		param.TimeStamp = time.Now()
		param.Latency = param.TimeStamp.Sub(start)
		param.ClientIP = c.ClientIP()
		param.Method = c.Request.Method
		param.StatusCode = c.Writer.Status()
		param.ErrorMessage = c.Errors.ByType(gin.ErrorTypePrivate).String()
		param.BodySize = c.Writer.Size()
		if raw != "" {
			path = path + "?" + raw
		}
		param.Path = path
		logger.FromContext(ctx).Info("Request completed",
			"timestamp", param.TimeStamp.Format(time.RFC3339),
			"latency", param.Latency,
			"client_ip", param.ClientIP,
			"method", param.Method,
			"status_code", param.StatusCode,
			"body_size", param.BodySize,
			"path", param.Path,
			"error", param.ErrorMessage,
		)
	}
}
