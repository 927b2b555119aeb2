package size

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// headroom separates the raw body bound from the payload limit the handler
// enforces. The handler reads one byte past its own limit to detect
// overflow, so the transport bound must sit above it or the exact-limit
// payload would be cut off mid-read.
const headroom = 1024

// BodySizeLimiter bounds raw request bodies for a route group. A declared
// Content-Length over the bound is rejected before any byte is read;
// undeclared (chunked) bodies are cut off by MaxBytesReader once the bound
// is crossed.
func BodySizeLimiter(limit int64) gin.HandlerFunc {
	bound := limit + headroom
	return func(c *gin.Context) {
		if c.Request.ContentLength > bound {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "request body too large",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, bound)
		c.Next()
	}
}
