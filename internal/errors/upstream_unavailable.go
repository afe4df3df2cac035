package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AbortWithUpstreamUnavailable sends a 503 Service Unavailable response and aborts the request.
// Used when the request to the upstream chatflow engine fails before any
// response arrives (dial, TLS handshake, or other transport failure).
func AbortWithUpstreamUnavailable(c *gin.Context, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, NewAPIError(message, details))
}
