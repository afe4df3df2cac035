package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AbortWithUpstreamIdle sends a 504 Gateway Timeout response and aborts the request.
// Used when no bytes are read from the upstream body within the idle read timeout.
func AbortWithUpstreamIdle(c *gin.Context, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(http.StatusGatewayTimeout, NewAPIError(message, details))
}
