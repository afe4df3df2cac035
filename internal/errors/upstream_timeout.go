package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AbortWithUpstreamTimeout sends a 504 Gateway Timeout response and aborts the request.
// Used when the overall stream cap is exceeded before an end event is observed.
func AbortWithUpstreamTimeout(c *gin.Context, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(http.StatusGatewayTimeout, NewAPIError(message, details))
}
