package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AbortWithPayloadTooLarge sends a 413 Payload Too Large response and aborts the request.
func AbortWithPayloadTooLarge(c *gin.Context, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, NewAPIError(message, details))
}
