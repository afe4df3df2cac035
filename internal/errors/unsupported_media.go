package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AbortWithUnsupportedMediaType sends a 415 Unsupported Media Type response and aborts the request.
func AbortWithUnsupportedMediaType(c *gin.Context, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(http.StatusUnsupportedMediaType, NewAPIError(message, details))
}
