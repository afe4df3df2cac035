package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AbortWithPaymentRequired sends a 402 Payment Required response and aborts the request.
func AbortWithPaymentRequired(c *gin.Context, message string, details map[string]interface{}) {
	c.AbortWithStatusJSON(http.StatusPaymentRequired, NewAPIError(message, details))
}

// PaymentRequired sends a 402 Payment Required response without aborting.
func PaymentRequired(c *gin.Context, message string, details map[string]interface{}) {
	c.JSON(http.StatusPaymentRequired, NewAPIError(message, details))
}
