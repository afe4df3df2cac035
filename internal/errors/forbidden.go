package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ForbiddenReason represents machine-readable reason codes for 403 errors.
type ForbiddenReason string

const (
	ReasonChatflowNotAssigned ForbiddenReason = "chatflow_not_assigned"
	ReasonNotOwner            ForbiddenReason = "not_owner"
	ReasonRoleRequired        ForbiddenReason = "role_required"
	ReasonAccountInactive     ForbiddenReason = "account_inactive"
)

// ForbiddenError represents a standardized 403 Forbidden response.
type ForbiddenError struct {
	Error   string                 `json:"error"`
	Reason  ForbiddenReason        `json:"reason"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// NewForbiddenError creates a new ForbiddenError with the given parameters.
func NewForbiddenError(reason ForbiddenReason, errorMsg string, details map[string]interface{}) *ForbiddenError {
	return &ForbiddenError{
		Error:   errorMsg,
		Reason:  reason,
		Details: details,
	}
}

// AbortWithForbidden sends a 403 response with the ForbiddenError and aborts the request.
func AbortWithForbidden(c *gin.Context, err *ForbiddenError) {
	c.AbortWithStatusJSON(http.StatusForbidden, err)
}

// ChatflowNotAssigned creates a ForbiddenError for an unassigned chatflow.
func ChatflowNotAssigned(chatflowID string) *ForbiddenError {
	return NewForbiddenError(
		ReasonChatflowNotAssigned,
		"you do not have access to this chatflow",
		map[string]interface{}{"chatflow_id": chatflowID},
	)
}

// NotOwner creates a ForbiddenError for accessing another principal's resource.
func NotOwner(resource, id string) *ForbiddenError {
	return NewForbiddenError(
		ReasonNotOwner,
		"you do not own this "+resource,
		map[string]interface{}{resource + "_id": id},
	)
}

// RoleRequired creates a ForbiddenError for a missing required role.
func RoleRequired(required string) *ForbiddenError {
	return NewForbiddenError(
		ReasonRoleRequired,
		"requires "+required+" role",
		nil,
	)
}

// AccountInactive creates a ForbiddenError for a deactivated principal.
func AccountInactive() *ForbiddenError {
	return NewForbiddenError(ReasonAccountInactive, "account is deactivated", nil)
}
