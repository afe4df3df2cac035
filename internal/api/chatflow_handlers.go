package api

import (
	"errors"
	"net/http"

	apierrors "github.com/flowise-gateway/chatproxy/internal/errors"
	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/flowise-gateway/chatproxy/internal/auth"
)

func (h *handlers) listChatflows(c *gin.Context) {
	userID, _ := auth.GetUserID(c)

	flows, err := h.d.Chatflows.ListAccessible(c.Request.Context(), userID)
	if err != nil {
		apierrors.AbortWithInternal(c, "failed to list chatflows", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chatflows": flows})
}

func (h *handlers) getChatflow(c *gin.Context) {
	h.chatflowOr403(c, func(cf gin.H) {
		c.JSON(http.StatusOK, cf)
	})
}

func (h *handlers) getChatflowConfig(c *gin.Context) {
	h.chatflowOr403(c, func(result gin.H) {
		cf := result["chatflow"]
		c.JSON(http.StatusOK, gin.H{"chatflow_id": c.Param("id"), "chatflow": cf})
	})
}

// chatflowOr403 is the shared access-check-then-fetch path getChatflow and
// getChatflowConfig both need.
func (h *handlers) chatflowOr403(c *gin.Context, onFound func(gin.H)) {
	chatflowID := c.Param("id")
	userID, _ := auth.GetUserID(c)

	hasAccess, err := h.d.Chatflows.HasAccess(c.Request.Context(), userID, chatflowID)
	if err != nil {
		apierrors.AbortWithInternal(c, "failed to check access", nil)
		return
	}
	if !hasAccess {
		apierrors.AbortWithForbidden(c, apierrors.ChatflowNotAssigned(chatflowID))
		return
	}

	cf, err := h.d.Chatflows.Get(c.Request.Context(), chatflowID)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			apierrors.AbortWithNotFound(c, "chatflow not found", nil)
			return
		}
		apierrors.AbortWithInternal(c, "failed to load chatflow", nil)
		return
	}

	onFound(gin.H{"chatflow": cf})
}

func (h *handlers) adminSyncChatflows(c *gin.Context) {
	result, err := h.d.Chatflows.Sync(c.Request.Context())
	if err != nil {
		apierrors.AbortWithInternal(c, "sync failed", nil)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *handlers) adminListAllChatflows(c *gin.Context) {
	flows, err := h.d.Chatflows.ListAll(c.Request.Context())
	if err != nil {
		apierrors.AbortWithInternal(c, "failed to list chatflows", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chatflows": flows})
}

type assignRequest struct {
	Email string `json:"email" binding:"required"`
}

func (h *handlers) adminAssignChatflow(c *gin.Context) {
	chatflowID := c.Param("id")
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "email is required", nil)
		return
	}
	if err := h.d.Chatflows.Assign(c.Request.Context(), req.Email, chatflowID); err != nil {
		apierrors.AbortWithNotFound(c, "principal not found for email", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assigned": true})
}

type bulkAssignRequest struct {
	Emails []string `json:"emails" binding:"required"`
}

func (h *handlers) adminBulkAssignChatflow(c *gin.Context) {
	chatflowID := c.Param("id")
	var req bulkAssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "emails is required", nil)
		return
	}
	assigned, failed := h.d.Chatflows.BulkAssign(c.Request.Context(), req.Emails, chatflowID)
	c.JSON(http.StatusOK, gin.H{"assigned": assigned, "failed": failed})
}

func (h *handlers) adminRevokeChatflow(c *gin.Context) {
	chatflowID := c.Param("id")
	userID := c.Param("user_id")
	if err := h.d.Chatflows.Revoke(c.Request.Context(), userID, chatflowID); err != nil {
		apierrors.AbortWithInternal(c, "revoke failed", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

func (h *handlers) adminListChatflowUsers(c *gin.Context) {
	chatflowID := c.Param("id")
	ids, err := h.d.Chatflows.ListUsers(c.Request.Context(), chatflowID)
	if err != nil {
		apierrors.AbortWithInternal(c, "failed to list users", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_ids": ids})
}

func (h *handlers) adminAuditUsers(c *gin.Context) {
	result, err := h.d.Chatflows.AuditUsers(c.Request.Context())
	if err != nil {
		apierrors.AbortWithInternal(c, "audit failed", nil)
		return
	}
	c.JSON(http.StatusOK, result)
}

type cleanupRequest struct {
	Action string `json:"action"`
	DryRun bool   `json:"dry_run"`
	Force  bool   `json:"force"`
}

func (h *handlers) adminCleanupUsers(c *gin.Context) {
	var req cleanupRequest
	_ = c.ShouldBindJSON(&req)

	result, err := h.d.Chatflows.CleanupOrphanedUsers(c.Request.Context(), req.Action, req.DryRun, req.Force)
	if err != nil {
		apierrors.AbortWithInternal(c, "cleanup failed", nil)
		return
	}
	c.JSON(http.StatusOK, result)
}

// adminSyncAllUsers triggers the bulk reconciliation of every user known to
// the external auth service against the local principal store.
func (h *handlers) adminSyncAllUsers(c *gin.Context) {
	stats, err := h.d.Chatflows.SyncAllUsers(c.Request.Context())
	if err != nil {
		apierrors.AbortWithInternal(c, "user sync failed: "+err.Error(), nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed", "statistics": stats})
}

type syncUserRequest struct {
	Email    string `json:"email" binding:"required"`
	Username string `json:"username"`
}

// adminSyncUserByEmail provisions or returns the local principal for one
// external user, identified by email, without touching any other account.
func (h *handlers) adminSyncUserByEmail(c *gin.Context) {
	var req syncUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "email is required", nil)
		return
	}
	p, err := h.d.Chatflows.SyncUserByEmail(c.Request.Context(), req.Email, req.Username)
	if err != nil {
		apierrors.AbortWithInternal(c, "sync failed", nil)
		return
	}
	c.JSON(http.StatusOK, p)
}
