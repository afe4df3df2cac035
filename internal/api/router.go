// Package api implements C10: the gin router and HTTP handlers binding
// identity, chatflow access, accounting, file storage, chat history, and
// the streaming relay to the wire.
package api

import (
	"net/http"

	"github.com/flowise-gateway/chatproxy/internal/accounting"
	"github.com/flowise-gateway/chatproxy/internal/auth"
	"github.com/flowise-gateway/chatproxy/internal/chat"
	"github.com/flowise-gateway/chatproxy/internal/chatflow"
	"github.com/flowise-gateway/chatproxy/internal/files"
	"github.com/flowise-gateway/chatproxy/internal/logger"
	"github.com/flowise-gateway/chatproxy/internal/model"
	"github.com/flowise-gateway/chatproxy/internal/stream"
	"github.com/gin-gonic/gin"
)

// Deps bundles every component the router binds to a handler.
type Deps struct {
	Auth       *auth.Service
	Middleware *auth.Middleware
	Chatflows  *chatflow.Registry
	Accounting *accounting.Client
	Files      *files.Store
	Sessions   *chat.Store
	Relay      *stream.Store
	Log        *logger.Logger
	CORSOrigin string
	FileBaseURL string
}

// NewRouter builds the gin engine with every route bound, following the
// manual-CORS-middleware-plus-/api/v1-group shape used for this project's
// REST surface.
func NewRouter(d *Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(d.Log))

	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", d.CORSOrigin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	h := &handlers{d: d}

	v1 := router.Group("/api/v1")
	{
		chatGroup := v1.Group("/chat")
		{
			chatGroup.POST("/authenticate", h.authenticate)
			chatGroup.POST("/refresh", h.refresh)
		}

		authed := v1.Group("/chat")
		authed.Use(d.Middleware.RequireAuth())
		{
			authed.POST("/revoke", h.revoke)
			authed.GET("/credits", h.credits)
			authed.POST("/predict", h.predict)
			authed.POST("/predict/stream/store", h.predictStream)
			authed.GET("/sessions", h.listSessions)
			authed.GET("/sessions/:session_id/history", h.sessionHistory)
			authed.GET("/files/:file_id", h.getFile)
			authed.GET("/files/:file_id/thumbnail", h.getThumbnail)
			authed.GET("/files/session/:session_id", h.listSessionFiles)
		}

		chatflows := v1.Group("/chatflows")
		chatflows.Use(d.Middleware.RequireAuth())
		{
			chatflows.GET("", h.listChatflows)
			chatflows.GET("/:id", h.getChatflow)
			chatflows.GET("/:id/config", h.getChatflowConfig)
		}

		admin := v1.Group("/admin")
		admin.Use(d.Middleware.RequireAuth(), d.Middleware.RequireRole(model.RoleAdmin))
		{
			admin.POST("/chatflows/sync", h.adminSyncChatflows)
			admin.GET("/chatflows", h.adminListAllChatflows)
			admin.POST("/chatflows/:id/users", h.adminAssignChatflow)
			admin.POST("/chatflows/:id/bulk-assign", h.adminBulkAssignChatflow)
			admin.DELETE("/chatflows/:id/users/:user_id", h.adminRevokeChatflow)
			admin.GET("/chatflows/:id/users", h.adminListChatflowUsers)
			admin.GET("/chatflows/audit-users", h.adminAuditUsers)
			admin.POST("/chatflows/cleanup-users", h.adminCleanupUsers)
			admin.POST("/users/sync", h.adminSyncAllUsers)
			admin.POST("/users/sync-by-email", h.adminSyncUserByEmail)
		}
	}

	return router
}

func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := logger.GenerateRequestID()
		ctx := logger.WithRequestID(c.Request.Context(), reqID)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", reqID)
		c.Next()
	}
}

type handlers struct {
	d *Deps
}
