package api

import (
	"encoding/json"
	"errors"
	"net/http"

	apierrors "github.com/flowise-gateway/chatproxy/internal/errors"
	"github.com/gin-gonic/gin"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/flowise-gateway/chatproxy/internal/accounting"
	"github.com/flowise-gateway/chatproxy/internal/auth"
	"github.com/flowise-gateway/chatproxy/internal/files"
	"github.com/flowise-gateway/chatproxy/internal/model"
	"github.com/flowise-gateway/chatproxy/internal/stream"
)

type uploadPayload struct {
	Data string `json:"data" binding:"required"`
	Name string `json:"name" binding:"required"`
	Mime string `json:"mime" binding:"required"`
}

type predictRequestBody struct {
	ChatflowID string          `json:"chatflow_id" binding:"required"`
	SessionID  string          `json:"session_id"`
	Question   string          `json:"question" binding:"required"`
	Uploads    []uploadPayload `json:"uploads"`
}

func (h *handlers) buildPredictRequest(c *gin.Context, body predictRequestBody) (stream.PredictRequest, bool) {
	userID, _ := auth.GetUserID(c)
	token, _ := c.Get(string(auth.RawTokenKey))
	rawToken, _ := token.(string)

	refs := make([]stream.FileRef, 0, len(body.Uploads))
	for _, u := range body.Uploads {
		fu, encoded, err := h.d.Files.Put(c.Request.Context(), userID, body.SessionID, body.ChatflowID, "", u.Data, u.Name, u.Mime)
		if err != nil {
			if errors.Is(err, files.ErrTooLarge) {
				apierrors.AbortWithPayloadTooLarge(c, "upload exceeds maximum size", nil)
				return stream.PredictRequest{}, false
			}
			apierrors.AbortWithBadRequest(c, "failed to store upload: "+err.Error(), nil)
			return stream.PredictRequest{}, false
		}
		refs = append(refs, stream.FileRef{FileID: fu.FileID, Name: u.Name, Mime: u.Mime, Data: encoded})
	}

	return stream.PredictRequest{
		UserID:      userID,
		ChatflowID:  body.ChatflowID,
		SessionID:   body.SessionID,
		Question:    body.Question,
		AccessToken: rawToken,
		Uploads:     refs,
	}, true
}

// predict runs one turn and returns the final assembled answer as a single
// JSON response, buffering every event server-side instead of streaming it.
func (h *handlers) predict(c *gin.Context) {
	var body predictRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		apierrors.AbortWithBadRequest(c, "chatflow_id and question are required", nil)
		return
	}

	req, ok := h.buildPredictRequest(c, body)
	if !ok {
		return
	}

	var sessionID string
	var content string
	metadata := make([]stream.Event, 0)
	err := h.d.Relay.Predict(c.Request.Context(), req, func(ev stream.Event) {
		if ev.EventKind == stream.EventSessionID {
			var sid string
			_ = json.Unmarshal(ev.Data, &sid)
			sessionID = sid
		}
		if text, ok := stream.TokenText(ev); ok {
			content += text
		} else {
			metadata = append(metadata, ev)
		}
	})
	if !h.handleRelayError(c, err) {
		return
	}

	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "response": content, "metadata": metadata})
}

// predictStream runs one turn, relaying each parsed event to the client as
// a server-sent event as soon as it is produced.
func (h *handlers) predictStream(c *gin.Context) {
	var body predictRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		apierrors.AbortWithBadRequest(c, "chatflow_id and question are required", nil)
		return
	}

	req, ok := h.buildPredictRequest(c, body)
	if !ok {
		return
	}

	flusher, canFlush := c.Writer.(http.Flusher)

	// Stream headers are written with the first event, so a failure before
	// any event (access, account, credits, busy session) still gets its own
	// HTTP status and JSON body.
	started := false
	err := h.d.Relay.Predict(c.Request.Context(), req, func(ev stream.Event) {
		raw, marshalErr := json.Marshal(ev)
		if marshalErr != nil {
			return
		}
		if !started {
			c.Header("Content-Type", "text/event-stream")
			c.Header("Cache-Control", "no-cache")
			c.Header("Connection", "keep-alive")
			started = true
		}
		c.Writer.Write([]byte("data: "))
		c.Writer.Write(raw)
		c.Writer.Write([]byte("\n\n"))
		if canFlush {
			flusher.Flush()
		}
	})

	if err != nil {
		if !started {
			h.handleRelayError(c, err)
			return
		}
		h.d.Log.LogError(c.Request.Context(), err, "stream ended with error",
			"chatflow_id", body.ChatflowID)
	}
}

func (h *handlers) handleRelayError(c *gin.Context, err error) bool {
	if err == nil {
		return true
	}
	switch {
	case errors.Is(err, stream.ErrAccessDenied):
		apierrors.AbortWithForbidden(c, apierrors.ChatflowNotAssigned(""))
	case errors.Is(err, stream.ErrAccountInactive):
		apierrors.AbortWithForbidden(c, apierrors.AccountInactive())
	case errors.Is(err, accounting.ErrInsufficientCredits):
		apierrors.AbortWithPaymentRequired(c, "insufficient credits", nil)
	case errors.Is(err, stream.ErrSessionBusy):
		apierrors.AbortWithConflict(c, "a prediction is already in flight for this conversation", nil)
	case errors.Is(err, stream.ErrUpstreamUnavailable):
		apierrors.AbortWithUpstreamUnavailable(c, "upstream chatflow engine is unavailable", nil)
	case errors.Is(err, stream.ErrUpstreamIdle):
		apierrors.AbortWithUpstreamIdle(c, "upstream stopped sending data", nil)
	case errors.Is(err, stream.ErrUpstreamStreamCap):
		apierrors.AbortWithUpstreamTimeout(c, "stream exceeded its time budget", nil)
	default:
		apierrors.AbortWithInternal(c, "prediction failed", nil)
	}
	return false
}

func (h *handlers) listSessions(c *gin.Context) {
	userID, _ := auth.GetUserID(c)
	sessions, err := h.d.Sessions.ListSessions(c.Request.Context(), userID)
	if err != nil {
		apierrors.AbortWithInternal(c, "failed to list sessions", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (h *handlers) sessionHistory(c *gin.Context) {
	sessionID := c.Param("session_id")
	userID, _ := auth.GetUserID(c)

	session, err := h.d.Sessions.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			apierrors.AbortWithNotFound(c, "session not found", nil)
			return
		}
		apierrors.AbortWithInternal(c, "failed to load session", nil)
		return
	}
	if session.UserID != userID {
		apierrors.AbortWithForbidden(c, apierrors.NotOwner("session", sessionID))
		return
	}

	entries, err := h.d.Sessions.History(c.Request.Context(), sessionID, h.d.FileBaseURL, h.d.Files.Get)
	if err != nil {
		apierrors.AbortWithInternal(c, "failed to load history", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session, "history": entries})
}

// canAccessUpload reports whether the requester may read fu: either the
// upload's own owner, or an Admin/Supervisor.
func canAccessUpload(c *gin.Context, fu *model.FileUpload) bool {
	userID, _ := auth.GetUserID(c)
	if fu.UserID == userID {
		return true
	}
	role, ok := auth.GetRole(c)
	return ok && (role == model.RoleAdmin || role == model.RoleSupervisor)
}

func (h *handlers) getFile(c *gin.Context) {
	fileID := c.Param("file_id")
	fu, err := h.d.Files.Get(c.Request.Context(), fileID)
	if err != nil {
		apierrors.AbortWithNotFound(c, "file not found", nil)
		return
	}

	if !canAccessUpload(c, fu) {
		apierrors.AbortWithForbidden(c, apierrors.NotOwner("file", fileID))
		return
	}

	raw, err := h.d.Files.ReadBytes(c.Request.Context(), fileID)
	if err != nil {
		apierrors.AbortWithInternal(c, "failed to read file", nil)
		return
	}
	c.Data(http.StatusOK, fu.MimeType, raw)
}

func (h *handlers) getThumbnail(c *gin.Context) {
	fileID := c.Param("file_id")
	fu, err := h.d.Files.Get(c.Request.Context(), fileID)
	if err != nil {
		apierrors.AbortWithNotFound(c, "file not found", nil)
		return
	}

	if !canAccessUpload(c, fu) {
		apierrors.AbortWithForbidden(c, apierrors.NotOwner("file", fileID))
		return
	}

	thumb, contentType, err := h.d.Files.Thumbnail(c.Request.Context(), fileID, fu.MimeType)
	if err != nil {
		apierrors.AbortWithUnsupportedMediaType(c, "unsupported media type for thumbnail", nil)
		return
	}
	c.Data(http.StatusOK, contentType, thumb)
}

func (h *handlers) listSessionFiles(c *gin.Context) {
	sessionID := c.Param("session_id")
	uploads, err := h.d.Files.ListForSession(c.Request.Context(), sessionID)
	if err != nil {
		apierrors.AbortWithInternal(c, "failed to list files", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"files": uploads})
}
