package api

import (
	"errors"
	"net/http"

	apierrors "github.com/flowise-gateway/chatproxy/internal/errors"
	"github.com/gin-gonic/gin"

	"github.com/flowise-gateway/chatproxy/internal/auth"
)

type authenticateRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" binding:"required"`
}

type revokeRequest struct {
	TokenID   string `json:"token_id"`
	AllTokens bool   `json:"all_tokens"`
}

// tokenPairUser is the nested principal summary carried in authenticate and
// refresh responses.
type tokenPairUser struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
}

type tokenPairResponse struct {
	AccessToken  string        `json:"access_token"`
	RefreshToken string        `json:"refresh_token"`
	TokenType    string        `json:"token_type"`
	User         tokenPairUser `json:"user"`
	Message      string        `json:"message"`
}

func newTokenPairResponse(pair *auth.TokenPair, message string) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    "bearer",
		User: tokenPairUser{
			UserID:   pair.Principal.UserID,
			Username: pair.Principal.Username,
			Email:    pair.Principal.Email,
			Role:     string(pair.Principal.Role),
		},
		Message: message,
	}
}

func (h *handlers) authenticate(c *gin.Context) {
	var req authenticateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "username and password are required", nil)
		return
	}

	pair, err := h.d.Auth.Authenticate(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			apierrors.AbortWithUnauthorized(c, "invalid username or password", nil)
			return
		}
		apierrors.AbortWithInternal(c, "authentication failed", nil)
		return
	}

	c.JSON(http.StatusOK, newTokenPairResponse(pair, "authentication successful"))
}

func (h *handlers) refresh(c *gin.Context) {
	var req refreshRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.AbortWithBadRequest(c, "refresh_token is required", nil)
		return
	}

	pair, err := h.d.Auth.Refresh(c.Request.Context(), req.RefreshToken)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrTokenTheft):
			apierrors.AbortWithUnauthorized(c, "refresh token reuse detected, all sessions revoked", nil)
		case errors.Is(err, auth.ErrTokenInvalid):
			apierrors.AbortWithUnauthorized(c, "refresh token invalid or expired", nil)
		default:
			apierrors.AbortWithInternal(c, "refresh failed", nil)
		}
		return
	}

	c.JSON(http.StatusOK, newTokenPairResponse(pair, "token refreshed"))
}

func (h *handlers) revoke(c *gin.Context) {
	userID, _ := auth.GetUserID(c)

	var req revokeRequest
	_ = c.ShouldBindJSON(&req)

	if err := h.d.Auth.Revoke(c.Request.Context(), userID, req.TokenID, req.AllTokens); err != nil {
		apierrors.AbortWithInternal(c, "revoke failed", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": true})
}

func (h *handlers) credits(c *gin.Context) {
	userID, _ := auth.GetUserID(c)
	username, _ := auth.GetUsername(c)
	token, _ := c.Get(string(auth.RawTokenKey))
	rawToken, _ := token.(string)

	balance, err := h.d.Accounting.GetBalance(c.Request.Context(), userID, rawToken)
	if err != nil {
		apierrors.AbortWithInternal(c, "failed to read balance", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "username": username, "credits": balance})
}
