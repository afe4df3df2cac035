package auth

import (
	"strings"

	"github.com/flowise-gateway/chatproxy/internal/errors"
	"github.com/flowise-gateway/chatproxy/internal/logger"
	"github.com/flowise-gateway/chatproxy/internal/model"
	"github.com/gin-gonic/gin"
)

// Define a custom type for context keys to avoid collisions.
type contextKey string

const (
	UserIDKey   contextKey = "user_id"
	UsernameKey contextKey = "username"
	RoleKey     contextKey = "role"
	RawTokenKey contextKey = "raw_token"
)

// Middleware is the gin authorization layer binding C4 to C3.
type Middleware struct {
	service *Service
}

// NewMiddleware builds the authorization middleware over an identity service.
func NewMiddleware(service *Service) *Middleware {
	return &Middleware{service: service}
}

// RequireAuth validates the bearer access token and attaches the principal's
// identity to both the gin context and the request context.
func (m *Middleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			errors.AbortWithUnauthorized(c, "Authorization header is required", nil)
			return
		}

		if !strings.HasPrefix(authHeader, "Bearer ") {
			errors.AbortWithUnauthorized(c, "Authorization header must be a Bearer token", nil)
			return
		}

		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == "" {
			errors.AbortWithUnauthorized(c, "Bearer token is empty", nil)
			return
		}

		claims, err := m.service.VerifyAccess(token)
		if err != nil {
			errors.AbortWithUnauthorized(c, "invalid or expired token", nil)
			return
		}

		ctx := logger.WithUserID(c.Request.Context(), claims.UserID)
		c.Request = c.Request.WithContext(ctx)

		c.Set(string(UserIDKey), claims.UserID)
		c.Set(string(UsernameKey), claims.Username)
		c.Set(string(RoleKey), claims.Role)
		c.Set(string(RawTokenKey), token)

		c.Next()
	}
}

// RequireRole gates a route to principals whose role is one of the given roles.
func (m *Middleware) RequireRole(roles ...model.Role) gin.HandlerFunc {
	allowed := make(map[model.Role]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}

	return func(c *gin.Context) {
		role, ok := GetRole(c)
		if !ok || !allowed[role] {
			errors.AbortWithForbidden(c, errors.RoleRequired(rolesLabel(roles)))
			return
		}
		c.Next()
	}
}

func rolesLabel(roles []model.Role) string {
	if len(roles) == 1 {
		return string(roles[0])
	}
	s := ""
	for i, r := range roles {
		if i > 0 {
			s += " or "
		}
		s += string(r)
	}
	return s
}

// GetUserID returns the authenticated principal's user id, if any.
func GetUserID(c *gin.Context) (string, bool) {
	v, exists := c.Get(string(UserIDKey))
	if !exists {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

// GetRole returns the authenticated principal's role, if any.
func GetRole(c *gin.Context) (model.Role, bool) {
	v, exists := c.Get(string(RoleKey))
	if !exists {
		return "", false
	}
	role, ok := v.(string)
	return model.Role(role), ok
}

// GetUsername returns the authenticated principal's username, if any.
func GetUsername(c *gin.Context) (string, bool) {
	v, exists := c.Get(string(UsernameKey))
	if !exists {
		return "", false
	}
	name, ok := v.(string)
	return name, ok
}
