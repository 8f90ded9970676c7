package middleware

import (
	"errors"
	"strings"

	"huddle/internal/core/domain"
	"huddle/internal/core/services"
	apperrors "huddle/pkg/errors"

	"github.com/gin-gonic/gin"
)

const (
	ContextUserID   = "user_id"
	ContextUsername = "username"
)

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", false
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

func authenticate(c *gin.Context, claims *services.Claims) {
	c.Set(ContextUserID, claims.UserID)
	c.Set(ContextUsername, claims.Username)
	c.Request = c.Request.WithContext(services.WithUserID(c.Request.Context(), claims.UserID))
}

// AuthMiddleware requires a valid bearer token.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			abortWithError(c, apperrors.NewUnauthorizedError("authorization header required"))
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			message := "invalid token"
			if errors.Is(err, services.ErrExpiredToken) {
				message = "token expired"
			}
			abortWithError(c, apperrors.NewUnauthorizedError(message))
			return
		}

		authenticate(c, claims)
		c.Next()
	}
}

// OptionalAuthMiddleware attaches the caller when a valid token is present and
// lets anonymous requests through.
func OptionalAuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := bearerToken(c); ok {
			if claims, err := authService.ValidateToken(token); err == nil {
				authenticate(c, claims)
			}
		}
		c.Next()
	}
}

// CurrentUser returns the user set by AuthMiddleware.
func CurrentUser(c *gin.Context) (domain.UserID, bool) {
	v, ok := c.Get(ContextUserID)
	if !ok {
		return "", false
	}
	userID, ok := v.(domain.UserID)
	return userID, ok && userID != ""
}
