package http

import (
	"net/http"
	"strings"
	"time"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/internal/core/services"
	"huddle/internal/infrastructure/middleware"
	"huddle/pkg/errors"
	"huddle/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AuthHandler issues development tokens. Production deployments mint tokens elsewhere
// with the same secret and leave dev tokens off.
type AuthHandler struct {
	authService services.AuthService
	users       ports.UserRepository
	tokenTTL    time.Duration
	logger      *zap.SugaredLogger
}

func NewAuthHandler(
	authService services.AuthService,
	users ports.UserRepository,
	tokenTTL time.Duration,
	logger *zap.SugaredLogger,
) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		users:       users,
		tokenTTL:    tokenTTL,
		logger:      logger,
	}
}

func (h *AuthHandler) SetupRoutes(router gin.IRouter, devTokens bool, auth gin.HandlerFunc) {
	api := router.Group("/api/v1/auth")
	{
		if devTokens {
			api.POST("/token", h.IssueToken)
		}
		api.GET("/me", auth, h.Me)
	}
}

type TokenRequest struct {
	UserID   domain.UserID `json:"userId" binding:"required"`
	Username string        `json:"username"`
	Email    string        `json:"email"`
}

type TokenResponse struct {
	User        *domain.User `json:"user"`
	AccessToken string       `json:"accessToken"`
	ExpiresIn   int          `json:"expiresIn"`
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.Username = strings.TrimSpace(req.Username)
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))

	if err := validation.ValidateIdentifier("userId", string(req.UserID)); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if req.Username != "" {
		if err := validation.ValidateUsername(req.Username); err != nil {
			c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
	}
	if req.Email != "" {
		if err := validation.ValidateEmail(req.Email); err != nil {
			c.Error(errors.NewInvalidInputError(err.Error()))
			return
		}
	}

	user := &domain.User{ID: req.UserID, Username: req.Username, Email: req.Email}
	if err := h.users.Upsert(c.Request.Context(), user); err != nil {
		c.Error(err)
		return
	}
	stored, err := h.users.GetUserByID(c.Request.Context(), req.UserID)
	if err != nil {
		c.Error(err)
		return
	}

	token, err := h.authService.GenerateToken(stored.ID, stored.DisplayName())
	if err != nil {
		c.Error(errors.NewInternalError("failed to generate token"))
		return
	}

	h.logger.Infow("Issued dev token", "user_id", stored.ID)
	c.JSON(http.StatusCreated, TokenResponse{
		User:        stored,
		AccessToken: token,
		ExpiresIn:   int(h.tokenTTL / time.Second),
	})
}

func (h *AuthHandler) Me(c *gin.Context) {
	userID, ok := middleware.CurrentUser(c)
	if !ok {
		c.Error(errors.NewUnauthorizedError("authentication required"))
		return
	}

	user, err := h.users.GetUserByID(c.Request.Context(), userID)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, user)
}
