package http

import (
	"net/http"

	"huddle/internal/core/domain"
	"huddle/internal/core/ports"
	"huddle/internal/core/services"
	"huddle/internal/infrastructure/middleware"
	"huddle/pkg/errors"
	"huddle/pkg/validation"

	"github.com/gin-gonic/gin"
)

// NotificationLister reads a user's stored notifications, newest first.
type NotificationLister interface {
	List(userID domain.UserID) []domain.Notification
}

// APIHandler serves read-only views of the registries.
type APIHandler struct {
	voice         *services.VoiceChannelService
	calls         *services.CallService
	presence      *services.PresenceService
	media         ports.MediaService
	notifications NotificationLister
}

func NewAPIHandler(
	voice *services.VoiceChannelService,
	calls *services.CallService,
	presence *services.PresenceService,
	media ports.MediaService,
	notifications NotificationLister,
) *APIHandler {
	return &APIHandler{
		voice:         voice,
		calls:         calls,
		presence:      presence,
		media:         media,
		notifications: notifications,
	}
}

func (h *APIHandler) SetupRoutes(router gin.IRouter, auth gin.HandlerFunc) {
	api := router.Group("/api/v1", auth)
	{
		api.GET("/voice-channels/:id/users", h.GetVoiceChannelUsers)

		api.GET("/calls/active", h.GetActiveCalls)
		api.GET("/calls/:id", h.GetCall)

		api.GET("/presence/online", h.GetOnlineUsers)
		api.GET("/presence/:userId", h.GetPresence)

		api.GET("/rooms/:id/capabilities", h.GetRoomCapabilities)

		api.GET("/notifications", h.GetNotifications)
	}
}

func param(c *gin.Context, name string) (string, bool) {
	value := c.Param(name)
	if err := validation.ValidateIdentifier(name, value); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return value, true
}

func (h *APIHandler) GetVoiceChannelUsers(c *gin.Context) {
	id, ok := param(c, "id")
	if !ok {
		return
	}
	channelID := domain.ChannelID(id)

	c.JSON(http.StatusOK, gin.H{
		"channelId": channelID,
		"users":     h.voice.GetMembers(channelID),
	})
}

// GetActiveCalls filters by channelId, or by userId when no channel is given.
func (h *APIHandler) GetActiveCalls(c *gin.Context) {
	channelID := c.Query("channelId")
	userID := c.Query("userId")

	var calls []*domain.Call
	switch {
	case channelID != "":
		calls = h.calls.GetActiveCallsByChannelID(domain.ChannelID(channelID))
	case userID != "":
		calls = h.calls.GetActiveCallsByUserID(domain.UserID(userID))
	default:
		c.Error(errors.NewInvalidInputError("channelId or userId is required"))
		return
	}
	if calls == nil {
		calls = []*domain.Call{}
	}
	c.JSON(http.StatusOK, gin.H{"calls": calls})
}

func (h *APIHandler) GetCall(c *gin.Context) {
	id, ok := param(c, "id")
	if !ok {
		return
	}

	call, err := h.calls.GetCall(domain.CallID(id))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, call)
}

func (h *APIHandler) GetPresence(c *gin.Context) {
	id, ok := param(c, "userId")
	if !ok {
		return
	}

	status, err := h.presence.Status(c.Request.Context(), domain.UserID(id))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// GetOnlineUsers hides invisible users.
func (h *APIHandler) GetOnlineUsers(c *gin.Context) {
	users := []domain.PresenceEvent{}
	for _, entry := range h.presence.OnlineUsers() {
		shown := entry.Status.Visible()
		if shown == domain.StatusOffline {
			continue
		}
		users = append(users, domain.PresenceEvent{
			UserID:       entry.UserID,
			Username:     entry.Username,
			Status:       shown,
			LastActivity: entry.LastActivity,
		})
	}
	c.JSON(http.StatusOK, gin.H{"users": users})
}

func (h *APIHandler) GetRoomCapabilities(c *gin.Context) {
	id, ok := param(c, "id")
	if !ok {
		return
	}

	caps, err := h.media.GetRouterCapabilities(c.Request.Context(), domain.RoomID(id))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rtpCapabilities": caps})
}

func (h *APIHandler) GetNotifications(c *gin.Context) {
	userID, ok := middleware.CurrentUser(c)
	if !ok {
		c.Error(errors.NewUnauthorizedError("authentication required"))
		return
	}

	list := h.notifications.List(userID)
	if list == nil {
		list = []domain.Notification{}
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list})
}
