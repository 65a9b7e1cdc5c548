// README: Notification inbox and device registration.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"dispatch/internal/http/middleware"
	"dispatch/internal/modules/notification"
	"dispatch/internal/types"
)

type NotificationService interface {
	List(ctx context.Context, userID types.ID, unreadOnly bool) ([]notification.Notification, error)
	MarkRead(ctx context.Context, id, userID types.ID) error
	MarkAllRead(ctx context.Context, userID types.ID) (int64, error)
	RegisterDevice(ctx context.Context, userID types.ID, token, platform string) error
}

type NotificationHandler struct {
	notifications NotificationService
}

func NewNotificationHandler(svc NotificationService) *NotificationHandler {
	return &NotificationHandler{notifications: svc}
}

func (h *NotificationHandler) List(c *gin.Context) {
	list, err := h.notifications.List(c.Request.Context(), middleware.CallerUID(c), c.Query("unread") == "true")
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if list == nil {
		list = []notification.Notification{}
	}
	writeJSON(c, http.StatusOK, gin.H{"notifications": list})
}

func (h *NotificationHandler) MarkRead(c *gin.Context) {
	if err := h.notifications.MarkRead(c.Request.Context(), types.ID(c.Param("id")), middleware.CallerUID(c)); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"id": c.Param("id"), "isRead": true})
}

func (h *NotificationHandler) MarkAllRead(c *gin.Context) {
	n, err := h.notifications.MarkAllRead(c.Request.Context(), middleware.CallerUID(c))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"updated": n})
}

type deviceReq struct {
	Token    string `json:"token" binding:"required"`
	Platform string `json:"platform"`
}

func (h *NotificationHandler) RegisterDevice(c *gin.Context) {
	var req deviceReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "token is required")
		return
	}
	if err := h.notifications.RegisterDevice(c.Request.Context(), middleware.CallerUID(c), req.Token, req.Platform); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
