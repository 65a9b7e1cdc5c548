// README: Base handler utilities (JSON helpers, caller identity, error mapping).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"dispatch/internal/http/middleware"
	"dispatch/internal/modules/delivery"
	"dispatch/internal/modules/directory"
	"dispatch/internal/modules/dispatch"
	"dispatch/internal/modules/notification"
	"dispatch/internal/modules/tracking"
	"dispatch/internal/modules/zone"
	"dispatch/internal/types"
)

type errorResponse struct {
	Error         string          `json:"error"`
	CurrentStatus delivery.Status `json:"currentStatus,omitempty"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// writeServiceError maps module errors onto HTTP statuses. Anything unknown is
// a 500 and its detail stays in the request log.
func writeServiceError(c *gin.Context, err error) {
	var illegal *delivery.IllegalTransitionError
	switch {
	case errors.As(err, &illegal):
		writeJSON(c, http.StatusConflict, errorResponse{Error: err.Error(), CurrentStatus: illegal.Current})
	case errors.Is(err, delivery.ErrInvalidInput),
		errors.Is(err, dispatch.ErrInvalidInput),
		errors.Is(err, tracking.ErrInvalidInput),
		errors.Is(err, notification.ErrInvalidInput),
		errors.Is(err, zone.ErrInvalidInput),
		errors.Is(err, zone.ErrInvalidPartition):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, tracking.ErrUnauthorizedLocationUpdate):
		writeError(c, http.StatusUnauthorized, err.Error())
	case errors.Is(err, dispatch.ErrNoOffer),
		errors.Is(err, dispatch.ErrForbidden),
		errors.Is(err, delivery.ErrForbiddenActor):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, delivery.ErrNotFound),
		errors.Is(err, dispatch.ErrNotFound),
		errors.Is(err, directory.ErrNotFound),
		errors.Is(err, tracking.ErrNotFound),
		errors.Is(err, notification.ErrNotFound),
		errors.Is(err, zone.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrAlreadyClaimed),
		errors.Is(err, delivery.ErrConflict):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, zone.ErrNoZones):
		writeError(c, http.StatusServiceUnavailable, err.Error())
	default:
		_ = c.Error(err)
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

// actingUser resolves whose resource the request targets. Callers act for
// themselves; admins may name someone else. ok is false when a non-admin names
// another user.
func actingUser(c *gin.Context, claimed types.ID) (types.ID, bool) {
	uid := middleware.CallerUID(c)
	if claimed == "" || claimed == uid {
		return uid, true
	}
	if middleware.CallerRole(c) == types.RoleAdmin {
		return claimed, true
	}
	return "", false
}
