// README: Live tracking endpoints: location ingest, status changes, tracking view, routes.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"dispatch/internal/http/middleware"
	"dispatch/internal/modules/delivery"
	"dispatch/internal/modules/tracking"
	"dispatch/internal/types"
)

type TrackingService interface {
	Ingest(ctx context.Context, u tracking.LocationUpdate) (*tracking.Location, error)
	View(ctx context.Context, deliveryID types.ID) (*tracking.View, error)
	ComputeRoute(ctx context.Context, deliveryID types.ID, pickup, dropoff *types.Point) (*tracking.Route, error)
}

type DeliveryService interface {
	Get(ctx context.Context, id types.ID) (*delivery.Delivery, error)
	Transition(ctx context.Context, cmd delivery.TransitionCommand) (*delivery.Delivery, *delivery.StatusHistory, error)
	ListByOrder(ctx context.Context, orderID types.ID) ([]delivery.Delivery, error)
	ListByPartner(ctx context.Context, partnerID types.ID, activeOnly bool) ([]delivery.Delivery, error)
	Rate(ctx context.Context, id, customerID types.ID, rating int, feedback string) (*delivery.Delivery, error)
}

type TrackingHandler struct {
	tracking   TrackingService
	deliveries DeliveryService
}

func NewTrackingHandler(t TrackingService, d DeliveryService) *TrackingHandler {
	return &TrackingHandler{tracking: t, deliveries: d}
}

type locationReq struct {
	DeliveryID types.ID `json:"deliveryId" binding:"required"`
	PartnerID  types.ID `json:"deliveryPartnerId"`
	Latitude   *float64 `json:"latitude"`
	Longitude  *float64 `json:"longitude"`
	Heading    *float64 `json:"heading"`
	Speed      *float64 `json:"speed"`
	Accuracy   *float64 `json:"accuracy"`
}

func (h *TrackingHandler) UpdateLocation(c *gin.Context) {
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Latitude == nil || req.Longitude == nil {
		writeError(c, http.StatusBadRequest, "deliveryId, latitude and longitude are required")
		return
	}
	// Only the assigned partner may report; admins cannot spoof positions.
	if req.PartnerID != "" && req.PartnerID != middleware.CallerUID(c) {
		writeError(c, http.StatusUnauthorized, tracking.ErrUnauthorizedLocationUpdate.Error())
		return
	}
	loc, err := h.tracking.Ingest(c.Request.Context(), tracking.LocationUpdate{
		DeliveryID: req.DeliveryID,
		PartnerID:  middleware.CallerUID(c),
		Position:   types.Point{Lat: *req.Latitude, Lng: *req.Longitude},
		Heading:    req.Heading,
		Speed:      req.Speed,
		Accuracy:   req.Accuracy,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, loc)
}

type statusReq struct {
	Status      delivery.Status `json:"status" binding:"required"`
	Description string          `json:"description"`
	Latitude    *float64        `json:"latitude"`
	Longitude   *float64        `json:"longitude"`
	UpdatedBy   types.ID        `json:"updatedBy"`
	Metadata    json.RawMessage `json:"metadata"`
}

func (h *TrackingHandler) UpdateStatus(c *gin.Context) {
	var req statusReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "status is required")
		return
	}
	actor, ok := actingUser(c, req.UpdatedBy)
	if !ok {
		writeError(c, http.StatusForbidden, delivery.ErrForbiddenActor.Error())
		return
	}
	var loc *types.Point
	if req.Latitude != nil && req.Longitude != nil {
		loc = &types.Point{Lat: *req.Latitude, Lng: *req.Longitude}
	}
	d, hist, err := h.deliveries.Transition(c.Request.Context(), delivery.TransitionCommand{
		DeliveryID:  types.ID(c.Param("deliveryId")),
		Status:      req.Status,
		ActorID:     actor,
		ActorRole:   middleware.CallerRole(c),
		Location:    loc,
		Description: req.Description,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"delivery": d, "history": hist})
}

func (h *TrackingHandler) View(c *gin.Context) {
	v, err := h.tracking.View(c.Request.Context(), types.ID(c.Param("deliveryId")))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if !delivery.CanView(v.Delivery, middleware.CallerUID(c), middleware.CallerRole(c)) {
		writeError(c, http.StatusForbidden, "not a party to this delivery")
		return
	}
	writeJSON(c, http.StatusOK, v)
}

type routeReq struct {
	Pickup  *types.Point `json:"pickupLocation"`
	Dropoff *types.Point `json:"deliveryLocation"`
}

func (h *TrackingHandler) ComputeRoute(c *gin.Context) {
	var req routeReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	ctx := c.Request.Context()
	id := types.ID(c.Param("deliveryId"))
	d, err := h.deliveries.Get(ctx, id)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if !delivery.CanView(d, middleware.CallerUID(c), middleware.CallerRole(c)) {
		writeError(c, http.StatusForbidden, "not a party to this delivery")
		return
	}
	route, err := h.tracking.ComputeRoute(ctx, id, req.Pickup, req.Dropoff)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, route)
}
