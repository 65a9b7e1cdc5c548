// README: Delivery listings and customer ratings.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dispatch/internal/http/middleware"
	"dispatch/internal/modules/delivery"
	"dispatch/internal/types"
)

type DeliveryHandler struct {
	deliveries DeliveryService
}

func NewDeliveryHandler(svc DeliveryService) *DeliveryHandler {
	return &DeliveryHandler{deliveries: svc}
}

func (h *DeliveryHandler) ListByPartner(c *gin.Context) {
	partnerID, ok := actingUser(c, types.ID(c.Param("partnerId")))
	if !ok {
		writeError(c, http.StatusForbidden, "cannot list another partner's deliveries")
		return
	}
	activeOnly := c.Query("active") != "false"
	list, err := h.deliveries.ListByPartner(c.Request.Context(), partnerID, activeOnly)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if list == nil {
		list = []delivery.Delivery{}
	}
	writeJSON(c, http.StatusOK, gin.H{"deliveries": list})
}

// ListByOrder returns only the deliveries the caller is a party to.
func (h *DeliveryHandler) ListByOrder(c *gin.Context) {
	list, err := h.deliveries.ListByOrder(c.Request.Context(), types.ID(c.Param("orderId")))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	uid, role := middleware.CallerUID(c), middleware.CallerRole(c)
	visible := make([]delivery.Delivery, 0, len(list))
	for i := range list {
		if delivery.CanView(&list[i], uid, role) {
			visible = append(visible, list[i])
		}
	}
	writeJSON(c, http.StatusOK, gin.H{"deliveries": visible})
}

type ratingReq struct {
	Rating   int    `json:"rating" binding:"required"`
	Feedback string `json:"feedback"`
}

func (h *DeliveryHandler) Rate(c *gin.Context) {
	var req ratingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "rating must be between 1 and 5")
		return
	}
	d, err := h.deliveries.Rate(c.Request.Context(), types.ID(c.Param("id")), middleware.CallerUID(c), req.Rating, req.Feedback)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, d)
}
