// README: Delivery offer endpoints: broadcast, poll, accept, reject.
package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"dispatch/internal/http/middleware"
	"dispatch/internal/modules/dispatch"
	"dispatch/internal/types"
)

type DispatchService interface {
	CanBroadcast(ctx context.Context, orderID, actorID types.ID, role types.Role) error
	Broadcast(ctx context.Context, orderID types.ID) ([]dispatch.Offer, error)
	ListPending(ctx context.Context, partnerID types.ID) ([]dispatch.Offer, error)
	Accept(ctx context.Context, orderID, partnerID types.ID) (*dispatch.AcceptResult, error)
	Reject(ctx context.Context, orderID, partnerID types.ID) (*dispatch.Offer, error)
}

type DispatchHandler struct {
	dispatch DispatchService
}

func NewDispatchHandler(svc DispatchService) *DispatchHandler {
	return &DispatchHandler{dispatch: svc}
}

func (h *DispatchHandler) Broadcast(c *gin.Context) {
	ctx := c.Request.Context()
	orderID := types.ID(c.Param("orderId"))
	if err := h.dispatch.CanBroadcast(ctx, orderID, middleware.CallerUID(c), middleware.CallerRole(c)); err != nil {
		writeServiceError(c, err)
		return
	}
	offers, err := h.dispatch.Broadcast(ctx, orderID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"orderId": orderID, "notified": len(offers), "offers": offers})
}

func (h *DispatchHandler) ListPending(c *gin.Context) {
	partnerID, ok := actingUser(c, types.ID(c.Query("deliveryPartnerId")))
	if !ok {
		writeError(c, http.StatusForbidden, "cannot list another partner's offers")
		return
	}
	offers, err := h.dispatch.ListPending(c.Request.Context(), partnerID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"notifications": offers})
}

type offerResponseReq struct {
	PartnerID types.ID `json:"deliveryPartnerId"`
}

// partnerFor reads the optional body and resolves the partner acting on the offer.
func partnerFor(c *gin.Context) (types.ID, bool) {
	var req offerResponseReq
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, http.StatusBadRequest, "invalid json")
		return "", false
	}
	partnerID, ok := actingUser(c, req.PartnerID)
	if !ok {
		writeError(c, http.StatusForbidden, "cannot respond to another partner's offer")
		return "", false
	}
	if middleware.CallerRole(c) != types.RolePartner && middleware.CallerRole(c) != types.RoleAdmin {
		writeError(c, http.StatusForbidden, "only delivery partners can respond to offers")
		return "", false
	}
	return partnerID, true
}

func (h *DispatchHandler) Accept(c *gin.Context) {
	partnerID, ok := partnerFor(c)
	if !ok {
		return
	}
	res, err := h.dispatch.Accept(c.Request.Context(), types.ID(c.Param("orderId")), partnerID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, res.Delivery)
}

func (h *DispatchHandler) Reject(c *gin.Context) {
	partnerID, ok := partnerFor(c)
	if !ok {
		return
	}
	offer, err := h.dispatch.Reject(c.Request.Context(), types.ID(c.Param("orderId")), partnerID)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, offer)
}
