// README: Delivery zone listing, fee quotes and zone administration.
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"dispatch/internal/modules/zone"
	"dispatch/internal/types"
)

type ZoneService interface {
	List(ctx context.Context, activeOnly bool) ([]zone.Zone, error)
	CalculateFee(ctx context.Context, distance float64) (zone.Quote, error)
	Create(ctx context.Context, z zone.Zone) (*zone.Zone, error)
	Update(ctx context.Context, z zone.Zone) (*zone.Zone, error)
	Delete(ctx context.Context, id types.ID) error
}

type ZoneHandler struct {
	zones ZoneService
}

func NewZoneHandler(svc ZoneService) *ZoneHandler {
	return &ZoneHandler{zones: svc}
}

func (h *ZoneHandler) List(c *gin.Context) {
	zones, err := h.zones.List(c.Request.Context(), true)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	views := make([]zoneView, len(zones))
	for i, z := range zones {
		views[i] = newZoneView(z)
	}
	writeJSON(c, http.StatusOK, gin.H{"zones": views})
}

// zoneView renders money and distances as JSON numbers.
type zoneView struct {
	ID          types.ID  `json:"id"`
	Name        string    `json:"name"`
	MinDistance float64   `json:"minDistance"`
	MaxDistance float64   `json:"maxDistance"`
	BaseFee     float64   `json:"baseFee"`
	PerKmRate   float64   `json:"perKmRate"`
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func newZoneView(z zone.Zone) zoneView {
	return zoneView{
		ID:          z.ID,
		Name:        z.Name,
		MinDistance: z.MinDistance.InexactFloat64(),
		MaxDistance: z.MaxDistance.InexactFloat64(),
		BaseFee:     z.BaseFee.InexactFloat64(),
		PerKmRate:   z.PerKmRate.InexactFloat64(),
		IsActive:    z.IsActive,
		CreatedAt:   z.CreatedAt,
		UpdatedAt:   z.UpdatedAt,
	}
}

type feeRequest struct {
	Distance *float64 `json:"distance"`
}

type feeResponse struct {
	Fee       float64      `json:"fee"`
	Zone      zoneView     `json:"zone"`
	Distance  float64      `json:"distance"`
	Breakdown feeBreakdown `json:"breakdown"`
}

type feeBreakdown struct {
	BaseFee     float64 `json:"baseFee"`
	DistanceFee float64 `json:"distanceFee"`
	TotalFee    float64 `json:"totalFee"`
}

func (h *ZoneHandler) CalculateFee(c *gin.Context) {
	var req feeRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Distance == nil {
		writeError(c, http.StatusBadRequest, "distance must be a non-negative number")
		return
	}
	q, err := h.zones.CalculateFee(c.Request.Context(), *req.Distance)
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, feeResponse{
		Fee:      q.Fee.InexactFloat64(),
		Zone:     newZoneView(q.Zone),
		Distance: q.Distance,
		Breakdown: feeBreakdown{
			BaseFee:     q.Breakdown.BaseFee.InexactFloat64(),
			DistanceFee: q.Breakdown.DistanceFee.InexactFloat64(),
			TotalFee:    q.Breakdown.TotalFee.InexactFloat64(),
		},
	})
}

type zoneRequest struct {
	Name        string          `json:"name" binding:"required"`
	MinDistance decimal.Decimal `json:"minDistance"`
	MaxDistance decimal.Decimal `json:"maxDistance"`
	BaseFee     decimal.Decimal `json:"baseFee"`
	PerKmRate   decimal.Decimal `json:"perKmRate"`
	IsActive    *bool           `json:"isActive"`
}

func (r zoneRequest) zone(id types.ID) zone.Zone {
	active := true
	if r.IsActive != nil {
		active = *r.IsActive
	}
	return zone.Zone{
		ID:          id,
		Name:        r.Name,
		MinDistance: r.MinDistance,
		MaxDistance: r.MaxDistance,
		BaseFee:     r.BaseFee,
		PerKmRate:   r.PerKmRate,
		IsActive:    active,
	}
}

func (h *ZoneHandler) Create(c *gin.Context) {
	var req zoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid zone")
		return
	}
	z, err := h.zones.Create(c.Request.Context(), req.zone(""))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, newZoneView(*z))
}

func (h *ZoneHandler) Update(c *gin.Context) {
	var req zoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid zone")
		return
	}
	z, err := h.zones.Update(c.Request.Context(), req.zone(types.ID(c.Param("id"))))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, newZoneView(*z))
}

func (h *ZoneHandler) Delete(c *gin.Context) {
	if err := h.zones.Delete(c.Request.Context(), types.ID(c.Param("id"))); err != nil {
		writeServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
