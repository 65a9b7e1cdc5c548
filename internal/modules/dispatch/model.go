// README: Delivery offers and the outcome of a first-accept claim.
package dispatch

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"dispatch/internal/modules/delivery"
	"dispatch/internal/modules/notification"
	"dispatch/internal/types"
)

type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferRejected OfferStatus = "rejected"
	OfferExpired  OfferStatus = "expired"
)

// Offer is one partner's invitation to take a pending delivery.
type Offer struct {
	ID          types.ID                       `json:"id"`
	OrderID     types.ID                       `json:"orderId"`
	DeliveryID  types.ID                       `json:"deliveryId"`
	PartnerID   types.ID                       `json:"deliveryPartnerId"`
	Status      OfferStatus                    `json:"status"`
	Payload     notification.DeliveryBroadcast `json:"notificationData"`
	CreatedAt   time.Time                      `json:"createdAt"`
	RespondedAt *time.Time                     `json:"respondedAt,omitempty"`
}

// AcceptResult reports the delivery after an accept. Claimed is false when the
// caller already held the delivery and nothing changed.
type AcceptResult struct {
	Delivery *delivery.Delivery
	Claimed  bool
	Expired  []types.ID
}

// BroadcastPlan is what the store needs to open (or reuse) a pending delivery
// and offer it to a set of partners.
type BroadcastPlan struct {
	Draft     *delivery.Delivery
	Partners  []types.ID
	StoreName string
	Customer  string
	TTL       time.Duration
	Now       time.Time
}

const (
	platformCommission = "0.15"
	defaultDistanceKm  = 5.0
	urgentDistanceKm   = 15.0
)

// offerPayload renders the partner-facing offer for d.
func offerPayload(d *delivery.Delivery, plan BroadcastPlan) notification.DeliveryBroadcast {
	return notification.DeliveryBroadcast{
		OrderID:           d.OrderID,
		DeliveryID:        d.ID,
		StoreName:         plan.StoreName,
		CustomerName:      plan.Customer,
		PickupAddress:     d.PickupAddress,
		DeliveryAddress:   d.DeliveryAddress,
		DeliveryFee:       d.DeliveryFee,
		EstimatedEarnings: partnerEarnings(d.DeliveryFee),
		DistanceKm:        d.EstimatedDistanceKm,
		EstimatedTimeMin:  d.EstimatedTimeMin,
		Urgent:            d.EstimatedDistanceKm > urgentDistanceKm,
		ExpiresAt:         plan.Now.Add(plan.TTL),
	}
}

func partnerEarnings(fee decimal.Decimal) decimal.Decimal {
	return fee.Mul(decimal.NewFromInt(1).Sub(decimal.RequireFromString(platformCommission))).Round(2)
}

// fallbackMinutes estimates travel time when no route is available.
func fallbackMinutes(km float64) int {
	return int(math.Round(30 + km*8))
}
