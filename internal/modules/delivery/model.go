// README: Delivery aggregate, status definitions and the transition table.
package delivery

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"dispatch/internal/types"
)

type Status string

const (
	StatusPending         Status = "pending"
	StatusAssigned        Status = "assigned"
	StatusEnRoutePickup   Status = "en_route_pickup"
	StatusArrivedPickup   Status = "arrived_pickup"
	StatusPickedUp        Status = "picked_up"
	StatusEnRouteDelivery Status = "en_route_delivery"
	StatusArrivedDelivery Status = "arrived_delivery"
	StatusDelivered       Status = "delivered"
	StatusCancelled       Status = "cancelled"
)

type Delivery struct {
	ID                  types.ID        `json:"id"`
	OrderID             types.ID        `json:"orderId"`
	PartnerID           *types.ID       `json:"deliveryPartnerId"`
	CustomerID          types.ID        `json:"customerId"`
	ShopkeeperID        types.ID        `json:"shopkeeperId"`
	Status              Status          `json:"status"`
	StatusVersion       int             `json:"-"`
	PickupAddress       string          `json:"pickupAddress"`
	DeliveryAddress     string          `json:"deliveryAddress"`
	Pickup              *types.Point    `json:"pickupLocation,omitempty"`
	Dropoff             *types.Point    `json:"deliveryLocation,omitempty"`
	DeliveryFee         decimal.Decimal `json:"deliveryFee"`
	EstimatedDistanceKm float64         `json:"estimatedDistance"`
	EstimatedTimeMin    int             `json:"estimatedTime"`
	CreatedAt           time.Time       `json:"createdAt"`
	AssignedAt          *time.Time      `json:"assignedAt,omitempty"`
	PickedUpAt          *time.Time      `json:"pickedUpAt,omitempty"`
	DeliveredAt         *time.Time      `json:"deliveredAt,omitempty"`
	CancelledAt         *time.Time      `json:"cancelledAt,omitempty"`
	CustomerRating      *int            `json:"customerRating,omitempty"`
	CustomerFeedback    *string         `json:"customerFeedback,omitempty"`
}

// IsAssignedTo reports whether partnerID is the delivery's assigned partner.
func (d *Delivery) IsAssignedTo(partnerID types.ID) bool {
	return d.PartnerID != nil && *d.PartnerID == partnerID
}

// StatusHistory is one append-only audit row per accepted transition.
type StatusHistory struct {
	ID          int64           `json:"id"`
	DeliveryID  types.ID        `json:"deliveryId"`
	Status      Status          `json:"status"`
	Description string          `json:"description"`
	Location    *types.Point    `json:"location,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	UpdatedBy   types.ID        `json:"updatedBy"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// AllowedTransitions is the delivery state flow as code. The en_route/arrived
// markers are optional progress signals; assigned and picked_up are checkpoints
// no path may skip.
var AllowedTransitions = map[Status][]Status{
	StatusPending:         {StatusAssigned, StatusCancelled},
	StatusAssigned:        {StatusEnRoutePickup, StatusArrivedPickup, StatusPickedUp, StatusCancelled},
	StatusEnRoutePickup:   {StatusArrivedPickup, StatusPickedUp, StatusCancelled},
	StatusArrivedPickup:   {StatusPickedUp, StatusCancelled},
	StatusPickedUp:        {StatusEnRouteDelivery, StatusArrivedDelivery, StatusDelivered, StatusCancelled},
	StatusEnRouteDelivery: {StatusArrivedDelivery, StatusDelivered, StatusCancelled},
	StatusArrivedDelivery: {StatusDelivered, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusEnRoutePickup, StatusArrivedPickup, StatusPickedUp,
		StatusEnRouteDelivery, StatusArrivedDelivery, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// Trackable reports whether the assigned partner may still report locations.
// Tracking stops once the partner reports arriving at the customer.
func (s Status) Trackable() bool {
	switch s {
	case StatusAssigned, StatusEnRoutePickup, StatusArrivedPickup, StatusPickedUp,
		StatusEnRouteDelivery:
		return true
	}
	return false
}

// TrackableStatuses lists Trackable statuses for SQL filters.
var TrackableStatuses = []string{
	string(StatusAssigned), string(StatusEnRoutePickup), string(StatusArrivedPickup),
	string(StatusPickedUp), string(StatusEnRouteDelivery),
}

// defaultDescription is recorded in history when the actor gives none.
func defaultDescription(s Status) string {
	switch s {
	case StatusAssigned:
		return "Delivery partner assigned"
	case StatusEnRoutePickup:
		return "Delivery partner is on the way to the store"
	case StatusArrivedPickup:
		return "Delivery partner arrived at the store"
	case StatusPickedUp:
		return "Order picked up"
	case StatusEnRouteDelivery:
		return "Order is on the way"
	case StatusArrivedDelivery:
		return "Delivery partner arrived at the delivery address"
	case StatusDelivered:
		return "Order delivered"
	case StatusCancelled:
		return "Delivery cancelled"
	}
	return "Status updated to " + string(s)
}
