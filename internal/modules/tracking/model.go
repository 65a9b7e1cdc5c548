// README: Location samples, cached routes and the aggregate tracking view.
package tracking

import (
	"time"

	"dispatch/internal/modules/delivery"
	"dispatch/internal/types"
)

type LocationUpdate struct {
	DeliveryID types.ID
	PartnerID  types.ID
	Position   types.Point
	Heading    *float64
	Speed      *float64
	Accuracy   *float64
}

type Location struct {
	ID         int64     `json:"id"`
	DeliveryID types.ID  `json:"deliveryId"`
	PartnerID  types.ID  `json:"deliveryPartnerId"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	Heading    *float64  `json:"heading,omitempty"`
	Speed      *float64  `json:"speed,omitempty"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	IsActive   bool      `json:"isActive"`
}

func (l Location) Point() types.Point {
	return types.Point{Lat: l.Latitude, Lng: l.Longitude}
}

// Recorded is an accepted sample plus the parties it must be fanned out to.
type Recorded struct {
	Location     Location
	OrderID      types.ID
	CustomerID   types.ID
	ShopkeeperID types.ID
}

type Route struct {
	DeliveryID               types.ID    `json:"deliveryId"`
	Pickup                   types.Point `json:"pickupLocation"`
	Dropoff                  types.Point `json:"deliveryLocation"`
	Polyline                 string      `json:"routeGeometry,omitempty"`
	DistanceMeters           int         `json:"distanceMeters"`
	EstimatedDurationSeconds int         `json:"estimatedDurationSeconds"`
	ActualDurationSeconds    *int        `json:"actualDurationSeconds,omitempty"`
	Provider                 string      `json:"provider"`
	CreatedAt                time.Time   `json:"createdAt"`
	UpdatedAt                time.Time   `json:"updatedAt"`
}

type View struct {
	Delivery        *delivery.Delivery       `json:"delivery"`
	CurrentLocation *Location                `json:"currentLocation"`
	Route           *Route                   `json:"route"`
	StatusHistory   []delivery.StatusHistory `json:"statusHistory"`
}
