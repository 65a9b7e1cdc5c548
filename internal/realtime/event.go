// README: Fan-out event contract shared by publishers and the websocket hub.
package realtime

import (
	"context"
	"time"

	"dispatch/internal/types"
)

type EventType string

const (
	EventLocationUpdate      EventType = "location_update"
	EventStatusUpdate        EventType = "status_update"
	EventRouteUpdate         EventType = "route_update"
	EventAssignmentBroadcast EventType = "assignment_broadcast"
	EventAssignmentTaken     EventType = "assignment_taken"
	EventOfferExpired        EventType = "offer_expired"
	EventNotification        EventType = "notification"
)

// audienceRoles lists which session roles may receive each event type.
var audienceRoles = map[EventType][]types.Role{
	EventLocationUpdate:      {types.RoleCustomer, types.RoleShopkeeper, types.RoleAdmin},
	EventStatusUpdate:        {types.RoleCustomer, types.RoleShopkeeper, types.RolePartner, types.RoleAdmin},
	EventRouteUpdate:         {types.RoleCustomer, types.RoleShopkeeper, types.RolePartner, types.RoleAdmin},
	EventAssignmentBroadcast: {types.RolePartner},
	EventAssignmentTaken:     {types.RolePartner},
	EventOfferExpired:        {types.RolePartner},
	EventNotification:        {types.RoleCustomer, types.RoleShopkeeper, types.RolePartner, types.RoleAdmin},
}

// Watchable event types also reach sessions subscribed to the delivery.
var watchable = map[EventType]bool{
	EventLocationUpdate: true,
	EventStatusUpdate:   true,
	EventRouteUpdate:    true,
}

func roleAllowed(t EventType, r types.Role) bool {
	for _, allowed := range audienceRoles[t] {
		if allowed == r {
			return true
		}
	}
	return false
}

// Recipient addresses the sessions of one user. An empty Role matches any role.
type Recipient struct {
	UserID types.ID   `json:"userId"`
	Role   types.Role `json:"role"`
}

type Event struct {
	Type       EventType   `json:"type"`
	DeliveryID types.ID    `json:"deliveryId,omitempty"`
	OrderID    types.ID    `json:"orderId,omitempty"`
	Data       any         `json:"data,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	Audience   []Recipient `json:"-"`
}

// Publisher accepts events for best-effort delivery. Implementations never
// block on slow receivers and never report per-receiver failures.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Discard is a Publisher that drops everything.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
