// README: Durable notifications and their typed payload variants.
package notification

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"dispatch/internal/types"
)

type Kind string

const (
	KindDeliveryBroadcast Kind = "delivery_broadcast"
	KindDeliveryAssigned  Kind = "delivery_assigned"
	KindDeliveryStatus    Kind = "delivery_status"
)

// Payload is a closed set of notification bodies; each variant renders its own text.
type Payload interface {
	Kind() Kind
	Title() string
	Message() string
	Order() types.ID
}

// DeliveryBroadcast offers a delivery to a partner.
type DeliveryBroadcast struct {
	OrderID           types.ID        `json:"orderId"`
	DeliveryID        types.ID        `json:"deliveryId"`
	StoreName         string          `json:"storeName"`
	CustomerName      string          `json:"customerName,omitempty"`
	PickupAddress     string          `json:"pickupAddress"`
	DeliveryAddress   string          `json:"deliveryAddress"`
	DeliveryFee       decimal.Decimal `json:"deliveryFee"`
	EstimatedEarnings decimal.Decimal `json:"estimatedEarnings"`
	DistanceKm        float64         `json:"estimatedDistance"`
	EstimatedTimeMin  int             `json:"estimatedTime"`
	Urgent            bool            `json:"urgent"`
	ExpiresAt         time.Time       `json:"expiresAt"`
}

func (DeliveryBroadcast) Kind() Kind        { return KindDeliveryBroadcast }
func (p DeliveryBroadcast) Order() types.ID { return p.OrderID }
func (DeliveryBroadcast) Title() string     { return "New Delivery Available" }
func (p DeliveryBroadcast) Message() string {
	return fmt.Sprintf("Order #%s from %s, %.1f km, earn %s. First to accept gets it.",
		p.OrderID, p.StoreName, p.DistanceKm, p.EstimatedEarnings.StringFixed(2))
}

// DeliveryAssigned tells the customer or shopkeeper a partner took the delivery.
type DeliveryAssigned struct {
	OrderID      types.ID   `json:"orderId"`
	DeliveryID   types.ID   `json:"deliveryId"`
	PartnerID    types.ID   `json:"deliveryPartnerId"`
	Audience     types.Role `json:"audience"`
	CustomerName string     `json:"customerName,omitempty"`
}

func (DeliveryAssigned) Kind() Kind        { return KindDeliveryAssigned }
func (p DeliveryAssigned) Order() types.ID { return p.OrderID }
func (p DeliveryAssigned) Title() string {
	if p.Audience == types.RoleShopkeeper {
		return "Order Assigned for Delivery"
	}
	return "Delivery Partner Assigned"
}
func (p DeliveryAssigned) Message() string {
	if p.Audience == types.RoleShopkeeper {
		if p.CustomerName != "" {
			return fmt.Sprintf("Order #%s has been assigned to a delivery partner. Customer: %s", p.OrderID, p.CustomerName)
		}
		return fmt.Sprintf("Order #%s has been assigned to a delivery partner.", p.OrderID)
	}
	return fmt.Sprintf("Your order #%s has been assigned to a delivery partner. You will receive updates as your order is being delivered.", p.OrderID)
}

// DeliveryStatusChanged reports a customer-relevant status change.
type DeliveryStatusChanged struct {
	OrderID    types.ID `json:"orderId"`
	DeliveryID types.ID `json:"deliveryId"`
	Status     string   `json:"status"`
}

func (DeliveryStatusChanged) Kind() Kind        { return KindDeliveryStatus }
func (p DeliveryStatusChanged) Order() types.ID { return p.OrderID }
func (p DeliveryStatusChanged) Title() string {
	switch p.Status {
	case "picked_up":
		return "Order Picked Up"
	case "arrived_delivery":
		return "Delivery Partner Has Arrived"
	case "delivered":
		return "Order Delivered"
	case "cancelled":
		return "Delivery Cancelled"
	}
	return "Delivery Update"
}
func (p DeliveryStatusChanged) Message() string {
	switch p.Status {
	case "picked_up":
		return fmt.Sprintf("Order #%s has been picked up and is on its way.", p.OrderID)
	case "arrived_delivery":
		return fmt.Sprintf("The delivery partner for order #%s has arrived.", p.OrderID)
	case "delivered":
		return fmt.Sprintf("Order #%s has been delivered.", p.OrderID)
	case "cancelled":
		return fmt.Sprintf("The delivery for order #%s was cancelled.", p.OrderID)
	}
	return fmt.Sprintf("Order #%s is now %s.", p.OrderID, p.Status)
}

type Notification struct {
	ID        types.ID  `json:"id"`
	UserID    types.ID  `json:"userId"`
	Type      Kind      `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	OrderID   *types.ID `json:"orderId,omitempty"`
	Data      Payload   `json:"data"`
	IsRead    bool      `json:"isRead"`
	CreatedAt time.Time `json:"createdAt"`
}

// DecodePayload rebuilds the typed payload stored alongside a notification row.
func DecodePayload(kind Kind, raw []byte) (Payload, error) {
	var p Payload
	switch kind {
	case KindDeliveryBroadcast:
		var v DeliveryBroadcast
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case KindDeliveryAssigned:
		var v DeliveryAssigned
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		p = v
	case KindDeliveryStatus:
		var v DeliveryStatusChanged
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		p = v
	default:
		return nil, fmt.Errorf("unknown notification type %q", kind)
	}
	return p, nil
}

type Device struct {
	UserID    types.ID
	Token     string
	Platform  string
	UpdatedAt time.Time
}
