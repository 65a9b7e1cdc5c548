// README: Delivery service enforces the status state machine and publishes changes after commit.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"dispatch/internal/metrics"
	"dispatch/internal/modules/notification"
	"dispatch/internal/realtime"
	"dispatch/internal/types"
)

var (
	ErrNotFound       = errors.New("delivery not found")
	ErrConflict       = errors.New("delivery state conflict")
	ErrInvalidInput   = errors.New("invalid delivery request")
	ErrForbiddenActor = errors.New("actor may not change this delivery")
)

// IllegalTransitionError is returned when the requested status is not a
// successor of the current one. The delivery is left unchanged.
type IllegalTransitionError struct {
	Current   Status
	Requested Status
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition from %s to %s", e.Current, e.Requested)
}

type DeliveryStore interface {
	Get(ctx context.Context, id types.ID) (*Delivery, error)
	LatestByOrder(ctx context.Context, orderID types.ID) (*Delivery, error)
	ListByOrder(ctx context.Context, orderID types.ID) ([]Delivery, error)
	ListByPartner(ctx context.Context, partnerID types.ID, activeOnly bool) ([]Delivery, error)
	ApplyTransition(ctx context.Context, cur *Delivery, next Status, h StatusHistory) (*Delivery, error)
	History(ctx context.Context, deliveryID types.ID) ([]StatusHistory, error)
	Rate(ctx context.Context, id, customerID types.ID, rating int, feedback *string) (*Delivery, error)
}

// Notifier is satisfied by *notification.Service.
type Notifier interface {
	NotifyAll(ctx context.Context, userIDs []types.ID, p notification.Payload) int
}

type Service struct {
	store    DeliveryStore
	events   realtime.Publisher
	notifier Notifier
	logger   *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewService(store DeliveryStore, events realtime.Publisher, notifier Notifier, logger *zap.Logger, m *metrics.Metrics) *Service {
	if events == nil {
		events = realtime.Discard{}
	}
	return &Service{store: store, events: events, notifier: notifier, logger: logger, metrics: m, now: time.Now}
}

const maxTransitionAttempts = 3

type TransitionCommand struct {
	DeliveryID  types.ID
	Status      Status
	ActorID     types.ID
	ActorRole   types.Role
	Location    *types.Point
	Description string
	Metadata    json.RawMessage
}

// Transition applies one status change. The new status and its history row
// commit together; fan-out and notifications follow the commit.
func (s *Service) Transition(ctx context.Context, cmd TransitionCommand) (*Delivery, *StatusHistory, error) {
	if cmd.DeliveryID == "" || cmd.ActorID == "" || !cmd.Status.Valid() {
		return nil, nil, ErrInvalidInput
	}
	if cmd.Location != nil && !cmd.Location.Valid() {
		return nil, nil, ErrInvalidInput
	}
	if len(cmd.Metadata) > 0 && !json.Valid(cmd.Metadata) {
		return nil, nil, ErrInvalidInput
	}

	desc := strings.TrimSpace(cmd.Description)
	if desc == "" {
		desc = defaultDescription(cmd.Status)
	}

	// A lost compare-and-swap is re-evaluated against the fresh row, so a
	// cancel racing an accept still lands on the assigned delivery.
	for attempt := 0; ; attempt++ {
		d, err := s.store.Get(ctx, cmd.DeliveryID)
		if err != nil {
			return nil, nil, err
		}
		// assigned is only reachable through an accepted offer.
		if cmd.Status == StatusAssigned || !CanTransition(d.Status, cmd.Status) {
			s.metrics.Transition(string(cmd.Status), "illegal")
			return nil, nil, &IllegalTransitionError{Current: d.Status, Requested: cmd.Status}
		}
		if err := authorizeTransition(d, cmd); err != nil {
			s.metrics.Transition(string(cmd.Status), "forbidden")
			return nil, nil, err
		}

		h := StatusHistory{
			DeliveryID:  d.ID,
			Status:      cmd.Status,
			Description: desc,
			Location:    cmd.Location,
			Timestamp:   s.now(),
			UpdatedBy:   cmd.ActorID,
			Metadata:    cmd.Metadata,
		}
		updated, err := s.store.ApplyTransition(ctx, d, cmd.Status, h)
		if errors.Is(err, ErrConflict) {
			s.metrics.Transition(string(cmd.Status), "conflict")
			if attempt < maxTransitionAttempts-1 {
				continue
			}
			return nil, nil, ErrConflict
		}
		if err != nil {
			return nil, nil, fmt.Errorf("apply transition: %w", err)
		}
		s.metrics.Transition(string(cmd.Status), "applied")

		s.afterTransition(ctx, d.Status, updated, h, cmd.ActorID)
		return updated, &h, nil
	}
}

func authorizeTransition(d *Delivery, cmd TransitionCommand) error {
	if cmd.Status != StatusCancelled {
		if cmd.ActorRole == types.RolePartner && d.IsAssignedTo(cmd.ActorID) {
			return nil
		}
		return ErrForbiddenActor
	}
	switch {
	case cmd.ActorRole == types.RoleAdmin:
		return nil
	case cmd.ActorRole == types.RolePartner && d.IsAssignedTo(cmd.ActorID):
		return nil
	case cmd.ActorRole == types.RoleCustomer && d.CustomerID == cmd.ActorID:
		return nil
	case cmd.ActorRole == types.RoleShopkeeper && d.ShopkeeperID == cmd.ActorID:
		return nil
	}
	return ErrForbiddenActor
}

func (s *Service) afterTransition(ctx context.Context, prev Status, d *Delivery, h StatusHistory, actor types.ID) {
	ctx = context.WithoutCancel(ctx)

	s.events.Publish(ctx, StatusEvent(d, prev, h))

	if s.notifier == nil || !customerRelevant(d.Status) {
		return
	}
	payload := notification.DeliveryStatusChanged{OrderID: d.OrderID, DeliveryID: d.ID, Status: string(d.Status)}
	recipients := []types.ID{d.CustomerID, d.ShopkeeperID}
	if d.Status == StatusCancelled && d.PartnerID != nil && *d.PartnerID != actor {
		recipients = append(recipients, *d.PartnerID)
	}
	targets := recipients[:0]
	for _, uid := range recipients {
		if uid != "" && uid != actor {
			targets = append(targets, uid)
		}
	}
	if sent := s.notifier.NotifyAll(ctx, targets, payload); sent < len(targets) {
		s.logger.Warn("status notifications incomplete",
			zap.String("delivery_id", string(d.ID)),
			zap.Int("sent", sent),
			zap.Int("recipients", len(targets)))
	}
}

func customerRelevant(s Status) bool {
	switch s {
	case StatusPickedUp, StatusArrivedDelivery, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

// StatusEvent builds the status_update fan-out event for a committed transition.
func StatusEvent(d *Delivery, prev Status, h StatusHistory) realtime.Event {
	return realtime.Event{
		Type:       realtime.EventStatusUpdate,
		DeliveryID: d.ID,
		OrderID:    d.OrderID,
		Timestamp:  h.Timestamp,
		Data: map[string]any{
			"deliveryId":     d.ID,
			"orderId":        d.OrderID,
			"status":         d.Status,
			"previousStatus": prev,
			"description":    h.Description,
			"location":       h.Location,
			"updatedBy":      h.UpdatedBy,
		},
		Audience: Parties(d),
	}
}

// Parties lists the customer, shopkeeper and (if assigned) partner of d.
func Parties(d *Delivery) []realtime.Recipient {
	out := make([]realtime.Recipient, 0, 3)
	if d.CustomerID != "" {
		out = append(out, realtime.Recipient{UserID: d.CustomerID, Role: types.RoleCustomer})
	}
	if d.ShopkeeperID != "" {
		out = append(out, realtime.Recipient{UserID: d.ShopkeeperID, Role: types.RoleShopkeeper})
	}
	if d.PartnerID != nil {
		out = append(out, realtime.Recipient{UserID: *d.PartnerID, Role: types.RolePartner})
	}
	return out
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Delivery, error) {
	if id == "" {
		return nil, ErrInvalidInput
	}
	return s.store.Get(ctx, id)
}

func (s *Service) History(ctx context.Context, id types.ID) ([]StatusHistory, error) {
	return s.store.History(ctx, id)
}

func (s *Service) ListByOrder(ctx context.Context, orderID types.ID) ([]Delivery, error) {
	if orderID == "" {
		return nil, ErrInvalidInput
	}
	return s.store.ListByOrder(ctx, orderID)
}

func (s *Service) ListByPartner(ctx context.Context, partnerID types.ID, activeOnly bool) ([]Delivery, error) {
	if partnerID == "" {
		return nil, ErrInvalidInput
	}
	return s.store.ListByPartner(ctx, partnerID, activeOnly)
}

// CanView reports whether the caller is a party to the delivery (or an admin).
func CanView(d *Delivery, userID types.ID, role types.Role) bool {
	switch role {
	case types.RoleAdmin:
		return true
	case types.RoleCustomer:
		return d.CustomerID == userID
	case types.RoleShopkeeper:
		return d.ShopkeeperID == userID
	case types.RolePartner:
		return d.IsAssignedTo(userID)
	}
	return false
}

// CanWatch authorises websocket subscriptions to a delivery's live events.
func (s *Service) CanWatch(ctx context.Context, userID types.ID, role types.Role, deliveryID types.ID) (bool, error) {
	d, err := s.store.Get(ctx, deliveryID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return CanView(d, userID, role), nil
}

// Rate stores the customer's 1-5 rating of a delivered delivery, once.
func (s *Service) Rate(ctx context.Context, id, customerID types.ID, rating int, feedback string) (*Delivery, error) {
	if id == "" || customerID == "" || rating < 1 || rating > 5 {
		return nil, ErrInvalidInput
	}
	var fb *string
	if f := strings.TrimSpace(feedback); f != "" {
		fb = &f
	}
	d, err := s.store.Rate(ctx, id, customerID, rating, fb)
	if !errors.Is(err, ErrConflict) {
		return d, err
	}
	cur, gerr := s.store.Get(ctx, id)
	if gerr != nil {
		return nil, gerr
	}
	if cur.CustomerID != customerID {
		return nil, ErrForbiddenActor
	}
	if cur.Status != StatusDelivered {
		return nil, &IllegalTransitionError{Current: cur.Status, Requested: StatusDelivered}
	}
	return nil, ErrConflict
}
