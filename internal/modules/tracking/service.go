// README: Tracking service accepts partner location samples and serves the live delivery view.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"dispatch/internal/maps"
	"dispatch/internal/metrics"
	"dispatch/internal/modules/delivery"
	"dispatch/internal/realtime"
	"dispatch/internal/types"
)

var (
	ErrUnauthorizedLocationUpdate = errors.New("not authorized to update location for this delivery")
	ErrInvalidInput               = errors.New("invalid location update")
	ErrNotFound                   = errors.New("tracking data not found")
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

type LocationStore interface {
	Insert(ctx context.Context, u LocationUpdate) (*Recorded, error)
	Current(ctx context.Context, deliveryID types.ID) (*Location, error)
	History(ctx context.Context, deliveryID types.ID, limit int) ([]Location, error)
	Route(ctx context.Context, deliveryID types.ID) (*Route, error)
	UpsertRoute(ctx context.Context, r *Route) error
}

// DeliveryReader is satisfied by *delivery.Service.
type DeliveryReader interface {
	Get(ctx context.Context, id types.ID) (*delivery.Delivery, error)
	History(ctx context.Context, id types.ID) ([]delivery.StatusHistory, error)
}

// PartnerPositions is satisfied by *PositionIndex.
type PartnerPositions interface {
	SetPartnerPosition(ctx context.Context, partnerID types.ID, pos types.Point) error
}

type Service struct {
	store      LocationStore
	deliveries DeliveryReader
	positions  PartnerPositions
	routes     maps.Estimator
	events     realtime.Publisher
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

// NewService wires the tracking service. positions may be nil when Redis is not configured.
func NewService(store LocationStore, deliveries DeliveryReader, positions PartnerPositions, routes maps.Estimator, events realtime.Publisher, logger *zap.Logger, m *metrics.Metrics) *Service {
	if events == nil {
		events = realtime.Discard{}
	}
	if routes == nil {
		routes = maps.HaversineEstimator{}
	}
	return &Service{
		store:      store,
		deliveries: deliveries,
		positions:  positions,
		routes:     routes,
		events:     events,
		logger:     logger,
		metrics:    m,
		now:        time.Now,
	}
}

// Ingest records one location sample from the delivery's assigned partner and
// fans it out to the customer and shopkeeper.
func (s *Service) Ingest(ctx context.Context, u LocationUpdate) (*Location, error) {
	if err := validateUpdate(u); err != nil {
		s.metrics.Location("invalid")
		return nil, err
	}
	rec, err := s.store.Insert(ctx, u)
	if errors.Is(err, ErrUnauthorizedLocationUpdate) {
		s.metrics.Location("unauthorized")
		return nil, err
	}
	if err != nil {
		s.metrics.Location("failed")
		return nil, fmt.Errorf("insert location: %w", err)
	}
	s.metrics.Location("accepted")

	ctx = context.WithoutCancel(ctx)
	if s.positions != nil {
		if err := s.positions.SetPartnerPosition(ctx, u.PartnerID, u.Position); err != nil {
			s.logger.Warn("update partner position", zap.String("partner_id", string(u.PartnerID)), zap.Error(err))
		}
	}
	loc := rec.Location
	s.events.Publish(ctx, realtime.Event{
		Type:       realtime.EventLocationUpdate,
		DeliveryID: u.DeliveryID,
		OrderID:    rec.OrderID,
		Data:       loc,
		Timestamp:  loc.Timestamp,
		Audience: []realtime.Recipient{
			{UserID: rec.CustomerID, Role: types.RoleCustomer},
			{UserID: rec.ShopkeeperID, Role: types.RoleShopkeeper},
		},
	})
	return &loc, nil
}

// ReportLocation ingests a sample received over a partner's websocket.
func (s *Service) ReportLocation(ctx context.Context, partnerID types.ID, r realtime.LocationReport) (any, error) {
	loc, err := s.Ingest(ctx, LocationUpdate{
		DeliveryID: r.DeliveryID,
		PartnerID:  partnerID,
		Position:   types.Point{Lat: r.Latitude, Lng: r.Longitude},
		Heading:    r.Heading,
		Speed:      r.Speed,
		Accuracy:   r.Accuracy,
	})
	switch {
	case errors.Is(err, ErrInvalidInput):
		return nil, fmt.Errorf("%w: %w", realtime.ErrReportInvalid, err)
	case errors.Is(err, ErrUnauthorizedLocationUpdate):
		return nil, fmt.Errorf("%w: %w", realtime.ErrReportUnauthorized, err)
	case err != nil:
		return nil, err
	}
	return loc, nil
}

func validateUpdate(u LocationUpdate) error {
	if u.DeliveryID == "" || u.PartnerID == "" {
		return ErrInvalidInput
	}
	if !u.Position.Valid() {
		return ErrInvalidInput
	}
	if u.Heading != nil && (!finite(*u.Heading) || *u.Heading < 0 || *u.Heading >= 360) {
		return ErrInvalidInput
	}
	if u.Speed != nil && (!finite(*u.Speed) || *u.Speed < 0) {
		return ErrInvalidInput
	}
	if u.Accuracy != nil && (!finite(*u.Accuracy) || *u.Accuracy < 0) {
		return ErrInvalidInput
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Current returns the latest active sample, or ErrNotFound.
func (s *Service) Current(ctx context.Context, deliveryID types.ID) (*Location, error) {
	return s.store.Current(ctx, deliveryID)
}

func (s *Service) History(ctx context.Context, deliveryID types.ID, limit int) ([]Location, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.store.History(ctx, deliveryID, limit)
}

// View assembles the delivery, its latest location, cached route and audit trail.
func (s *Service) View(ctx context.Context, deliveryID types.ID) (*View, error) {
	d, err := s.deliveries.Get(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	v := &View{Delivery: d, StatusHistory: []delivery.StatusHistory{}}

	loc, err := s.store.Current(ctx, deliveryID)
	switch {
	case err == nil:
		v.CurrentLocation = loc
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	route, err := s.store.Route(ctx, deliveryID)
	switch {
	case err == nil:
		v.Route = route
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}
	hist, err := s.deliveries.History(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if hist != nil {
		v.StatusHistory = hist
	}
	return v, nil
}

// ComputeRoute estimates and caches the route for a delivery. Missing
// endpoints default to the delivery's stored pickup and drop-off.
func (s *Service) ComputeRoute(ctx context.Context, deliveryID types.ID, pickup, dropoff *types.Point) (*Route, error) {
	d, err := s.deliveries.Get(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	if pickup == nil {
		pickup = d.Pickup
	}
	if dropoff == nil {
		dropoff = d.Dropoff
	}
	if pickup == nil || dropoff == nil || !pickup.Valid() || !dropoff.Valid() {
		return nil, ErrInvalidInput
	}

	est, err := s.routes.Estimate(ctx, *pickup, *dropoff)
	if err != nil {
		return nil, fmt.Errorf("estimate route: %w", err)
	}
	now := s.now()
	r := &Route{
		DeliveryID:               deliveryID,
		Pickup:                   *pickup,
		Dropoff:                  *dropoff,
		Polyline:                 est.Polyline,
		DistanceMeters:           est.DistanceMeters,
		EstimatedDurationSeconds: est.DurationSeconds,
		Provider:                 est.Provider,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	if err := s.store.UpsertRoute(ctx, r); err != nil {
		return nil, fmt.Errorf("store route: %w", err)
	}

	s.events.Publish(context.WithoutCancel(ctx), realtime.Event{
		Type:       realtime.EventRouteUpdate,
		DeliveryID: d.ID,
		OrderID:    d.OrderID,
		Data:       r,
		Timestamp:  now,
		Audience:   delivery.Parties(d),
	})
	return r, nil
}
