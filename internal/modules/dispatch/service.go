// README: Dispatch service broadcasts pending deliveries to partners and resolves the first-accept race.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dispatch/internal/config"
	"dispatch/internal/maps"
	"dispatch/internal/metrics"
	"dispatch/internal/modules/delivery"
	"dispatch/internal/modules/directory"
	"dispatch/internal/modules/notification"
	"dispatch/internal/modules/zone"
	"dispatch/internal/realtime"
	"dispatch/internal/types"
)

var (
	ErrAlreadyClaimed = errors.New("delivery already claimed by another partner")
	ErrNoOffer        = errors.New("no live offer for this partner")
	ErrNotFound       = errors.New("order or delivery not found")
	ErrInvalidInput   = errors.New("invalid dispatch request")
	ErrForbidden      = errors.New("caller may not dispatch this order")
)

type OfferStore interface {
	OpenBroadcast(ctx context.Context, plan BroadcastPlan) (*delivery.Delivery, []Offer, error)
	Claim(ctx context.Context, orderID, partnerID types.ID, now time.Time) (*delivery.Delivery, []types.ID, error)
	Reject(ctx context.Context, orderID, partnerID types.ID, now time.Time) (*Offer, error)
	ListPending(ctx context.Context, partnerID types.ID, notBefore time.Time) ([]Offer, error)
	ExpireStale(ctx context.Context, cutoff, now time.Time) ([]Offer, error)
	LatestByOrder(ctx context.Context, orderID types.ID) (*delivery.Delivery, error)
}

// Directory is satisfied by *directory.Store.
type Directory interface {
	GetOrder(ctx context.Context, id types.ID) (*directory.OrderInfo, error)
	GetStore(ctx context.Context, id types.ID) (*directory.StoreInfo, error)
	EligiblePartners(ctx context.Context, area string) ([]types.ID, error)
}

// FeeQuoter is satisfied by *zone.Service.
type FeeQuoter interface {
	CalculateFee(ctx context.Context, distance float64) (zone.Quote, error)
}

// Proximity is satisfied by *tracking.PositionIndex.
type Proximity interface {
	NearbyPartners(ctx context.Context, p types.Point, radiusKm float64) ([]types.ID, error)
}

// Notifier is satisfied by *notification.Service.
type Notifier interface {
	NotifyAll(ctx context.Context, userIDs []types.ID, p notification.Payload) int
}

type Service struct {
	store     OfferStore
	directory Directory
	fees      FeeQuoter
	routes    maps.Estimator
	geocoder  maps.Geocoder
	nearby    Proximity
	events    realtime.Publisher
	notifier  Notifier
	logger    *zap.Logger
	metrics   *metrics.Metrics
	cfg       config.DispatchConfig
	now       func() time.Time
}

func NewService(store OfferStore, dir Directory, fees FeeQuoter, events realtime.Publisher, notifier Notifier, logger *zap.Logger, m *metrics.Metrics, cfg config.DispatchConfig) *Service {
	if events == nil {
		events = realtime.Discard{}
	}
	return &Service{
		store:     store,
		directory: dir,
		fees:      fees,
		routes:    maps.HaversineEstimator{},
		events:    events,
		notifier:  notifier,
		logger:    logger,
		metrics:   m,
		cfg:       cfg,
		now:       time.Now,
	}
}

// WithRoutes replaces the haversine estimator used to size a delivery.
func (s *Service) WithRoutes(e maps.Estimator) *Service {
	s.routes = e
	return s
}

// WithGeocoder resolves addresses whose coordinates are missing.
func (s *Service) WithGeocoder(g maps.Geocoder) *Service {
	s.geocoder = g
	return s
}

// WithProximity narrows candidates to partners last seen near the pickup.
func (s *Service) WithProximity(p Proximity) *Service {
	s.nearby = p
	return s
}

// CanBroadcast reports whether the caller may open a broadcast for the order:
// admins always, shopkeepers only for orders placed at their own store.
func (s *Service) CanBroadcast(ctx context.Context, orderID, actorID types.ID, role types.Role) error {
	if role == types.RoleAdmin {
		return nil
	}
	if role != types.RoleShopkeeper {
		return ErrForbidden
	}
	order, err := s.directory.GetOrder(ctx, orderID)
	if errors.Is(err, directory.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load order: %w", err)
	}
	shop, err := s.directory.GetStore(ctx, order.StoreID)
	if errors.Is(err, directory.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load store: %w", err)
	}
	if shop.OwnerID != actorID {
		return ErrForbidden
	}
	return nil
}

// Broadcast opens the order's pending delivery (or reuses it) and offers it
// to every eligible partner that does not already hold an offer. It returns
// only the offers created by this call.
func (s *Service) Broadcast(ctx context.Context, orderID types.ID) ([]Offer, error) {
	if orderID == "" {
		return nil, ErrInvalidInput
	}
	order, err := s.directory.GetOrder(ctx, orderID)
	if errors.Is(err, directory.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	shop, err := s.directory.GetStore(ctx, order.StoreID)
	if errors.Is(err, directory.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load store: %w", err)
	}

	pickup := s.locate(ctx, shop.Location, shop.Address)
	dropoff := s.locate(ctx, order.Dropoff, order.ShippingAddress)
	km, minutes := s.size(ctx, pickup, dropoff)

	quote, err := s.fees.CalculateFee(ctx, km)
	if err != nil {
		return nil, fmt.Errorf("quote delivery fee: %w", err)
	}

	partners, err := s.candidates(ctx, order.Area, pickup)
	if err != nil {
		return nil, fmt.Errorf("select partners: %w", err)
	}

	now := s.now()
	d, offers, err := s.store.OpenBroadcast(ctx, BroadcastPlan{
		Draft: &delivery.Delivery{
			ID:                  types.ID(uuid.NewString()),
			OrderID:             order.ID,
			CustomerID:          order.CustomerID,
			ShopkeeperID:        shop.OwnerID,
			Status:              delivery.StatusPending,
			PickupAddress:       shop.Address,
			DeliveryAddress:     order.ShippingAddress,
			Pickup:              pickup,
			Dropoff:             dropoff,
			DeliveryFee:         quote.Fee,
			EstimatedDistanceKm: km,
			EstimatedTimeMin:    minutes,
			CreatedAt:           now,
		},
		Partners:  partners,
		StoreName: shop.Name,
		Customer:  order.CustomerName,
		TTL:       s.cfg.OfferTTL,
		Now:       now,
	})
	if err != nil {
		return nil, err
	}
	s.metrics.OffersCreated(len(offers))
	s.logger.Info("delivery broadcast",
		zap.String("order_id", string(orderID)),
		zap.String("delivery_id", string(d.ID)),
		zap.Int("eligible", len(partners)),
		zap.Int("offers", len(offers)))

	s.afterBroadcast(ctx, offers)
	if offers == nil {
		offers = []Offer{}
	}
	return offers, nil
}

func (s *Service) afterBroadcast(ctx context.Context, offers []Offer) {
	ctx = context.WithoutCancel(ctx)
	partners := make([]types.ID, len(offers))
	for i, o := range offers {
		partners[i] = o.PartnerID
		s.events.Publish(ctx, realtime.Event{
			Type:       realtime.EventAssignmentBroadcast,
			DeliveryID: o.DeliveryID,
			OrderID:    o.OrderID,
			Data:       o,
			Timestamp:  o.CreatedAt,
			Audience:   []realtime.Recipient{{UserID: o.PartnerID, Role: types.RolePartner}},
		})
	}
	if s.notifier == nil || len(offers) == 0 {
		return
	}
	// Every offer of one broadcast carries the same payload.
	if sent := s.notifier.NotifyAll(ctx, partners, offers[0].Payload); sent < len(partners) {
		s.logger.Warn("offer notifications incomplete",
			zap.String("order_id", string(offers[0].OrderID)),
			zap.Int("sent", sent),
			zap.Int("partners", len(partners)))
	}
}

// locate returns known, else geocoded, coordinates. Failures leave the point unknown.
func (s *Service) locate(ctx context.Context, known *types.Point, address string) *types.Point {
	if known != nil {
		return known
	}
	if s.geocoder == nil || address == "" {
		return nil
	}
	p, err := s.geocoder.Geocode(ctx, address)
	if err != nil {
		s.logger.Warn("geocode address", zap.String("address", address), zap.Error(err))
		return nil
	}
	return &p
}

// size estimates trip distance and duration, falling back to a default
// distance when either end is unknown.
func (s *Service) size(ctx context.Context, pickup, dropoff *types.Point) (float64, int) {
	if pickup == nil || dropoff == nil {
		return defaultDistanceKm, fallbackMinutes(defaultDistanceKm)
	}
	est, err := s.routes.Estimate(ctx, *pickup, *dropoff)
	if err != nil {
		s.logger.Warn("route estimate", zap.Error(err))
		km := maps.HaversineKm(*pickup, *dropoff)
		return roundKm(km), fallbackMinutes(km)
	}
	return roundKm(est.DistanceKm()), est.DurationMinutes()
}

func roundKm(km float64) float64 {
	return math.Round(km*100) / 100
}

// candidates lists eligible partners, narrowed to those near the pickup when
// proximity data is available and non-empty.
func (s *Service) candidates(ctx context.Context, area string, pickup *types.Point) ([]types.ID, error) {
	eligible, err := s.directory.EligiblePartners(ctx, area)
	if err != nil {
		return nil, err
	}
	if s.nearby == nil || pickup == nil || s.cfg.RadiusKm <= 0 || len(eligible) == 0 {
		return eligible, nil
	}
	near, err := s.nearby.NearbyPartners(ctx, *pickup, s.cfg.RadiusKm)
	if err != nil {
		s.logger.Warn("nearby partners", zap.Error(err))
		return eligible, nil
	}
	ok := make(map[types.ID]bool, len(eligible))
	for _, id := range eligible {
		ok[id] = true
	}
	var out []types.ID
	for _, id := range near {
		if ok[id] {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return eligible, nil
	}
	return out, nil
}

// Accept resolves the first-accept race for orderID. Exactly one concurrent
// caller wins; the others get ErrAlreadyClaimed and nothing changes for them.
// Accepting a delivery the caller already holds succeeds with Claimed=false.
func (s *Service) Accept(ctx context.Context, orderID, partnerID types.ID) (*AcceptResult, error) {
	if orderID == "" || partnerID == "" {
		return nil, ErrInvalidInput
	}
	d, losers, err := s.store.Claim(ctx, orderID, partnerID, s.now())
	if errors.Is(err, errNotClaimed) {
		return s.classifyMiss(ctx, orderID, partnerID)
	}
	if err != nil {
		s.metrics.Accept("failed")
		return nil, fmt.Errorf("claim delivery: %w", err)
	}
	s.metrics.Accept("won")
	s.metrics.OffersExpired(len(losers))
	s.logger.Info("delivery claimed",
		zap.String("order_id", string(orderID)),
		zap.String("delivery_id", string(d.ID)),
		zap.String("partner_id", string(partnerID)),
		zap.Int("expired_offers", len(losers)))

	s.afterClaim(ctx, d, losers)
	return &AcceptResult{Delivery: d, Claimed: true, Expired: losers}, nil
}

func (s *Service) classifyMiss(ctx context.Context, orderID, partnerID types.ID) (*AcceptResult, error) {
	d, err := s.store.LatestByOrder(ctx, orderID)
	if errors.Is(err, delivery.ErrNotFound) {
		s.metrics.Accept("not_found")
		return nil, ErrNotFound
	}
	if err != nil {
		s.metrics.Accept("failed")
		return nil, fmt.Errorf("load delivery: %w", err)
	}
	switch {
	case d.IsAssignedTo(partnerID):
		s.metrics.Accept("repeat")
		return &AcceptResult{Delivery: d, Claimed: false}, nil
	case d.Status == delivery.StatusCancelled:
		s.metrics.Accept("no_offer")
		return nil, ErrNoOffer
	case d.Status != delivery.StatusPending:
		s.metrics.Accept("already_claimed")
		return nil, ErrAlreadyClaimed
	default:
		s.metrics.Accept("no_offer")
		return nil, ErrNoOffer
	}
}

func (s *Service) afterClaim(ctx context.Context, d *delivery.Delivery, losers []types.ID) {
	ctx = context.WithoutCancel(ctx)
	h := delivery.StatusHistory{
		DeliveryID:  d.ID,
		Status:      delivery.StatusAssigned,
		Description: "Delivery partner assigned",
		Timestamp:   derefTime(d.AssignedAt, s.now()),
		UpdatedBy:   *d.PartnerID,
	}
	s.events.Publish(ctx, delivery.StatusEvent(d, delivery.StatusPending, h))

	if len(losers) > 0 {
		audience := make([]realtime.Recipient, len(losers))
		for i, id := range losers {
			audience[i] = realtime.Recipient{UserID: id, Role: types.RolePartner}
		}
		s.events.Publish(ctx, realtime.Event{
			Type:       realtime.EventAssignmentTaken,
			DeliveryID: d.ID,
			OrderID:    d.OrderID,
			Data:       map[string]any{"orderId": d.OrderID, "deliveryId": d.ID},
			Timestamp:  h.Timestamp,
			Audience:   audience,
		})
	}

	if s.notifier == nil {
		return
	}
	for _, r := range []struct {
		id   types.ID
		role types.Role
	}{{d.CustomerID, types.RoleCustomer}, {d.ShopkeeperID, types.RoleShopkeeper}} {
		if r.id == "" {
			continue
		}
		p := notification.DeliveryAssigned{OrderID: d.OrderID, DeliveryID: d.ID, PartnerID: *d.PartnerID, Audience: r.role}
		if s.notifier.NotifyAll(ctx, []types.ID{r.id}, p) == 0 {
			s.logger.Warn("assignment notification failed",
				zap.String("delivery_id", string(d.ID)),
				zap.String("user_id", string(r.id)))
		}
	}
}

func derefTime(t *time.Time, fallback time.Time) time.Time {
	if t == nil {
		return fallback
	}
	return *t
}

// Reject declines the partner's pending offer; siblings are untouched.
func (s *Service) Reject(ctx context.Context, orderID, partnerID types.ID) (*Offer, error) {
	if orderID == "" || partnerID == "" {
		return nil, ErrInvalidInput
	}
	return s.store.Reject(ctx, orderID, partnerID, s.now())
}

// ListPending returns the partner's live offers for the polling fallback.
func (s *Service) ListPending(ctx context.Context, partnerID types.ID) ([]Offer, error) {
	if partnerID == "" {
		return nil, ErrInvalidInput
	}
	offers, err := s.store.ListPending(ctx, partnerID, s.now().Add(-s.cfg.OfferTTL))
	if err != nil {
		return nil, err
	}
	if offers == nil {
		offers = []Offer{}
	}
	return offers, nil
}

// ExpireStale expires offers older than the offer TTL and tells their partners.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	now := s.now()
	expired, err := s.store.ExpireStale(ctx, now.Add(-s.cfg.OfferTTL), now)
	if err != nil {
		return 0, err
	}
	s.metrics.OffersExpired(len(expired))
	for _, o := range expired {
		s.events.Publish(ctx, realtime.Event{
			Type:       realtime.EventOfferExpired,
			DeliveryID: o.DeliveryID,
			OrderID:    o.OrderID,
			Data:       map[string]any{"orderId": o.OrderID, "offerId": o.ID},
			Timestamp:  now,
			Audience:   []realtime.Recipient{{UserID: o.PartnerID, Role: types.RolePartner}},
		})
	}
	return len(expired), nil
}

// RunExpiryMonitor sweeps stale offers until ctx is cancelled.
func (s *Service) RunExpiryMonitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.ExpireStale(ctx)
			if err != nil {
				s.logger.Error("expire stale offers", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("expired stale offers", zap.Int("count", n))
			}
		}
	}
}
