package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dispatch/internal/maps"
	"dispatch/internal/modules/delivery"
	"dispatch/internal/realtime"
	"dispatch/internal/types"
)

type fakeLocations struct {
	mu         sync.Mutex
	deliveries map[types.ID]*delivery.Delivery
	samples    []Location
	routes     map[types.ID]*Route
	insertErr  error
}

func newFakeLocations(ds ...*delivery.Delivery) *fakeLocations {
	f := &fakeLocations{deliveries: map[types.ID]*delivery.Delivery{}, routes: map[types.ID]*Route{}}
	for _, d := range ds {
		f.deliveries[d.ID] = d
	}
	return f
}

func (f *fakeLocations) Insert(_ context.Context, u LocationUpdate) (*Recorded, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return nil, f.insertErr
	}
	d, ok := f.deliveries[u.DeliveryID]
	if !ok || !d.IsAssignedTo(u.PartnerID) || !d.Status.Trackable() {
		return nil, ErrUnauthorizedLocationUpdate
	}
	loc := Location{
		ID:         int64(len(f.samples) + 1),
		DeliveryID: u.DeliveryID,
		PartnerID:  u.PartnerID,
		Latitude:   u.Position.Lat,
		Longitude:  u.Position.Lng,
		Heading:    u.Heading,
		Speed:      u.Speed,
		Accuracy:   u.Accuracy,
		Timestamp:  time.Now(),
		IsActive:   true,
	}
	f.samples = append(f.samples, loc)
	return &Recorded{Location: loc, OrderID: d.OrderID, CustomerID: d.CustomerID, ShopkeeperID: d.ShopkeeperID}, nil
}

func (f *fakeLocations) Current(_ context.Context, id types.ID) (*Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.samples) - 1; i >= 0; i-- {
		if f.samples[i].DeliveryID == id && f.samples[i].IsActive {
			loc := f.samples[i]
			return &loc, nil
		}
	}
	return nil, ErrNotFound
}

func (f *fakeLocations) History(_ context.Context, id types.ID, limit int) ([]Location, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Location
	for i := len(f.samples) - 1; i >= 0 && len(out) < limit; i-- {
		if f.samples[i].DeliveryID == id {
			out = append(out, f.samples[i])
		}
	}
	return out, nil
}

func (f *fakeLocations) Route(_ context.Context, id types.ID) (*Route, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.routes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (f *fakeLocations) UpsertRoute(_ context.Context, r *Route) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[r.DeliveryID] = r
	return nil
}

type fakeDeliveries struct {
	byID map[types.ID]*delivery.Delivery
}

func (f fakeDeliveries) Get(_ context.Context, id types.ID) (*delivery.Delivery, error) {
	d, ok := f.byID[id]
	if !ok {
		return nil, delivery.ErrNotFound
	}
	return d, nil
}

func (f fakeDeliveries) History(_ context.Context, id types.ID) ([]delivery.StatusHistory, error) {
	return []delivery.StatusHistory{{DeliveryID: id, Status: delivery.StatusAssigned}}, nil
}

type recordingPositions struct {
	mu   sync.Mutex
	seen map[types.ID]types.Point
	err  error
}

func (p *recordingPositions) SetPartnerPosition(_ context.Context, id types.ID, pos types.Point) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen == nil {
		p.seen = map[types.ID]types.Point{}
	}
	p.seen[id] = pos
	return p.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e realtime.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func activeDelivery(status delivery.Status) *delivery.Delivery {
	partner := types.ID("partner-a")
	return &delivery.Delivery{
		ID:           "del-1",
		OrderID:      "100",
		PartnerID:    &partner,
		CustomerID:   "cust-1",
		ShopkeeperID: "shop-1",
		Status:       status,
		Pickup:       &types.Point{Lat: 25.0330, Lng: 121.5654},
		Dropoff:      &types.Point{Lat: 25.0478, Lng: 121.5170},
	}
}

func newTestService(d *delivery.Delivery) (*Service, *fakeLocations, *recordingPositions, *recordingPublisher) {
	locs := newFakeLocations(d)
	pos := &recordingPositions{}
	pub := &recordingPublisher{}
	svc := NewService(locs, fakeDeliveries{byID: map[types.ID]*delivery.Delivery{d.ID: d}}, pos, maps.HaversineEstimator{}, pub, zap.NewNop(), nil)
	return svc, locs, pos, pub
}

func ptr(v float64) *float64 { return &v }

func TestIngest_AssignedPartnerIsFannedOut(t *testing.T) {
	svc, _, pos, pub := newTestService(activeDelivery(delivery.StatusPickedUp))

	loc, err := svc.Ingest(context.Background(), LocationUpdate{
		DeliveryID: "del-1",
		PartnerID:  "partner-a",
		Position:   types.Point{Lat: 25.04, Lng: 121.55},
		Heading:    ptr(90),
		Speed:      ptr(8.5),
	})
	require.NoError(t, err)
	require.True(t, loc.IsActive)
	require.Equal(t, types.Point{Lat: 25.04, Lng: 121.55}, pos.seen["partner-a"])

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	require.Equal(t, realtime.EventLocationUpdate, ev.Type)
	require.Equal(t, types.ID("100"), ev.OrderID)
	require.ElementsMatch(t, []realtime.Recipient{
		{UserID: "cust-1", Role: types.RoleCustomer},
		{UserID: "shop-1", Role: types.RoleShopkeeper},
	}, ev.Audience)
}

func TestIngest_RejectsOtherPartnerWithoutSideEffects(t *testing.T) {
	svc, locs, pos, pub := newTestService(activeDelivery(delivery.StatusPickedUp))

	_, err := svc.Ingest(context.Background(), LocationUpdate{
		DeliveryID: "del-1",
		PartnerID:  "partner-b",
		Position:   types.Point{Lat: 25.04, Lng: 121.55},
	})
	require.ErrorIs(t, err, ErrUnauthorizedLocationUpdate)
	require.Empty(t, locs.samples)
	require.Empty(t, pos.seen)
	require.Empty(t, pub.events)
}

func TestIngest_RejectsInactiveDelivery(t *testing.T) {
	for _, st := range []delivery.Status{delivery.StatusPending, delivery.StatusArrivedDelivery, delivery.StatusDelivered, delivery.StatusCancelled} {
		svc, _, _, _ := newTestService(activeDelivery(st))
		_, err := svc.Ingest(context.Background(), LocationUpdate{
			DeliveryID: "del-1",
			PartnerID:  "partner-a",
			Position:   types.Point{Lat: 25.04, Lng: 121.55},
		})
		require.ErrorIs(t, err, ErrUnauthorizedLocationUpdate, "status %s", st)
	}
}

func TestIngest_FollowsDeliveryLifecycle(t *testing.T) {
	d := activeDelivery(delivery.StatusAssigned)
	svc, locs, _, _ := newTestService(d)
	ctx := context.Background()
	sample := func(partner types.ID) error {
		_, err := svc.Ingest(ctx, LocationUpdate{DeliveryID: "del-1", PartnerID: partner, Position: types.Point{Lat: 25.04, Lng: 121.55}})
		return err
	}

	steps := []struct {
		status  delivery.Status
		ownerOK bool
	}{
		{delivery.StatusPickedUp, true},
		{delivery.StatusEnRouteDelivery, true},
		{delivery.StatusArrivedDelivery, false},
		{delivery.StatusDelivered, false},
	}
	written := 0
	for _, st := range steps {
		d.Status = st.status

		require.ErrorIs(t, sample("partner-b"), ErrUnauthorizedLocationUpdate, "other partner at %s", st.status)
		require.Len(t, locs.samples, written, "rejected sample must not be stored")

		err := sample("partner-a")
		if st.ownerOK {
			require.NoError(t, err, "assigned partner at %s", st.status)
			written++
		} else {
			require.ErrorIs(t, err, ErrUnauthorizedLocationUpdate, "assigned partner at %s", st.status)
		}
		require.Len(t, locs.samples, written)
	}
	for _, l := range locs.samples {
		require.Equal(t, types.ID("partner-a"), l.PartnerID)
	}
}

func TestIngest_ValidatesSample(t *testing.T) {
	svc, locs, _, _ := newTestService(activeDelivery(delivery.StatusAssigned))
	cases := map[string]LocationUpdate{
		"latitude":  {Position: types.Point{Lat: 91, Lng: 0}},
		"longitude": {Position: types.Point{Lat: 0, Lng: -181}},
		"heading":   {Position: types.Point{Lat: 1, Lng: 1}, Heading: ptr(360)},
		"speed":     {Position: types.Point{Lat: 1, Lng: 1}, Speed: ptr(-1)},
		"accuracy":  {Position: types.Point{Lat: 1, Lng: 1}, Accuracy: ptr(-0.5)},
	}
	for name, u := range cases {
		u.DeliveryID = "del-1"
		u.PartnerID = "partner-a"
		_, err := svc.Ingest(context.Background(), u)
		require.ErrorIs(t, err, ErrInvalidInput, name)
	}
	require.Empty(t, locs.samples)
}

func TestIngest_PositionIndexFailureIsTolerated(t *testing.T) {
	svc, _, pos, pub := newTestService(activeDelivery(delivery.StatusEnRouteDelivery))
	pos.err = errors.New("redis down")

	_, err := svc.Ingest(context.Background(), LocationUpdate{
		DeliveryID: "del-1",
		PartnerID:  "partner-a",
		Position:   types.Point{Lat: 25.04, Lng: 121.55},
	})
	require.NoError(t, err)
	require.Len(t, pub.events, 1)
}

func TestCurrent_ReturnsLatestSample(t *testing.T) {
	svc, _, _, _ := newTestService(activeDelivery(delivery.StatusEnRouteDelivery))
	ctx := context.Background()

	_, err := svc.Current(ctx, "del-1")
	require.ErrorIs(t, err, ErrNotFound)

	for _, p := range []types.Point{{Lat: 25.01, Lng: 121.5}, {Lat: 25.02, Lng: 121.5}} {
		_, err := svc.Ingest(ctx, LocationUpdate{DeliveryID: "del-1", PartnerID: "partner-a", Position: p})
		require.NoError(t, err)
	}
	loc, err := svc.Current(ctx, "del-1")
	require.NoError(t, err)
	require.InDelta(t, 25.02, loc.Latitude, 1e-9)

	hist, err := svc.History(ctx, "del-1", 0)
	require.NoError(t, err)
	require.Len(t, hist, 2)
}

func TestView_WithoutLocationOrRoute(t *testing.T) {
	svc, _, _, _ := newTestService(activeDelivery(delivery.StatusAssigned))

	v, err := svc.View(context.Background(), "del-1")
	require.NoError(t, err)
	require.Equal(t, types.ID("del-1"), v.Delivery.ID)
	require.Nil(t, v.CurrentLocation)
	require.Nil(t, v.Route)
	require.Len(t, v.StatusHistory, 1)

	_, err = svc.View(context.Background(), "missing")
	require.ErrorIs(t, err, delivery.ErrNotFound)
}

func TestComputeRoute_DefaultsToDeliveryEndpoints(t *testing.T) {
	svc, locs, _, pub := newTestService(activeDelivery(delivery.StatusAssigned))

	r, err := svc.ComputeRoute(context.Background(), "del-1", nil, nil)
	require.NoError(t, err)
	require.Equal(t, maps.ProviderHaversine, r.Provider)
	require.Positive(t, r.DistanceMeters)
	require.Same(t, r, locs.routes["del-1"])

	require.Len(t, pub.events, 1)
	require.Equal(t, realtime.EventRouteUpdate, pub.events[0].Type)

	v, err := svc.View(context.Background(), "del-1")
	require.NoError(t, err)
	require.NotNil(t, v.Route)
}

func TestComputeRoute_MissingCoordinates(t *testing.T) {
	d := activeDelivery(delivery.StatusAssigned)
	d.Dropoff = nil
	svc, _, _, _ := newTestService(d)

	_, err := svc.ComputeRoute(context.Background(), "del-1", nil, nil)
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.ComputeRoute(context.Background(), "del-1", nil, &types.Point{Lat: 25.05, Lng: 121.52})
	require.NoError(t, err)
}

func TestReportLocation_UsesSocketIdentity(t *testing.T) {
	svc, _, pos, pub := newTestService(activeDelivery(delivery.StatusPickedUp))

	out, err := svc.ReportLocation(context.Background(), "partner-a", realtime.LocationReport{
		DeliveryID: "del-1",
		Latitude:   25.05,
		Longitude:  121.56,
		Accuracy:   ptr(4),
	})
	require.NoError(t, err)
	loc, ok := out.(*Location)
	require.True(t, ok)
	require.Equal(t, types.ID("partner-a"), loc.PartnerID)
	require.Contains(t, pos.seen, types.ID("partner-a"))
	require.Len(t, pub.events, 1)

	_, err = svc.ReportLocation(context.Background(), "partner-b", realtime.LocationReport{DeliveryID: "del-1", Latitude: 1, Longitude: 1})
	require.ErrorIs(t, err, ErrUnauthorizedLocationUpdate)
	require.ErrorIs(t, err, realtime.ErrReportUnauthorized)

	_, err = svc.ReportLocation(context.Background(), "partner-a", realtime.LocationReport{DeliveryID: "del-1", Latitude: 95, Longitude: 1})
	require.ErrorIs(t, err, realtime.ErrReportInvalid)
}
