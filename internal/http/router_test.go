package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"dispatch/internal/infra"
	"dispatch/internal/modules/delivery"
	"dispatch/internal/modules/dispatch"
	"dispatch/internal/modules/notification"
	"dispatch/internal/modules/tracking"
	"dispatch/internal/modules/zone"
	"dispatch/internal/types"
)

// tokenVerifier maps bearer tokens to "uid:role" identities.
type tokenVerifier map[string][2]string

func (v tokenVerifier) VerifyIDToken(_ context.Context, tok string) (*infra.FirebaseToken, error) {
	id, ok := v[tok]
	if !ok {
		return nil, errors.New("invalid token")
	}
	return &infra.FirebaseToken{UID: id[0], Claims: map[string]interface{}{"role": id[1]}}, nil
}

var tokens = tokenVerifier{
	"partner-a": {"A", "delivery_partner"},
	"partner-b": {"B", "delivery_partner"},
	"customer":  {"cust-1", "customer"},
	"shop":      {"shop-1", "shopkeeper"},
	"admin":     {"admin-1", "admin"},
}

type stubZones struct{}

func (stubZones) List(context.Context, bool) ([]zone.Zone, error) { return zone.DefaultZones(), nil }
func (stubZones) CalculateFee(_ context.Context, d float64) (zone.Quote, error) {
	return zone.Calculate(zone.DefaultZones(), d)
}
func (stubZones) Create(_ context.Context, z zone.Zone) (*zone.Zone, error) { return &z, nil }
func (stubZones) Update(_ context.Context, z zone.Zone) (*zone.Zone, error) { return &z, nil }
func (stubZones) Delete(context.Context, types.ID) error                   { return zone.ErrNotFound }

type stubDispatch struct {
	winner types.ID
}

func (s *stubDispatch) CanBroadcast(_ context.Context, _ types.ID, actor types.ID, role types.Role) error {
	if role == types.RoleAdmin || actor == "shop-1" {
		return nil
	}
	return dispatch.ErrForbidden
}

func (s *stubDispatch) Broadcast(_ context.Context, orderID types.ID) ([]dispatch.Offer, error) {
	return []dispatch.Offer{{OrderID: orderID, PartnerID: "A"}, {OrderID: orderID, PartnerID: "B"}}, nil
}

func (s *stubDispatch) ListPending(_ context.Context, partnerID types.ID) ([]dispatch.Offer, error) {
	return []dispatch.Offer{{OrderID: "100", PartnerID: partnerID}}, nil
}

func (s *stubDispatch) Accept(_ context.Context, orderID, partnerID types.ID) (*dispatch.AcceptResult, error) {
	if s.winner == "" {
		s.winner = partnerID
		return &dispatch.AcceptResult{Delivery: &delivery.Delivery{OrderID: orderID, PartnerID: &partnerID, Status: delivery.StatusAssigned}, Claimed: true}, nil
	}
	if s.winner == partnerID {
		return &dispatch.AcceptResult{Delivery: &delivery.Delivery{OrderID: orderID, PartnerID: &partnerID, Status: delivery.StatusAssigned}}, nil
	}
	return nil, dispatch.ErrAlreadyClaimed
}

func (s *stubDispatch) Reject(_ context.Context, orderID, partnerID types.ID) (*dispatch.Offer, error) {
	if orderID != "100" {
		return nil, dispatch.ErrNoOffer
	}
	return &dispatch.Offer{OrderID: orderID, PartnerID: partnerID, Status: dispatch.OfferRejected}, nil
}

func assigned() *delivery.Delivery {
	a := types.ID("A")
	return &delivery.Delivery{ID: "del-1", OrderID: "100", PartnerID: &a, CustomerID: "cust-1", ShopkeeperID: "shop-1", Status: delivery.StatusAssigned}
}

type stubTracking struct{}

func (stubTracking) Ingest(_ context.Context, u tracking.LocationUpdate) (*tracking.Location, error) {
	if u.PartnerID != "A" {
		return nil, tracking.ErrUnauthorizedLocationUpdate
	}
	return &tracking.Location{DeliveryID: u.DeliveryID, PartnerID: u.PartnerID, Latitude: u.Position.Lat, Longitude: u.Position.Lng, IsActive: true}, nil
}

func (stubTracking) View(_ context.Context, id types.ID) (*tracking.View, error) {
	if id != "del-1" {
		return nil, delivery.ErrNotFound
	}
	return &tracking.View{Delivery: assigned(), StatusHistory: []delivery.StatusHistory{}}, nil
}

func (stubTracking) ComputeRoute(_ context.Context, id types.ID, _, _ *types.Point) (*tracking.Route, error) {
	return &tracking.Route{DeliveryID: id, DistanceMeters: 3200, Provider: "haversine"}, nil
}

type stubDeliveries struct{}

func (stubDeliveries) Get(_ context.Context, id types.ID) (*delivery.Delivery, error) {
	if id != "del-1" {
		return nil, delivery.ErrNotFound
	}
	return assigned(), nil
}

func (stubDeliveries) Transition(_ context.Context, cmd delivery.TransitionCommand) (*delivery.Delivery, *delivery.StatusHistory, error) {
	d := assigned()
	if !delivery.CanTransition(d.Status, cmd.Status) {
		return nil, nil, &delivery.IllegalTransitionError{Current: d.Status, Requested: cmd.Status}
	}
	if cmd.Status != delivery.StatusCancelled && !d.IsAssignedTo(cmd.ActorID) {
		return nil, nil, delivery.ErrForbiddenActor
	}
	d.Status = cmd.Status
	return d, &delivery.StatusHistory{DeliveryID: d.ID, Status: cmd.Status, UpdatedBy: cmd.ActorID}, nil
}

func (stubDeliveries) ListByOrder(context.Context, types.ID) ([]delivery.Delivery, error) {
	return []delivery.Delivery{*assigned()}, nil
}

func (stubDeliveries) ListByPartner(_ context.Context, partnerID types.ID, _ bool) ([]delivery.Delivery, error) {
	if partnerID == "A" {
		return []delivery.Delivery{*assigned()}, nil
	}
	return nil, nil
}

func (stubDeliveries) Rate(_ context.Context, _ types.ID, _ types.ID, rating int, _ string) (*delivery.Delivery, error) {
	if rating < 1 || rating > 5 {
		return nil, delivery.ErrInvalidInput
	}
	return nil, &delivery.IllegalTransitionError{Current: delivery.StatusAssigned, Requested: delivery.StatusDelivered}
}

type stubNotifications struct{}

func (stubNotifications) List(_ context.Context, userID types.ID, _ bool) ([]notification.Notification, error) {
	return []notification.Notification{{ID: "n-1", UserID: userID, Type: notification.KindDeliveryAssigned}}, nil
}
func (stubNotifications) MarkRead(_ context.Context, id, _ types.ID) error {
	if id != "n-1" {
		return notification.ErrNotFound
	}
	return nil
}
func (stubNotifications) MarkAllRead(context.Context, types.ID) (int64, error) { return 3, nil }
func (stubNotifications) RegisterDevice(context.Context, types.ID, string, string) error {
	return nil
}

func newTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	return NewRouter(RouterDeps{
		Zones:            stubZones{},
		Dispatch:         &stubDispatch{},
		Tracking:         stubTracking{},
		Deliveries:       stubDeliveries{},
		Notifications:    stubNotifications{},
		Verifier:         tokens,
		Logger:           zap.NewNop(),
		OperationTimeout: time.Second,
	})
}

func do(r *gin.Engine, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	w := do(newTestRouter(), http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "OK", w.Body.String())
}

func TestCalculateFee(t *testing.T) {
	r := newTestRouter()
	cases := []struct {
		name   string
		body   any
		code   int
		zoneID string
		zone   string
		fee    float64
		base   float64
	}{
		{"inner city upper bound", map[string]any{"distance": 5.0}, http.StatusOK, "inner-city", "Inner City", 55, 30},
		{"just past inner city", map[string]any{"distance": 5.01}, http.StatusOK, "suburban", "Suburban", 90.08, 50},
		{"extended rural", map[string]any{"distance": 30.01}, http.StatusOK, "extended-rural", "Extended Rural", 570.15, 120},
		{"negative", map[string]any{"distance": -1}, http.StatusBadRequest, "", "", 0, 0},
		{"missing", map[string]any{}, http.StatusBadRequest, "", "", 0, 0},
		{"not a number", map[string]any{"distance": "far"}, http.StatusBadRequest, "", "", 0, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(r, http.MethodPost, "/api/calculate-delivery-fee", "", tc.body)
			require.Equal(t, tc.code, w.Code, w.Body.String())
			if tc.code != http.StatusOK {
				return
			}
			out := decode(t, w)
			fee, ok := out["fee"].(float64)
			require.True(t, ok, "fee should be a JSON number: %s", w.Body.String())
			require.InDelta(t, tc.fee, fee, 1e-9)

			z, ok := out["zone"].(map[string]any)
			require.True(t, ok, "zone should be an object: %s", w.Body.String())
			require.Equal(t, tc.zoneID, z["id"])
			require.Equal(t, tc.zone, z["name"])
			require.InDelta(t, tc.base, z["baseFee"], 1e-9)

			breakdown, ok := out["breakdown"].(map[string]any)
			require.True(t, ok)
			require.InDelta(t, tc.base, breakdown["baseFee"], 1e-9)
			require.InDelta(t, tc.fee-tc.base, breakdown["distanceFee"], 1e-9)
			require.InDelta(t, tc.fee, breakdown["totalFee"], 1e-9)
		})
	}
}

func TestAcceptRace_SecondPartnerGetsConflict(t *testing.T) {
	r := newTestRouter()

	w := do(r, http.MethodPost, "/api/delivery-notifications/100/accept", "partner-a", map[string]any{"deliveryPartnerId": "A"})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	require.Equal(t, "100", body["orderId"])
	require.Equal(t, "A", body["deliveryPartnerId"])
	require.Equal(t, "assigned", body["status"])
	require.NotContains(t, body, "delivery")
	require.NotContains(t, body, "claimed")

	w = do(r, http.MethodPost, "/api/delivery-notifications/100/accept", "partner-b", nil)
	require.Equal(t, http.StatusConflict, w.Code)

	// The winner repeating the accept gets the same delivery back.
	w = do(r, http.MethodPost, "/api/delivery-notifications/100/accept", "partner-a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	require.Equal(t, "A", body["deliveryPartnerId"])
	require.Equal(t, "assigned", body["status"])
}

func TestAccept_CannotActForAnotherPartner(t *testing.T) {
	r := newTestRouter()
	w := do(r, http.MethodPost, "/api/delivery-notifications/100/accept", "partner-b", map[string]any{"deliveryPartnerId": "A"})
	require.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodPost, "/api/delivery-notifications/100/accept", "customer", nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodPost, "/api/delivery-notifications/100/accept", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestReject_NoOfferIsForbidden(t *testing.T) {
	r := newTestRouter()
	w := do(r, http.MethodPost, "/api/delivery-notifications/100/reject", "partner-b", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "rejected", decode(t, w)["status"])

	w = do(r, http.MethodPost, "/api/delivery-notifications/999/reject", "partner-b", nil)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestBroadcast_RoleAndOwnership(t *testing.T) {
	r := newTestRouter()
	w := do(r, http.MethodPost, "/api/delivery-notifications/broadcast/100", "shop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 2, decode(t, w)["notified"])

	w = do(r, http.MethodPost, "/api/delivery-notifications/broadcast/100", "partner-a", nil)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestListPending_AdminMayNamePartner(t *testing.T) {
	r := newTestRouter()
	w := do(r, http.MethodGet, "/api/delivery-notifications?deliveryPartnerId=B", "admin", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(r, http.MethodGet, "/api/delivery-notifications?deliveryPartnerId=B", "partner-a", nil)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestUpdateLocation(t *testing.T) {
	r := newTestRouter()
	body := map[string]any{"deliveryId": "del-1", "latitude": 25.04, "longitude": 121.55}

	w := do(r, http.MethodPost, "/api/tracking/location", "partner-a", body)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, true, decode(t, w)["isActive"])

	w = do(r, http.MethodPost, "/api/tracking/location", "partner-b", body)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(r, http.MethodPost, "/api/tracking/location", "partner-a", map[string]any{"deliveryId": "del-1", "latitude": 25.04})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = do(r, http.MethodPost, "/api/tracking/location", "customer", body)
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestUpdateStatus(t *testing.T) {
	r := newTestRouter()

	w := do(r, http.MethodPatch, "/api/tracking/status/del-1", "partner-a", map[string]any{"status": "delivered", "updatedBy": "A"})
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "assigned", decode(t, w)["currentStatus"])

	w = do(r, http.MethodPatch, "/api/tracking/status/del-1", "partner-b", map[string]any{"status": "en_route_pickup"})
	require.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodPatch, "/api/tracking/status/del-1", "partner-b", map[string]any{"status": "en_route_pickup", "updatedBy": "A"})
	require.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodPatch, "/api/tracking/status/del-1", "partner-a", map[string]any{"status": "en_route_pickup", "latitude": 25.03, "longitude": 121.56})
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	require.Equal(t, "en_route_pickup", out["delivery"].(map[string]any)["status"])
	require.Equal(t, "A", out["history"].(map[string]any)["updatedBy"])
}

func TestTrackingView_PartiesOnly(t *testing.T) {
	r := newTestRouter()
	for _, tok := range []string{"customer", "shop", "partner-a", "admin"} {
		w := do(r, http.MethodGet, "/api/tracking/del-1", tok, nil)
		require.Equal(t, http.StatusOK, w.Code, tok)
	}
	w := do(r, http.MethodGet, "/api/tracking/del-1", "partner-b", nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodGet, "/api/tracking/nope", "admin", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = do(r, http.MethodPost, "/api/tracking/route/del-1", "customer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 3200, decode(t, w)["distanceMeters"])
}

func TestDeliveriesAndRating(t *testing.T) {
	r := newTestRouter()
	w := do(r, http.MethodGet, "/api/deliveries/partner/A", "partner-a", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode(t, w)["deliveries"], 1)

	w = do(r, http.MethodGet, "/api/deliveries/partner/A", "partner-b", nil)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = do(r, http.MethodGet, "/api/deliveries/order/100", "partner-b", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Empty(t, decode(t, w)["deliveries"])

	w = do(r, http.MethodPost, "/api/deliveries/del-1/rating", "customer", map[string]any{"rating": 9})
	require.Equal(t, http.StatusBadRequest, w.Code)
	w = do(r, http.MethodPost, "/api/deliveries/del-1/rating", "customer", map[string]any{"rating": 5})
	require.Equal(t, http.StatusConflict, w.Code)
	w = do(r, http.MethodPost, "/api/deliveries/del-1/rating", "partner-a", map[string]any{"rating": 5})
	require.Equal(t, http.StatusForbidden, w.Code)
}

func TestNotificationsInbox(t *testing.T) {
	r := newTestRouter()
	w := do(r, http.MethodGet, "/api/notifications?unread=true", "customer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode(t, w)["notifications"], 1)

	require.Equal(t, http.StatusOK, do(r, http.MethodPut, "/api/notifications/n-1/read", "customer", nil).Code)
	require.Equal(t, http.StatusNotFound, do(r, http.MethodPut, "/api/notifications/n-2/read", "customer", nil).Code)

	w = do(r, http.MethodPut, "/api/notifications/read-all", "customer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.EqualValues(t, 3, decode(t, w)["updated"])

	require.Equal(t, http.StatusNoContent, do(r, http.MethodPost, "/api/notifications/devices", "partner-a", map[string]any{"token": "fcm-1", "platform": "android"}).Code)
	require.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/api/notifications/devices", "partner-a", map[string]any{}).Code)
}

func TestAdminZones(t *testing.T) {
	r := newTestRouter()
	zoneBody := map[string]any{"name": "Metro", "minDistance": "0", "maxDistance": "5", "baseFee": "30", "perKmRate": "5"}

	require.Equal(t, http.StatusForbidden, do(r, http.MethodPost, "/api/admin/delivery-zones", "shop", zoneBody).Code)
	w := do(r, http.MethodPost, "/api/admin/delivery-zones", "admin", zoneBody)
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, float64(30), decode(t, w)["baseFee"])
	require.Equal(t, http.StatusNotFound, do(r, http.MethodDelete, "/api/admin/delivery-zones/missing", "admin", nil).Code)

	w = do(r, http.MethodGet, "/api/delivery-zones", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	zones := decode(t, w)["zones"].([]any)
	require.Len(t, zones, 4)
	require.Equal(t, float64(5), zones[0].(map[string]any)["maxDistance"])
}
