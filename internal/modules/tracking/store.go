// README: Tracking store backed by PostgreSQL; samples are only written for the assigned partner of a trackable delivery.
package tracking

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dispatch/internal/modules/delivery"
	"dispatch/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// Insert writes the sample in a single statement guarded by the delivery's
// partner and status. The delivery row is share-locked so a concurrent
// terminal transition either sees this sample or rejects it.
func (s *Store) Insert(ctx context.Context, u LocationUpdate) (*Recorded, error) {
	row := s.db.QueryRow(ctx, `
		WITH d AS (
			SELECT id, order_id, customer_id, shopkeeper_id
			FROM deliveries
			WHERE id = $1 AND delivery_partner_id = $2 AND status = ANY($8)
			FOR SHARE
		), ins AS (
			INSERT INTO delivery_location_tracking (
				delivery_id, delivery_partner_id, current_latitude, current_longitude,
				heading, speed, accuracy, timestamp, is_active
			)
			SELECT d.id, $2, $3, $4, $5, $6, $7, NOW(), TRUE FROM d
			RETURNING id, timestamp
		)
		SELECT ins.id, ins.timestamp, d.order_id, d.customer_id, d.shopkeeper_id
		FROM ins CROSS JOIN d`,
		string(u.DeliveryID), string(u.PartnerID), u.Position.Lat, u.Position.Lng,
		u.Heading, u.Speed, u.Accuracy, delivery.TrackableStatuses,
	)

	rec := Recorded{Location: Location{
		DeliveryID: u.DeliveryID,
		PartnerID:  u.PartnerID,
		Latitude:   u.Position.Lat,
		Longitude:  u.Position.Lng,
		Heading:    u.Heading,
		Speed:      u.Speed,
		Accuracy:   u.Accuracy,
		IsActive:   true,
	}}
	var orderID, customerID, shopkeeperID string
	err := row.Scan(&rec.Location.ID, &rec.Location.Timestamp, &orderID, &customerID, &shopkeeperID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnauthorizedLocationUpdate
	}
	if err != nil {
		return nil, err
	}
	rec.OrderID = types.ID(orderID)
	rec.CustomerID = types.ID(customerID)
	rec.ShopkeeperID = types.ID(shopkeeperID)
	return &rec, nil
}

const locationColumns = `id, delivery_id, delivery_partner_id, current_latitude, current_longitude,
	heading, speed, accuracy, timestamp, is_active`

func (s *Store) Current(ctx context.Context, deliveryID types.ID) (*Location, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+locationColumns+`
		FROM delivery_location_tracking
		WHERE delivery_id = $1 AND is_active
		ORDER BY timestamp DESC, id DESC
		LIMIT 1`, string(deliveryID))
	l, err := scanLocation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Store) History(ctx context.Context, deliveryID types.ID, limit int) ([]Location, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+locationColumns+`
		FROM delivery_location_tracking
		WHERE delivery_id = $1
		ORDER BY timestamp DESC, id DESC
		LIMIT $2`, string(deliveryID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Location
	for rows.Next() {
		l, err := scanLocation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) Route(ctx context.Context, deliveryID types.ID) (*Route, error) {
	var r Route
	var id string
	err := s.db.QueryRow(ctx, `
		SELECT delivery_id, pickup_lat, pickup_lng, delivery_lat, delivery_lng, route_geometry,
		       distance_meters, estimated_duration_seconds, actual_duration_seconds, provider,
		       created_at, updated_at
		FROM delivery_routes
		WHERE delivery_id = $1`, string(deliveryID),
	).Scan(&id, &r.Pickup.Lat, &r.Pickup.Lng, &r.Dropoff.Lat, &r.Dropoff.Lng, &r.Polyline,
		&r.DistanceMeters, &r.EstimatedDurationSeconds, &r.ActualDurationSeconds, &r.Provider,
		&r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.DeliveryID = types.ID(id)
	return &r, nil
}

func (s *Store) UpsertRoute(ctx context.Context, r *Route) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO delivery_routes (
			delivery_id, pickup_lat, pickup_lng, delivery_lat, delivery_lng, route_geometry,
			distance_meters, estimated_duration_seconds, provider, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (delivery_id) DO UPDATE SET
			pickup_lat = EXCLUDED.pickup_lat,
			pickup_lng = EXCLUDED.pickup_lng,
			delivery_lat = EXCLUDED.delivery_lat,
			delivery_lng = EXCLUDED.delivery_lng,
			route_geometry = EXCLUDED.route_geometry,
			distance_meters = EXCLUDED.distance_meters,
			estimated_duration_seconds = EXCLUDED.estimated_duration_seconds,
			provider = EXCLUDED.provider,
			updated_at = EXCLUDED.updated_at`,
		string(r.DeliveryID), r.Pickup.Lat, r.Pickup.Lng, r.Dropoff.Lat, r.Dropoff.Lng, r.Polyline,
		r.DistanceMeters, r.EstimatedDurationSeconds, r.Provider, r.UpdatedAt,
	)
	return err
}

func scanLocation(row pgx.Row) (Location, error) {
	var l Location
	var deliveryID, partnerID string
	err := row.Scan(&l.ID, &deliveryID, &partnerID, &l.Latitude, &l.Longitude,
		&l.Heading, &l.Speed, &l.Accuracy, &l.Timestamp, &l.IsActive)
	l.DeliveryID = types.ID(deliveryID)
	l.PartnerID = types.ID(partnerID)
	return l, err
}
