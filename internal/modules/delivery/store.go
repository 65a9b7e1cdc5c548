// README: Delivery store backed by PostgreSQL; status changes are conditional on the prior status and version.
package delivery

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"dispatch/internal/infra"
	"dispatch/internal/types"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Columns is the canonical select list understood by ScanDelivery.
const Columns = `id, order_id, delivery_partner_id, customer_id, shopkeeper_id, status, status_version,
	pickup_address, delivery_address, pickup_lat, pickup_lng, delivery_lat, delivery_lng,
	delivery_fee, estimated_distance_km, estimated_time_min,
	created_at, assigned_at, picked_up_at, delivered_at, cancelled_at,
	customer_rating, customer_feedback`

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Delivery, error) {
	d, err := ScanDelivery(s.db.QueryRow(ctx, `SELECT `+Columns+` FROM deliveries WHERE id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// LatestByOrder returns the order's non-terminal delivery, or its most recent one.
func (s *Store) LatestByOrder(ctx context.Context, orderID types.ID) (*Delivery, error) {
	return LatestByOrder(ctx, s.db, orderID)
}

func LatestByOrder(ctx context.Context, q DBTX, orderID types.ID) (*Delivery, error) {
	d, err := ScanDelivery(q.QueryRow(ctx, `
		SELECT `+Columns+`
		FROM deliveries
		WHERE order_id = $1
		ORDER BY (status NOT IN ('delivered','cancelled')) DESC, created_at DESC
		LIMIT 1`, string(orderID)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (s *Store) ListByOrder(ctx context.Context, orderID types.ID) ([]Delivery, error) {
	rows, err := s.db.Query(ctx, `SELECT `+Columns+` FROM deliveries WHERE order_id = $1 ORDER BY created_at DESC`, string(orderID))
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

func (s *Store) ListByPartner(ctx context.Context, partnerID types.ID, activeOnly bool) ([]Delivery, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+Columns+`
		FROM deliveries
		WHERE delivery_partner_id = $1
		  AND (NOT $2 OR status NOT IN ('delivered','cancelled'))
		ORDER BY created_at DESC
		LIMIT 100`, string(partnerID), activeOnly)
	if err != nil {
		return nil, err
	}
	return collect(rows)
}

// ApplyTransition moves cur to next and appends h in one transaction.
// It returns ErrConflict when cur's status or version is stale.
func (s *Store) ApplyTransition(ctx context.Context, cur *Delivery, next Status, h StatusHistory) (*Delivery, error) {
	var updated *Delivery
	err := infra.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		d, err := ScanDelivery(tx.QueryRow(ctx, `
			UPDATE deliveries
			SET status = $2,
			    status_version = status_version + 1,
			    picked_up_at = CASE WHEN $2 = 'picked_up' THEN $4 ELSE picked_up_at END,
			    delivered_at = CASE WHEN $2 = 'delivered' THEN $4 ELSE delivered_at END,
			    cancelled_at = CASE WHEN $2 = 'cancelled' THEN $4 ELSE cancelled_at END
			WHERE id = $1 AND status = $3 AND status_version = $5
			RETURNING `+Columns,
			string(cur.ID), string(next), string(cur.Status), h.Timestamp, cur.StatusVersion,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrConflict
		}
		if err != nil {
			return err
		}

		if _, err := AppendHistory(ctx, tx, h); err != nil {
			return err
		}

		if next.Terminal() {
			if _, err := tx.Exec(ctx, `
				UPDATE delivery_location_tracking SET is_active = FALSE
				WHERE delivery_id = $1 AND is_active`, string(cur.ID)); err != nil {
				return err
			}
		}
		switch next {
		case StatusDelivered:
			if _, err := tx.Exec(ctx, `
				UPDATE delivery_routes
				SET actual_duration_seconds = GREATEST(0, EXTRACT(EPOCH FROM ($2::timestamptz - d.assigned_at)))::int,
				    updated_at = $2
				FROM deliveries d
				WHERE delivery_routes.delivery_id = $1 AND d.id = $1 AND d.assigned_at IS NOT NULL`,
				string(cur.ID), h.Timestamp); err != nil {
				return err
			}
		case StatusCancelled:
			if _, err := tx.Exec(ctx, `
				UPDATE delivery_notifications SET status = 'expired', responded_at = $2
				WHERE delivery_id = $1 AND status = 'pending'`, string(cur.ID), h.Timestamp); err != nil {
				return err
			}
		}
		updated = d
		return nil
	})
	return updated, err
}

// AppendHistory inserts one audit row and returns its id.
func AppendHistory(ctx context.Context, q DBTX, h StatusHistory) (int64, error) {
	var lat, lng *float64
	if h.Location != nil {
		lat, lng = &h.Location.Lat, &h.Location.Lng
	}
	var id int64
	err := q.QueryRow(ctx, `
		INSERT INTO delivery_status_history (
			delivery_id, status, description, latitude, longitude, timestamp, updated_by, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		string(h.DeliveryID), string(h.Status), h.Description, lat, lng, h.Timestamp, string(h.UpdatedBy), nullableJSON(h.Metadata),
	).Scan(&id)
	return id, err
}

func (s *Store) History(ctx context.Context, deliveryID types.ID) ([]StatusHistory, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, delivery_id, status, description, latitude, longitude, timestamp, updated_by, metadata
		FROM delivery_status_history
		WHERE delivery_id = $1
		ORDER BY timestamp, id`, string(deliveryID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StatusHistory
	for rows.Next() {
		var h StatusHistory
		var deliveryID, updatedBy, status string
		var lat, lng *float64
		var meta []byte
		if err := rows.Scan(&h.ID, &deliveryID, &status, &h.Description, &lat, &lng, &h.Timestamp, &updatedBy, &meta); err != nil {
			return nil, err
		}
		h.DeliveryID = types.ID(deliveryID)
		h.Status = Status(status)
		h.UpdatedBy = types.ID(updatedBy)
		if lat != nil && lng != nil {
			h.Location = &types.Point{Lat: *lat, Lng: *lng}
		}
		if len(meta) > 0 {
			h.Metadata = json.RawMessage(meta)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// Rate records the customer's rating once; it fails with ErrConflict when the
// delivery is not delivered, belongs to someone else, or is already rated.
func (s *Store) Rate(ctx context.Context, id, customerID types.ID, rating int, feedback *string) (*Delivery, error) {
	d, err := ScanDelivery(s.db.QueryRow(ctx, `
		UPDATE deliveries
		SET customer_rating = $3, customer_feedback = $4
		WHERE id = $1 AND customer_id = $2 AND status = 'delivered' AND customer_rating IS NULL
		RETURNING `+Columns, string(id), string(customerID), rating, feedback))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrConflict
	}
	return d, err
}

// ScanDelivery reads one row selected with Columns.
func ScanDelivery(row pgx.Row) (*Delivery, error) {
	var d Delivery
	var id, orderID, customerID, shopkeeperID, status string
	var partnerID *string
	var pickupLat, pickupLng, dropLat, dropLng *float64
	err := row.Scan(
		&id, &orderID, &partnerID, &customerID, &shopkeeperID, &status, &d.StatusVersion,
		&d.PickupAddress, &d.DeliveryAddress, &pickupLat, &pickupLng, &dropLat, &dropLng,
		&d.DeliveryFee, &d.EstimatedDistanceKm, &d.EstimatedTimeMin,
		&d.CreatedAt, &d.AssignedAt, &d.PickedUpAt, &d.DeliveredAt, &d.CancelledAt,
		&d.CustomerRating, &d.CustomerFeedback,
	)
	if err != nil {
		return nil, err
	}
	d.ID = types.ID(id)
	d.OrderID = types.ID(orderID)
	d.CustomerID = types.ID(customerID)
	d.ShopkeeperID = types.ID(shopkeeperID)
	d.Status = Status(status)
	if partnerID != nil {
		p := types.ID(*partnerID)
		d.PartnerID = &p
	}
	if pickupLat != nil && pickupLng != nil {
		d.Pickup = &types.Point{Lat: *pickupLat, Lng: *pickupLng}
	}
	if dropLat != nil && dropLng != nil {
		d.Dropoff = &types.Point{Lat: *dropLat, Lng: *dropLng}
	}
	return &d, nil
}

func collect(rows pgx.Rows) ([]Delivery, error) {
	defer rows.Close()
	var out []Delivery
	for rows.Next() {
		d, err := ScanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
