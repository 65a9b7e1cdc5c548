// README: Dispatch store backed by PostgreSQL. Claim is the single conditional write that arbitrates first-accept.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dispatch/internal/infra"
	"dispatch/internal/modules/delivery"
	"dispatch/internal/types"
)

// errNotClaimed means the conditional update matched no row; the caller
// classifies the outcome from a fresh read.
var errNotClaimed = errors.New("delivery not claimed")

const offerColumns = `id, order_id, delivery_id, delivery_partner_id, status, notification_data, created_at, responded_at`

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) LatestByOrder(ctx context.Context, orderID types.ID) (*delivery.Delivery, error) {
	return delivery.LatestByOrder(ctx, s.db, orderID)
}

// OpenBroadcast creates the order's pending delivery unless an active one
// exists, then offers it to every partner in the plan. Partners already holding
// a live or answered offer are skipped; expired offers are reopened.
func (s *Store) OpenBroadcast(ctx context.Context, plan BroadcastPlan) (*delivery.Delivery, []Offer, error) {
	var (
		d      *delivery.Delivery
		offers []Offer
	)
	err := infra.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		var err error
		d, err = insertPending(ctx, tx, plan.Draft)
		if errors.Is(err, pgx.ErrNoRows) {
			d, err = delivery.LatestByOrder(ctx, tx, plan.Draft.OrderID)
		}
		if err != nil {
			return err
		}
		if d.Status != delivery.StatusPending {
			return ErrAlreadyClaimed
		}
		if len(plan.Partners) == 0 {
			return nil
		}

		payload := offerPayload(d, plan)
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, pid := range plan.Partners {
			batch.Queue(`
				INSERT INTO delivery_notifications (
					id, order_id, delivery_id, delivery_partner_id, status, notification_data, created_at
				) VALUES ($1, $2, $3, $4, 'pending', $5, $6)
				ON CONFLICT (delivery_id, delivery_partner_id) DO UPDATE
				SET status = 'pending',
				    notification_data = EXCLUDED.notification_data,
				    created_at = EXCLUDED.created_at,
				    responded_at = NULL
				WHERE delivery_notifications.status = 'expired'
				RETURNING `+offerColumns,
				uuid.NewString(), string(d.OrderID), string(d.ID), string(pid), string(raw), plan.Now,
			)
		}
		br := tx.SendBatch(ctx, batch)
		for range plan.Partners {
			o, err := scanOffer(br.QueryRow())
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if err != nil {
				_ = br.Close()
				return err
			}
			offers = append(offers, o)
		}
		return br.Close()
	})
	if err != nil {
		return nil, nil, err
	}
	return d, offers, nil
}

func insertPending(ctx context.Context, tx pgx.Tx, d *delivery.Delivery) (*delivery.Delivery, error) {
	var pickupLat, pickupLng, dropLat, dropLng *float64
	if d.Pickup != nil {
		pickupLat, pickupLng = &d.Pickup.Lat, &d.Pickup.Lng
	}
	if d.Dropoff != nil {
		dropLat, dropLng = &d.Dropoff.Lat, &d.Dropoff.Lng
	}
	return delivery.ScanDelivery(tx.QueryRow(ctx, `
		INSERT INTO deliveries (
			id, order_id, customer_id, shopkeeper_id, status, status_version,
			pickup_address, delivery_address, pickup_lat, pickup_lng, delivery_lat, delivery_lng,
			delivery_fee, estimated_distance_km, estimated_time_min, created_at
		) VALUES ($1, $2, $3, $4, 'pending', 0, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (order_id) WHERE status NOT IN ('delivered','cancelled') DO NOTHING
		RETURNING `+delivery.Columns,
		string(d.ID), string(d.OrderID), string(d.CustomerID), string(d.ShopkeeperID),
		d.PickupAddress, d.DeliveryAddress, pickupLat, pickupLng, dropLat, dropLng,
		d.DeliveryFee, d.EstimatedDistanceKm, d.EstimatedTimeMin, d.CreatedAt,
	))
}

// Claim assigns the order's pending delivery to partnerID if, and only if, it
// is still unassigned and the partner holds a pending offer for it. The
// delivery row is locked before any offer row, the same order a cancel uses.
// Returns the assigned delivery and the partners whose offers were expired.
func (s *Store) Claim(ctx context.Context, orderID, partnerID types.ID, now time.Time) (*delivery.Delivery, []types.ID, error) {
	var (
		d      *delivery.Delivery
		losers []types.ID
	)
	err := infra.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		var err error
		d, err = delivery.ScanDelivery(tx.QueryRow(ctx, `
			UPDATE deliveries
			SET status = 'assigned',
			    status_version = status_version + 1,
			    delivery_partner_id = $2,
			    assigned_at = $3
			WHERE order_id = $1
			  AND status = 'pending'
			  AND delivery_partner_id IS NULL
			  AND EXISTS (
			      SELECT 1 FROM delivery_notifications n
			      WHERE n.delivery_id = deliveries.id
			        AND n.delivery_partner_id = $2
			        AND n.status = 'pending'
			  )
			RETURNING `+delivery.Columns,
			string(orderID), string(partnerID), now,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			return errNotClaimed
		}
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, `
			UPDATE delivery_notifications SET status = 'accepted', responded_at = $3
			WHERE delivery_id = $1 AND delivery_partner_id = $2 AND status = 'pending'`,
			string(d.ID), string(partnerID), now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return errNotClaimed
		}

		rows, err := tx.Query(ctx, `
			UPDATE delivery_notifications SET status = 'expired', responded_at = $2
			WHERE delivery_id = $1 AND status = 'pending'
			RETURNING delivery_partner_id`, string(d.ID), now)
		if err != nil {
			return err
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}
		for _, id := range ids {
			losers = append(losers, types.ID(id))
		}

		_, err = delivery.AppendHistory(ctx, tx, delivery.StatusHistory{
			DeliveryID:  d.ID,
			Status:      delivery.StatusAssigned,
			Description: "Delivery partner assigned",
			Timestamp:   now,
			UpdatedBy:   partnerID,
		})
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return d, losers, nil
}

// Reject marks the partner's pending offer for the order as rejected.
func (s *Store) Reject(ctx context.Context, orderID, partnerID types.ID, now time.Time) (*Offer, error) {
	o, err := scanOffer(s.db.QueryRow(ctx, `
		UPDATE delivery_notifications SET status = 'rejected', responded_at = $3
		WHERE order_id = $1 AND delivery_partner_id = $2 AND status = 'pending'
		RETURNING `+offerColumns, string(orderID), string(partnerID), now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoOffer
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ListPending returns the partner's live offers, newest first. Offers created
// before notBefore are treated as expired even if the sweep has not run yet.
func (s *Store) ListPending(ctx context.Context, partnerID types.ID, notBefore time.Time) ([]Offer, error) {
	rows, err := s.db.Query(ctx, `
		SELECT n.id, n.order_id, n.delivery_id, n.delivery_partner_id, n.status,
		       n.notification_data, n.created_at, n.responded_at
		FROM delivery_notifications n
		JOIN deliveries d ON d.id = n.delivery_id
		WHERE n.delivery_partner_id = $1
		  AND n.status = 'pending'
		  AND n.created_at >= $2
		  AND d.status = 'pending'
		ORDER BY n.created_at DESC`, string(partnerID), notBefore)
	if err != nil {
		return nil, err
	}
	return collectOffers(rows)
}

// ExpireStale expires every pending offer created before cutoff.
func (s *Store) ExpireStale(ctx context.Context, cutoff, now time.Time) ([]Offer, error) {
	rows, err := s.db.Query(ctx, `
		UPDATE delivery_notifications SET status = 'expired', responded_at = $2
		WHERE status = 'pending' AND created_at < $1
		RETURNING `+offerColumns, cutoff, now)
	if err != nil {
		return nil, err
	}
	return collectOffers(rows)
}

func scanOffer(row pgx.Row) (Offer, error) {
	var o Offer
	var id, orderID, deliveryID, partnerID, status string
	var raw []byte
	if err := row.Scan(&id, &orderID, &deliveryID, &partnerID, &status, &raw, &o.CreatedAt, &o.RespondedAt); err != nil {
		return Offer{}, err
	}
	o.ID = types.ID(id)
	o.OrderID = types.ID(orderID)
	o.DeliveryID = types.ID(deliveryID)
	o.PartnerID = types.ID(partnerID)
	o.Status = OfferStatus(status)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o.Payload); err != nil {
			return Offer{}, fmt.Errorf("decode offer %s: %w", id, err)
		}
	}
	return o, nil
}

func collectOffers(rows pgx.Rows) ([]Offer, error) {
	defer rows.Close()
	var out []Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
