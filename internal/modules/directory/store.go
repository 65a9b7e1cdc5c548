// README: Directory store reads the marketplace tables owned by the order and onboarding services.
package directory

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dispatch/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

func (s *Store) GetOrder(ctx context.Context, id types.ID) (*OrderInfo, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, customer_id, customer_name, phone, shipping_address, total_amount,
		       store_id, delivery_lat, delivery_lng, area
		FROM orders
		WHERE id = $1`, string(id),
	)
	var o OrderInfo
	var lat, lng *float64
	var area *string
	err := row.Scan(
		&o.ID, &o.CustomerID, &o.CustomerName, &o.Phone, &o.ShippingAddress, &o.TotalAmount,
		&o.StoreID, &lat, &lng, &area,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.Dropoff = point(lat, lng)
	if area != nil {
		o.Area = *area
	}
	return &o, nil
}

func (s *Store) GetStore(ctx context.Context, id types.ID) (*StoreInfo, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, owner_id, name, address, latitude, longitude
		FROM stores
		WHERE id = $1`, string(id),
	)
	var st StoreInfo
	var lat, lng *float64
	err := row.Scan(&st.ID, &st.OwnerID, &st.Name, &st.Address, &lat, &lng)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	st.Location = point(lat, lng)
	return &st, nil
}

// EligiblePartners returns approved, available partners serving area. Partners
// with no configured areas serve everywhere, and an empty area matches everyone.
func (s *Store) EligiblePartners(ctx context.Context, area string) ([]types.ID, error) {
	rows, err := s.db.Query(ctx, `
		SELECT user_id
		FROM delivery_partners
		WHERE status = $1
		  AND is_available
		  AND ($2 = '' OR cardinality(delivery_areas) = 0 OR $2 = ANY(delivery_areas))
		ORDER BY user_id`, PartnerApproved, area,
	)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	out := make([]types.ID, len(ids))
	for i, id := range ids {
		out[i] = types.ID(id)
	}
	return out, nil
}

func point(lat, lng *float64) *types.Point {
	if lat == nil || lng == nil {
		return nil
	}
	return &types.Point{Lat: *lat, Lng: *lng}
}
