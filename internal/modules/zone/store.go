// README: Zone store backed by PostgreSQL.
package zone

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

const zoneColumns = `id, name, min_distance, max_distance, base_fee, per_km_rate, is_active, created_at, updated_at`

func (s *Store) List(ctx context.Context) ([]Zone, error) {
	rows, err := s.db.Query(ctx, `SELECT `+zoneColumns+` FROM delivery_zones ORDER BY max_distance`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Zone
	for rows.Next() {
		z, err := scanZone(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, z)
	}
	return out, rows.Err()
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Zone, error) {
	row := s.db.QueryRow(ctx, `SELECT `+zoneColumns+` FROM delivery_zones WHERE id = $1`, string(id))
	z, err := scanZone(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &z, nil
}

func (s *Store) Create(ctx context.Context, z *Zone) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO delivery_zones (
			id, name, min_distance, max_distance, base_fee, per_km_rate, is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		string(z.ID), z.Name, z.MinDistance, z.MaxDistance, z.BaseFee, z.PerKmRate, z.IsActive, z.CreatedAt,
	)
	return err
}

func (s *Store) Update(ctx context.Context, z *Zone) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE delivery_zones
		SET name = $2, min_distance = $3, max_distance = $4, base_fee = $5,
		    per_km_rate = $6, is_active = $7, updated_at = $8
		WHERE id = $1`,
		string(z.ID), z.Name, z.MinDistance, z.MaxDistance, z.BaseFee, z.PerKmRate, z.IsActive, z.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id types.ID) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM delivery_zones WHERE id = $1`, string(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanZone(row pgx.Row) (Zone, error) {
	var z Zone
	var id string
	err := row.Scan(&id, &z.Name, &z.MinDistance, &z.MaxDistance, &z.BaseFee, &z.PerKmRate, &z.IsActive, &z.CreatedAt, &z.UpdatedAt)
	z.ID = types.ID(id)
	return z, err
}
