// README: Notification and device-token store backed by PostgreSQL.
package notification

import (
	"context"
	"encoding/json"
	"fmt"

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

func (s *Store) Insert(ctx context.Context, n *Notification) error {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	var orderID *string
	if n.OrderID != nil {
		v := string(*n.OrderID)
		orderID = &v
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, data, order_id, is_read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)`,
		string(n.ID), string(n.UserID), string(n.Type), n.Title, n.Message, string(data), orderID, n.CreatedAt,
	)
	return err
}

func (s *Store) List(ctx context.Context, userID types.ID, unreadOnly bool, limit int) ([]Notification, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_id, type, title, message, data, order_id, is_read, created_at
		FROM notifications
		WHERE user_id = $1 AND (NOT $2 OR NOT is_read)
		ORDER BY created_at DESC
		LIMIT $3`, string(userID), unreadOnly, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) MarkRead(ctx context.Context, id, userID types.ID) error {
	tag, err := s.db.Exec(ctx, `UPDATE notifications SET is_read = TRUE WHERE id = $1 AND user_id = $2`, string(id), string(userID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) MarkAllRead(ctx context.Context, userID types.ID) (int64, error) {
	tag, err := s.db.Exec(ctx, `UPDATE notifications SET is_read = TRUE WHERE user_id = $1 AND NOT is_read`, string(userID))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) UpsertDevice(ctx context.Context, d Device) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO device_tokens (token, user_id, platform, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (token) DO UPDATE
		SET user_id = EXCLUDED.user_id, platform = EXCLUDED.platform, updated_at = EXCLUDED.updated_at`,
		d.Token, string(d.UserID), d.Platform, d.UpdatedAt,
	)
	return err
}

// DeviceTokens returns the registered push tokens of the given users.
func (s *Store) DeviceTokens(ctx context.Context, userIDs []types.ID) ([]string, error) {
	ids := make([]string, len(userIDs))
	for i, id := range userIDs {
		ids[i] = string(id)
	}
	rows, err := s.db.Query(ctx, `SELECT token FROM device_tokens WHERE user_id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) DeleteDeviceTokens(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}
	_, err := s.db.Exec(ctx, `DELETE FROM device_tokens WHERE token = ANY($1)`, tokens)
	return err
}

func scanNotification(row pgx.Row) (Notification, error) {
	var n Notification
	var id, userID, kind string
	var orderID *string
	var data []byte
	if err := row.Scan(&id, &userID, &kind, &n.Title, &n.Message, &data, &orderID, &n.IsRead, &n.CreatedAt); err != nil {
		return n, err
	}
	n.ID = types.ID(id)
	n.UserID = types.ID(userID)
	n.Type = Kind(kind)
	if orderID != nil {
		o := types.ID(*orderID)
		n.OrderID = &o
	}
	payload, err := DecodePayload(n.Type, data)
	if err != nil {
		return n, fmt.Errorf("notification %s: %w", id, err)
	}
	n.Data = payload
	return n, nil
}
