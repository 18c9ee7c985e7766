package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Timestamps are stored as unix milliseconds so scans do not depend on driver time parsing.

// -- Orders --

func (r *SQLiteRepository) InsertOrder(ctx context.Context, order Order) error {
	const q = `
INSERT INTO orders (` + orderColumns + `)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`
	_, err := r.db.ExecContext(ctx, q,
		order.ID,
		string(order.Status),
		order.Customer.Sender,
		order.Customer.DisplayName,
		order.Customer.Name,
		order.Customer.IDNumber,
		order.Customer.Neighborhood,
		order.Customer.Address,
		order.Customer.City,
		order.Product.ID,
		order.Product.Name,
		order.Product.Description,
		order.Payment.ProductPrice,
		order.Payment.DeliveryCost,
		order.Payment.Total,
		order.Payment.ReceiptPath,
		order.AttendedBy,
		nullMillis(order.AttendedAt),
		toMillis(order.CreatedAt),
		toMillis(order.UpdatedAt),
		nullString(order.IdempotencyKey),
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) UpdateOrderStatus(ctx context.Context, update StatusUpdate) error {
	const q = `
UPDATE orders
SET status = ?,
    attended_by = ?,
    attended_at = ?,
    updated_at = ?
WHERE id = ?;
`
	res, err := r.db.ExecContext(ctx, q, string(update.Status), update.AttendedBy, nullMillis(update.AttendedAt), toMillis(update.UpdatedAt), update.ID)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order %s: %w", update.ID, ErrNotFound)
	}
	return nil
}

func (r *SQLiteRepository) ListOrders(ctx context.Context) ([]Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders ORDER BY created_at ASC, id ASC;`
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		var o Order
		var status string
		var attendedAt sql.NullInt64
		var key sql.NullString
		var createdAt, updatedAt int64
		if err := rows.Scan(
			&o.ID, &status, &o.Customer.Sender, &o.Customer.DisplayName, &o.Customer.Name, &o.Customer.IDNumber,
			&o.Customer.Neighborhood, &o.Customer.Address, &o.Customer.City,
			&o.Product.ID, &o.Product.Name, &o.Product.Description,
			&o.Payment.ProductPrice, &o.Payment.DeliveryCost, &o.Payment.Total, &o.Payment.ReceiptPath,
			&o.AttendedBy, &attendedAt, &createdAt, &updatedAt, &key,
		); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Status = OrderStatus(status)
		o.Product.Price = o.Payment.ProductPrice
		o.CreatedAt = fromMillis(createdAt)
		o.UpdatedAt = fromMillis(updatedAt)
		o.IdempotencyKey = key.String
		if attendedAt.Valid {
			at := fromMillis(attendedAt.Int64)
			o.AttendedAt = &at
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return orders, nil
}

// -- Sessions --

func (r *SQLiteRepository) UpsertSession(ctx context.Context, sender string, lastActive time.Time) error {
	const q = `
INSERT INTO sessions (sender, last_active_at)
VALUES (?, ?)
ON CONFLICT (sender) DO UPDATE SET last_active_at = excluded.last_active_at;
`
	if _, err := r.db.ExecContext(ctx, q, sender, toMillis(lastActive)); err != nil {
		return fmt.Errorf("upsert session: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) DeleteSession(ctx context.Context, sender string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE sender = ?`, sender); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) ListSessions(ctx context.Context) (map[string]time.Time, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT sender, last_active_at FROM sessions`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := map[string]time.Time{}
	for rows.Next() {
		var sender string
		var at int64
		if err := rows.Scan(&sender, &at); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out[sender] = fromMillis(at)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// -- Helpers --

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
