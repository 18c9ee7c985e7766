package repo

import (
	"context"
	"fmt"
)

const orderColumns = `id, status, sender, display_name, customer_name, customer_id_number,
       neighborhood, address, city, product_id, product_name, product_description,
       product_price, delivery_cost, total, receipt_path, attended_by, attended_at,
       created_at, updated_at, idempotency_key`

// InsertOrder stores a new order record.
func (r *PostgresRepository) InsertOrder(ctx context.Context, order Order) error {
	const q = `
INSERT INTO orders (` + orderColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21);
`
	_, err := r.pool.Exec(ctx, q,
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
		order.AttendedAt,
		order.CreatedAt.UTC(),
		order.UpdatedAt.UTC(),
		nullString(order.IdempotencyKey),
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// UpdateOrderStatus changes status and attendance fields only.
func (r *PostgresRepository) UpdateOrderStatus(ctx context.Context, update StatusUpdate) error {
	const q = `
UPDATE orders
SET status = $2,
    attended_by = $3,
    attended_at = $4,
    updated_at = $5
WHERE id = $1;
`
	ct, err := r.pool.Exec(ctx, q, update.ID, string(update.Status), update.AttendedBy, update.AttendedAt, update.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", update.ID, ErrNotFound)
	}
	return nil
}

// ListOrders returns every order ordered by creation time.
func (r *PostgresRepository) ListOrders(ctx context.Context) ([]Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders ORDER BY created_at ASC, id ASC;`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		var o Order
		var status string
		var key *string
		if err := rows.Scan(
			&o.ID, &status, &o.Customer.Sender, &o.Customer.DisplayName, &o.Customer.Name, &o.Customer.IDNumber,
			&o.Customer.Neighborhood, &o.Customer.Address, &o.Customer.City,
			&o.Product.ID, &o.Product.Name, &o.Product.Description,
			&o.Payment.ProductPrice, &o.Payment.DeliveryCost, &o.Payment.Total, &o.Payment.ReceiptPath,
			&o.AttendedBy, &o.AttendedAt, &o.CreatedAt, &o.UpdatedAt, &key,
		); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		o.Status = OrderStatus(status)
		o.Product.Price = o.Payment.ProductPrice
		if key != nil {
			o.IdempotencyKey = *key
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate orders: %w", err)
	}
	return orders, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
