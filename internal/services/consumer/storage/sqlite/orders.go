package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/orderstream/internal/services/consumer/storage"
)

// CreateOrderWithItems inserts an order and its lines in one transaction.
func (s *Store) CreateOrderWithItems(ctx context.Context, o storage.NewOrder) (int64, bool, error) {
	if err := s.ready(ctx); err != nil {
		return 0, false, err
	}
	if len(o.Items) == 0 {
		return 0, false, storage.InvalidArgument("order requires at least one item")
	}
	createdAt := o.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	now := toMillis(createdAt)
	sourceID := sql.NullString{String: strings.TrimSpace(o.SourceEntryID)}
	sourceID.Valid = sourceID.String != ""

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, storage.Persistence("begin order tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	var orderID int64
	err = tx.QueryRowContext(ctx, `
INSERT INTO orders (
	source_entry_id,
	user_id,
	store_id,
	discount,
	total_price,
	created_at,
	updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (source_entry_id) DO NOTHING
RETURNING order_id
`,
		sourceID,
		o.UserID,
		o.StoreID,
		o.Discount,
		o.TotalPrice,
		now,
		now,
	).Scan(&orderID)
	if errors.Is(err, sql.ErrNoRows) {
		if err := tx.QueryRowContext(ctx,
			`SELECT order_id FROM orders WHERE source_entry_id = ?`, sourceID,
		).Scan(&orderID); err != nil {
			return 0, false, storage.Persistence("lookup replayed order", err)
		}
		return orderID, false, nil
	}
	if err != nil {
		return 0, false, storage.Persistence("insert order", err)
	}

	for i, item := range o.Items {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO order_items (order_id, item_id, count, created_at)
VALUES (?, ?, ?, ?)
`, orderID, item.ItemID, item.Count, now); err != nil {
			return 0, false, storage.Persistence(fmt.Sprintf("insert order item %d", i), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, false, storage.Persistence("commit order tx", err)
	}
	return orderID, true, nil
}

// GetOrder loads an order and its lines.
func (s *Store) GetOrder(ctx context.Context, orderID int64) (storage.Order, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Order{}, err
	}

	var (
		order     storage.Order
		sourceID  sql.NullString
		createdAt int64
		updatedAt int64
		deletedAt sql.NullInt64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT
	order_id,
	source_entry_id,
	user_id,
	store_id,
	discount,
	total_price,
	created_at,
	updated_at,
	deleted_at
FROM orders
WHERE order_id = ?
`, orderID).Scan(
		&order.ID,
		&sourceID,
		&order.UserID,
		&order.StoreID,
		&order.Discount,
		&order.TotalPrice,
		&createdAt,
		&updatedAt,
		&deletedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Order{}, storage.NotFound("order", orderID)
	}
	if err != nil {
		return storage.Order{}, storage.Persistence("get order", err)
	}
	order.SourceEntryID = sourceID.String
	order.CreatedAt = fromMillis(createdAt)
	order.UpdatedAt = fromMillis(updatedAt)
	order.DeletedAt = fromNullMillis(deletedAt)

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT order_item_id, order_id, item_id, count, created_at
FROM order_items
WHERE order_id = ?
ORDER BY order_item_id
`, orderID)
	if err != nil {
		return storage.Order{}, storage.Persistence("list order items", err)
	}
	defer rows.Close()
	for rows.Next() {
		var line storage.OrderItem
		var lineCreated int64
		if err := rows.Scan(&line.ID, &line.OrderID, &line.ItemID, &line.Count, &lineCreated); err != nil {
			return storage.Order{}, storage.Persistence("scan order item", err)
		}
		line.CreatedAt = fromMillis(lineCreated)
		order.Items = append(order.Items, line)
	}
	if err := rows.Err(); err != nil {
		return storage.Order{}, storage.Persistence("iterate order items", err)
	}
	return order, nil
}

// CountOrders returns the number of order rows, soft-deleted ones included.
func (s *Store) CountOrders(ctx context.Context) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	var n int64
	if err := s.sqlDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`).Scan(&n); err != nil {
		return 0, storage.Persistence("count orders", err)
	}
	return n, nil
}
