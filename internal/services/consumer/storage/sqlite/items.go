package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/louisbranch/orderstream/internal/services/consumer/storage"
)

// CreateItem inserts an item at the given count and version.
func (s *Store) CreateItem(ctx context.Context, item storage.Item) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	item.Name = strings.TrimSpace(item.Name)
	if item.Name == "" {
		return 0, storage.InvalidArgument("item name is required")
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	now := toMillis(item.CreatedAt)

	var id sql.NullInt64
	if item.ID > 0 {
		id = sql.NullInt64{Int64: item.ID, Valid: true}
	}
	var itemID int64
	err := s.sqlDB.QueryRowContext(ctx, `
INSERT INTO items (item_id, store_id, name, price, count, version, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
RETURNING item_id
`, id, item.StoreID, item.Name, item.Price, item.Count, item.Version, now, now).Scan(&itemID)
	if err != nil {
		return 0, storage.Persistence("insert item", err)
	}
	return itemID, nil
}

// GetItem loads an item with its current count and version.
func (s *Store) GetItem(ctx context.Context, itemID int64) (storage.Item, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Item{}, err
	}
	var (
		item      storage.Item
		createdAt int64
		updatedAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT item_id, store_id, name, price, count, version, created_at, updated_at
FROM items
WHERE item_id = ?
`, itemID).Scan(
		&item.ID,
		&item.StoreID,
		&item.Name,
		&item.Price,
		&item.Count,
		&item.Version,
		&createdAt,
		&updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Item{}, storage.NotFound("item", itemID)
	}
	if err != nil {
		return storage.Item{}, storage.Persistence("get item", err)
	}
	item.CreatedAt = fromMillis(createdAt)
	item.UpdatedAt = fromMillis(updatedAt)
	return item, nil
}

// DecrementItemCount applies a count decrement guarded by the observed version.
func (s *Store) DecrementItemCount(ctx context.Context, itemID, delta, observedVersion int64) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE items
SET count = count - ?, version = version + 1, updated_at = ?
WHERE item_id = ? AND version = ?
`, delta, toMillis(time.Now()), itemID, observedVersion)
	if err != nil {
		return false, storage.Persistence("decrement item count", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storage.Persistence("decrement item count rows", err)
	}
	return n == 1, nil
}
