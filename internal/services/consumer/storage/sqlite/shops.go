package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/louisbranch/orderstream/internal/services/consumer/storage"
)

const shopColumns = `
	store_id,
	owner_id,
	name,
	longitude,
	latitude,
	address,
	store_phone_number,
	category,
	created_at,
	updated_at,
	deleted_at`

// CreateShop inserts a storefront.
func (s *Store) CreateShop(ctx context.Context, shop storage.Shop) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	shop.Name = strings.TrimSpace(shop.Name)
	if shop.Name == "" {
		return 0, storage.InvalidArgument("store name is required")
	}
	if shop.CreatedAt.IsZero() {
		shop.CreatedAt = time.Now()
	}
	now := toMillis(shop.CreatedAt)

	var id int64
	err := s.sqlDB.QueryRowContext(ctx, `
INSERT INTO stores (
	owner_id,
	name,
	longitude,
	latitude,
	address,
	store_phone_number,
	category,
	created_at,
	updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING store_id
`,
		shop.OwnerID,
		shop.Name,
		shop.Longitude,
		shop.Latitude,
		shop.Address,
		shop.StorePhoneNumber,
		shop.Category,
		now,
		now,
	).Scan(&id)
	if err != nil {
		return 0, storage.Persistence("insert store", err)
	}
	return id, nil
}

// ListShops lists storefronts that are not soft-deleted.
func (s *Store) ListShops(ctx context.Context) ([]storage.Shop, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx, `SELECT`+shopColumns+`
FROM stores
WHERE deleted_at IS NULL
ORDER BY store_id
`)
	if err != nil {
		return nil, storage.Persistence("list stores", err)
	}
	defer rows.Close()

	var shops []storage.Shop
	for rows.Next() {
		shop, err := scanShop(rows)
		if err != nil {
			return nil, storage.Persistence("scan store", err)
		}
		shops = append(shops, shop)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Persistence("iterate stores", err)
	}
	return shops, nil
}

// GetShop loads a storefront that is not soft-deleted.
func (s *Store) GetShop(ctx context.Context, shopID int64) (storage.Shop, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Shop{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `SELECT`+shopColumns+`
FROM stores
WHERE store_id = ? AND deleted_at IS NULL
`, shopID)
	shop, err := scanShop(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Shop{}, storage.NotFound("store", shopID)
	}
	if err != nil {
		return storage.Shop{}, storage.Persistence("get store", err)
	}
	return shop, nil
}

// UpdateShop applies the non-nil fields of update.
func (s *Store) UpdateShop(ctx context.Context, shopID int64, update storage.ShopUpdate) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if update.Name != nil && strings.TrimSpace(*update.Name) == "" {
		return storage.InvalidArgument("store name must not be empty")
	}

	sets := []string{"updated_at = ?"}
	args := []any{toMillis(time.Now())}
	add := func(column string, value any) {
		sets = append(sets, column+" = ?")
		args = append(args, value)
	}
	if update.Name != nil {
		add("name", strings.TrimSpace(*update.Name))
	}
	if update.Longitude != nil {
		add("longitude", *update.Longitude)
	}
	if update.Latitude != nil {
		add("latitude", *update.Latitude)
	}
	if update.Address != nil {
		add("address", *update.Address)
	}
	if update.StorePhoneNumber != nil {
		add("store_phone_number", *update.StorePhoneNumber)
	}
	if update.Category != nil {
		add("category", *update.Category)
	}
	args = append(args, shopID)

	res, err := s.sqlDB.ExecContext(ctx,
		"UPDATE stores SET "+strings.Join(sets, ", ")+" WHERE store_id = ? AND deleted_at IS NULL",
		args...,
	)
	if err != nil {
		return storage.Persistence("update store", err)
	}
	return requireRow(res, "store", shopID)
}

// DeleteShop soft-deletes a storefront.
func (s *Store) DeleteShop(ctx context.Context, shopID int64) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE stores SET deleted_at = ?
WHERE store_id = ? AND deleted_at IS NULL
`, toMillis(time.Now()), shopID)
	if err != nil {
		return storage.Persistence("delete store", err)
	}
	return requireRow(res, "store", shopID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanShop(row rowScanner) (storage.Shop, error) {
	var (
		shop      storage.Shop
		createdAt int64
		updatedAt int64
		deletedAt sql.NullInt64
	)
	if err := row.Scan(
		&shop.ID,
		&shop.OwnerID,
		&shop.Name,
		&shop.Longitude,
		&shop.Latitude,
		&shop.Address,
		&shop.StorePhoneNumber,
		&shop.Category,
		&createdAt,
		&updatedAt,
		&deletedAt,
	); err != nil {
		return storage.Shop{}, err
	}
	shop.CreatedAt = fromMillis(createdAt)
	shop.UpdatedAt = fromMillis(updatedAt)
	shop.DeletedAt = fromNullMillis(deletedAt)
	return shop, nil
}

func requireRow(res sql.Result, kind string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storage.Persistence("rows affected", err)
	}
	if n == 0 {
		return storage.NotFound(kind, id)
	}
	return nil
}
