package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/louisbranch/orderstream/internal/services/consumer/storage"
)

const shopColumns = `store_id, owner_id, name, longitude, latitude, address, store_phone_number, category, created_at, updated_at, deleted_at`

// CreateShop inserts a storefront.
func (s *Store) CreateShop(ctx context.Context, shop storage.Shop) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	shop.Name = strings.TrimSpace(shop.Name)
	if shop.Name == "" {
		return 0, storage.InvalidArgument("store name is required")
	}
	now := shop.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO stores (owner_id, name, longitude, latitude, address, store_phone_number, category, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8) RETURNING store_id`,
		shop.OwnerID, shop.Name, shop.Longitude, shop.Latitude, shop.Address,
		shop.StorePhoneNumber, shop.Category, now.UTC(),
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
	rows, err := s.pool.Query(ctx,
		`SELECT `+shopColumns+` FROM stores WHERE deleted_at IS NULL ORDER BY store_id`)
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
	shop, err := scanShop(s.pool.QueryRow(ctx,
		`SELECT `+shopColumns+` FROM stores WHERE store_id = $1 AND deleted_at IS NULL`, shopID))
	if errors.Is(err, pgx.ErrNoRows) {
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

	sets := []string{"updated_at = now()"}
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
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

	tag, err := s.pool.Exec(ctx,
		fmt.Sprintf("UPDATE stores SET %s WHERE store_id = $%d AND deleted_at IS NULL", strings.Join(sets, ", "), len(args)),
		args...,
	)
	if err != nil {
		return storage.Persistence("update store", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.NotFound("store", shopID)
	}
	return nil
}

// DeleteShop soft-deletes a storefront.
func (s *Store) DeleteShop(ctx context.Context, shopID int64) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE stores SET deleted_at = now() WHERE store_id = $1 AND deleted_at IS NULL`, shopID)
	if err != nil {
		return storage.Persistence("delete store", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.NotFound("store", shopID)
	}
	return nil
}

func scanShop(row pgx.Row) (storage.Shop, error) {
	var shop storage.Shop
	err := row.Scan(
		&shop.ID,
		&shop.OwnerID,
		&shop.Name,
		&shop.Longitude,
		&shop.Latitude,
		&shop.Address,
		&shop.StorePhoneNumber,
		&shop.Category,
		&shop.CreatedAt,
		&shop.UpdatedAt,
		&shop.DeletedAt,
	)
	return shop, err
}
