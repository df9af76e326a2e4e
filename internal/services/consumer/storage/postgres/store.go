// Package postgres provides the Postgres-backed order, item, and storefront
// store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	sqlitemigrate "github.com/louisbranch/orderstream/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/orderstream/internal/services/consumer/storage"
	"github.com/louisbranch/orderstream/internal/services/consumer/storage/postgres/migrations"
)

const migrationTable = "schema_migrations"

// migrationLockKey serializes concurrent schema setup across processes.
const migrationLockKey = 7004_7005

// Store implements storage.Store backed by Postgres.
type Store struct {
	pool *pgxpool.Pool
}

var _ storage.Store = (*Store)(nil)

// Open connects to databaseURL and applies the embedded migrations.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("database url is required")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// NewStore wraps an existing pool. The caller owns schema setup.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// EnsureSchema applies each embedded migration once, under an advisory lock.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	files, err := sqlitemigrate.ListMigrations(migrations.FS, ".")
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort on defer

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(migrationLockKey)); err != nil {
		return fmt.Errorf("lock schema: %w", err)
	}
	if _, err := tx.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+migrationTable+` (
    name TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		var applied bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM `+migrationTable+` WHERE name = $1)`, file,
		).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if applied {
			continue
		}
		content, err := fs.ReadFile(migrations.FS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		upSQL := sqlitemigrate.ExtractUpMigration(string(content))
		if strings.TrimSpace(upSQL) != "" {
			if _, err := tx.Exec(ctx, upSQL); err != nil {
				return fmt.Errorf("migration %s: %w", file, err)
			}
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO `+migrationTable+` (name) VALUES ($1) ON CONFLICT DO NOTHING`, file,
		); err != nil {
			return fmt.Errorf("record migration %s: %w", file, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

func (s *Store) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.pool == nil {
		return fmt.Errorf("storage is not configured")
	}
	return nil
}

// CreateOrderWithItems inserts an order and its lines in one transaction.
func (s *Store) CreateOrderWithItems(ctx context.Context, o storage.NewOrder) (int64, bool, error) {
	if err := s.ready(ctx); err != nil {
		return 0, false, err
	}
	if len(o.Items) == 0 {
		return 0, false, storage.InvalidArgument("order requires at least one item")
	}
	now := o.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	var sourceID *string
	if trimmed := strings.TrimSpace(o.SourceEntryID); trimmed != "" {
		sourceID = &trimmed
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, false, storage.Persistence("begin order tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort on defer

	var orderID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO orders (source_entry_id, user_id, store_id, discount, total_price, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)
		 ON CONFLICT (source_entry_id) DO NOTHING
		 RETURNING order_id`,
		sourceID, o.UserID, o.StoreID, o.Discount, o.TotalPrice, now,
	).Scan(&orderID)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := tx.QueryRow(ctx,
			`SELECT order_id FROM orders WHERE source_entry_id = $1`, sourceID,
		).Scan(&orderID); err != nil {
			return 0, false, storage.Persistence("lookup replayed order", err)
		}
		return orderID, false, nil
	}
	if err != nil {
		return 0, false, storage.Persistence("insert order", err)
	}

	for i, item := range o.Items {
		if _, err := tx.Exec(ctx,
			`INSERT INTO order_items (order_id, item_id, count, created_at) VALUES ($1, $2, $3, $4)`,
			orderID, item.ItemID, item.Count, now,
		); err != nil {
			return 0, false, storage.Persistence(fmt.Sprintf("insert order item %d", i), err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
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
		order    storage.Order
		sourceID *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT order_id, source_entry_id, user_id, store_id, discount, total_price, created_at, updated_at, deleted_at
		 FROM orders WHERE order_id = $1`, orderID,
	).Scan(
		&order.ID, &sourceID, &order.UserID, &order.StoreID, &order.Discount,
		&order.TotalPrice, &order.CreatedAt, &order.UpdatedAt, &order.DeletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Order{}, storage.NotFound("order", orderID)
	}
	if err != nil {
		return storage.Order{}, storage.Persistence("get order", err)
	}
	if sourceID != nil {
		order.SourceEntryID = *sourceID
	}

	rows, err := s.pool.Query(ctx,
		`SELECT order_item_id, order_id, item_id, count, created_at
		 FROM order_items WHERE order_id = $1 ORDER BY order_item_id`, orderID,
	)
	if err != nil {
		return storage.Order{}, storage.Persistence("list order items", err)
	}
	defer rows.Close()
	for rows.Next() {
		var line storage.OrderItem
		if err := rows.Scan(&line.ID, &line.OrderID, &line.ItemID, &line.Count, &line.CreatedAt); err != nil {
			return storage.Order{}, storage.Persistence("scan order item", err)
		}
		order.Items = append(order.Items, line)
	}
	if err := rows.Err(); err != nil {
		return storage.Order{}, storage.Persistence("iterate order items", err)
	}
	return order, nil
}

// CreateItem inserts an item; a positive item.ID is used as the key and the
// identity sequence is moved past it so later generated keys do not collide.
func (s *Store) CreateItem(ctx context.Context, item storage.Item) (int64, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	item.Name = strings.TrimSpace(item.Name)
	if item.Name == "" {
		return 0, storage.InvalidArgument("item name is required")
	}
	now := item.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	if item.ID <= 0 {
		var itemID int64
		err := s.pool.QueryRow(ctx,
			`INSERT INTO items (store_id, name, price, count, version, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $6) RETURNING item_id`,
			item.StoreID, item.Name, item.Price, item.Count, item.Version, now,
		).Scan(&itemID)
		if err != nil {
			return 0, storage.Persistence("insert item", err)
		}
		return itemID, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, storage.Persistence("begin item tx", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // best-effort on defer

	var itemID int64
	if err := tx.QueryRow(ctx,
		`INSERT INTO items (item_id, store_id, name, price, count, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7) RETURNING item_id`,
		item.ID, item.StoreID, item.Name, item.Price, item.Count, item.Version, now,
	).Scan(&itemID); err != nil {
		return 0, storage.Persistence("insert item", err)
	}
	if _, err := tx.Exec(ctx,
		`SELECT setval(pg_get_serial_sequence('items', 'item_id'), (SELECT MAX(item_id) FROM items))`,
	); err != nil {
		return 0, storage.Persistence("advance item sequence", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, storage.Persistence("commit item tx", err)
	}
	return itemID, nil
}

// GetItem loads an item with its current count and version.
func (s *Store) GetItem(ctx context.Context, itemID int64) (storage.Item, error) {
	if err := s.ready(ctx); err != nil {
		return storage.Item{}, err
	}
	var item storage.Item
	err := s.pool.QueryRow(ctx,
		`SELECT item_id, store_id, name, price, count, version, created_at, updated_at
		 FROM items WHERE item_id = $1`, itemID,
	).Scan(&item.ID, &item.StoreID, &item.Name, &item.Price, &item.Count, &item.Version, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Item{}, storage.NotFound("item", itemID)
	}
	if err != nil {
		return storage.Item{}, storage.Persistence("get item", err)
	}
	return item, nil
}

// DecrementItemCount applies a count decrement guarded by the observed version.
func (s *Store) DecrementItemCount(ctx context.Context, itemID, delta, observedVersion int64) (bool, error) {
	if err := s.ready(ctx); err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE items SET count = count - $1, version = version + 1, updated_at = now()
		 WHERE item_id = $2 AND version = $3`,
		delta, itemID, observedVersion,
	)
	if err != nil {
		return false, storage.Persistence("decrement item count", err)
	}
	return tag.RowsAffected() == 1, nil
}
