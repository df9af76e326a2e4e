// Package storage defines the persistence contracts the consumer pipelines
// apply events against, plus the local attempt journal.
package storage

import (
	"context"
	"strconv"
	"time"

	apperrors "github.com/louisbranch/orderstream/internal/platform/errors"
)

// ErrNotFound matches (via errors.Is) any error carrying the NOT_FOUND code.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// Order is a persisted order with its line items.
type Order struct {
	ID            int64
	SourceEntryID string
	UserID        int64
	StoreID       int64
	Discount      int64
	TotalPrice    int64
	Items         []OrderItem
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// OrderItem is one line of an order.
type OrderItem struct {
	ID        int64
	OrderID   int64
	ItemID    int64
	Count     int64
	CreatedAt time.Time
}

// NewOrder is the input of an atomic order-with-items insert.
//
// SourceEntryID identifies the stream entry that produced the order; a second
// insert with the same non-empty SourceEntryID resolves to the first order.
type NewOrder struct {
	SourceEntryID string
	UserID        int64
	StoreID       int64
	Discount      int64
	TotalPrice    int64
	Items         []NewOrderItem
	CreatedAt     time.Time
}

// NewOrderItem is one requested order line.
type NewOrderItem struct {
	ItemID int64
	Count  int64
}

// Item is a stock-keeping item guarded by an optimistic version counter.
type Item struct {
	ID        int64
	StoreID   int64
	Name      string
	Price     int64
	Count     int64
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Shop is a storefront (the "store" entity of the ordering domain).
type Shop struct {
	ID               int64
	OwnerID          int64
	Name             string
	Longitude        float64
	Latitude         float64
	Address          string
	StorePhoneNumber string
	Category         string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	DeletedAt        *time.Time
}

// ShopUpdate carries the fields to change; nil fields are left as stored.
type ShopUpdate struct {
	Name             *string
	Longitude        *float64
	Latitude         *float64
	Address          *string
	StorePhoneNumber *string
	Category         *string
}

// Empty reports whether the update changes nothing.
func (u ShopUpdate) Empty() bool {
	return u.Name == nil && u.Longitude == nil && u.Latitude == nil &&
		u.Address == nil && u.StorePhoneNumber == nil && u.Category == nil
}

// OrderStore persists orders.
type OrderStore interface {
	// CreateOrderWithItems inserts the order and all of its lines in one
	// transaction. created is false when the order already existed for
	// o.SourceEntryID.
	CreateOrderWithItems(ctx context.Context, o NewOrder) (orderID int64, created bool, err error)
	GetOrder(ctx context.Context, orderID int64) (Order, error)
}

// ItemStore persists items and their optimistic version.
type ItemStore interface {
	CreateItem(ctx context.Context, item Item) (int64, error)
	GetItem(ctx context.Context, itemID int64) (Item, error)
	// DecrementItemCount subtracts delta from the item count and increments
	// its version by one, only when the stored version still equals
	// observedVersion. It reports whether the row was updated.
	DecrementItemCount(ctx context.Context, itemID, delta, observedVersion int64) (bool, error)
}

// ShopStore persists storefronts with soft-delete.
type ShopStore interface {
	CreateShop(ctx context.Context, shop Shop) (int64, error)
	ListShops(ctx context.Context) ([]Shop, error)
	GetShop(ctx context.Context, shopID int64) (Shop, error)
	UpdateShop(ctx context.Context, shopID int64, update ShopUpdate) error
	DeleteShop(ctx context.Context, shopID int64) error
}

// Store is the full persistent state used by the consumer process.
type Store interface {
	OrderStore
	ItemStore
	ShopStore
	Close() error
}

// AttemptRecord is one durable consumer processing outcome record.
type AttemptRecord struct {
	ID            int64
	EntryID       string
	Stream        string
	Consumer      string
	Outcome       string
	DeliveryCount int64
	LastError     string
	CreatedAt     time.Time
}

// AttemptStore persists consumer processing attempt records.
type AttemptStore interface {
	RecordAttempt(ctx context.Context, attempt AttemptRecord) error
	ListEntryAttempts(ctx context.Context, stream, entryID string) ([]AttemptRecord, error)
}

// NotFound builds a NOT_FOUND error for a missing record.
func NotFound(kind string, id int64) error {
	return apperrors.WithMetadata(apperrors.CodeNotFound, kind+" not found", map[string]string{
		"id": strconv.FormatInt(id, 10),
	})
}

// Persistence wraps a driver failure with the PERSISTENCE code.
func Persistence(op string, err error) error {
	return apperrors.Wrap(apperrors.CodePersistence, op, err)
}

// InvalidArgument builds an INVALID_ARGUMENT error.
func InvalidArgument(message string) error {
	return apperrors.New(apperrors.CodeInvalidArg, message)
}
