package domain

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/louisbranch/orderstream/internal/services/consumer/storage"
)

// Handler processes one stream entry. A nil error means the entry may be
// acknowledged.
type Handler interface {
	Handle(ctx context.Context, entryID string, fields map[string]string) (Outcome, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, entryID string, fields map[string]string) (Outcome, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, entryID string, fields map[string]string) (Outcome, error) {
	return f(ctx, entryID, fields)
}

// Stores carries the persistence each command kind needs. A handler only
// touches the store its kind applies to.
type Stores struct {
	Orders storage.OrderStore
	Items  storage.ItemStore
}

// NewHandler decodes entries as kind with Decode and applies the resulting
// command. An unknown kind fails every entry with a permanent decode error.
func NewHandler(kind Kind, stores Stores, clock func() time.Time, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	orders := NewOrderApplier(stores.Orders, clock)
	items := NewItemCountApplier(stores.Items, logger)
	return HandlerFunc(func(ctx context.Context, entryID string, fields map[string]string) (Outcome, error) {
		cmd, err := Decode(kind, fields)
		if err != nil {
			return "", fmt.Errorf("decode %s: %w", kind, err)
		}
		switch c := cmd.(type) {
		case CreateOrder:
			orderID, outcome, err := orders.ApplyCreateOrder(ctx, entryID, c)
			if err != nil {
				return "", err
			}
			logger.DebugContext(ctx, "order handled",
				slog.String("entry_id", entryID),
				slog.Int64("order_id", orderID),
				slog.String("outcome", string(outcome)),
				slog.Int("items", len(c.Details.Items)),
			)
			return outcome, nil
		case UpdateItemCount:
			return items.ApplyItemCountUpdate(ctx, c)
		default:
			return "", fmt.Errorf("no applier for %T", cmd)
		}
	})
}

// NewCreateOrderHandler decodes create-order entries and applies them.
func NewCreateOrderHandler(orders storage.OrderStore, clock func() time.Time, logger *slog.Logger) Handler {
	return NewHandler(KindCreateOrder, Stores{Orders: orders}, clock, logger)
}

// NewItemCountHandler decodes item-count entries and applies them.
func NewItemCountHandler(items storage.ItemStore, logger *slog.Logger) Handler {
	return NewHandler(KindUpdateItemCount, Stores{Items: items}, nil, logger)
}
