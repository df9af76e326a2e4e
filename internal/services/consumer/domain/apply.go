package domain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	apperrors "github.com/louisbranch/orderstream/internal/platform/errors"
	"github.com/louisbranch/orderstream/internal/services/consumer/storage"
)

// Outcome describes how a successfully handled entry changed state.
type Outcome string

const (
	// OutcomeApplied means the command mutated state.
	OutcomeApplied Outcome = "applied"
	// OutcomeReplayed means the command had already been applied.
	OutcomeReplayed Outcome = "replayed"
	// OutcomeItemMissing means the target item does not exist; nothing changed.
	OutcomeItemMissing Outcome = "item_missing"
)

const defaultCASRetries = 3

// OrderApplier creates orders with their line items.
type OrderApplier struct {
	orders storage.OrderStore
	clock  func() time.Time
}

// NewOrderApplier creates an order-creation applier.
func NewOrderApplier(orders storage.OrderStore, clock func() time.Time) *OrderApplier {
	if clock == nil {
		clock = time.Now
	}
	return &OrderApplier{orders: orders, clock: clock}
}

// ApplyCreateOrder inserts the order and every line atomically. entryID keys
// the insert so a redelivered entry resolves to the order it already created.
func (a *OrderApplier) ApplyCreateOrder(ctx context.Context, entryID string, cmd CreateOrder) (int64, Outcome, error) {
	if a == nil || a.orders == nil {
		return 0, "", fmt.Errorf("order store is not configured")
	}
	lines := make([]storage.NewOrderItem, 0, len(cmd.Details.Items))
	for _, line := range cmd.Details.Items {
		lines = append(lines, storage.NewOrderItem{ItemID: line.ItemID, Count: line.Count})
	}
	orderID, created, err := a.orders.CreateOrderWithItems(ctx, storage.NewOrder{
		SourceEntryID: entryID,
		UserID:        cmd.UserID,
		StoreID:       cmd.Details.StoreID,
		Discount:      cmd.Details.Discount,
		TotalPrice:    cmd.Details.TotalPrice,
		Items:         lines,
		CreatedAt:     a.clock().UTC(),
	})
	if err != nil {
		return 0, "", fmt.Errorf("create order: %w", err)
	}
	if !created {
		return orderID, OutcomeReplayed, nil
	}
	return orderID, OutcomeApplied, nil
}

// ItemCountApplier applies count decrements under optimistic version control.
type ItemCountApplier struct {
	items      storage.ItemStore
	logger     *slog.Logger
	maxRetries int
}

// NewItemCountApplier creates an item-count applier.
func NewItemCountApplier(items storage.ItemStore, logger *slog.Logger) *ItemCountApplier {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &ItemCountApplier{items: items, logger: logger, maxRetries: defaultCASRetries}
}

// ApplyItemCountUpdate decrements the item count by cmd.Count and bumps its
// version by one when the stored version is older than cmd.Version. An equal
// version is a replay and changes nothing; a newer stored version is a
// conflict. A missing item is a no-op reported as OutcomeItemMissing.
func (a *ItemCountApplier) ApplyItemCountUpdate(ctx context.Context, cmd UpdateItemCount) (Outcome, error) {
	if a == nil || a.items == nil {
		return "", fmt.Errorf("item store is not configured")
	}
	for attempt := 0; ; attempt++ {
		item, err := a.items.GetItem(ctx, cmd.ItemID)
		if errors.Is(err, storage.ErrNotFound) {
			a.logger.WarnContext(ctx, "item not found; update skipped",
				slog.Int64("item_id", cmd.ItemID),
				slog.Int64("event_version", cmd.Version),
			)
			return OutcomeItemMissing, nil
		}
		if err != nil {
			return "", fmt.Errorf("read item: %w", err)
		}

		switch {
		case item.Version == cmd.Version:
			return OutcomeReplayed, nil
		case item.Version > cmd.Version:
			return "", conflict(item.ID, item.Version, cmd.Version)
		}

		updated, err := a.items.DecrementItemCount(ctx, item.ID, cmd.Count, item.Version)
		if err != nil {
			return "", fmt.Errorf("update item: %w", err)
		}
		if updated {
			if remaining := item.Count - cmd.Count; remaining < 0 {
				a.logger.WarnContext(ctx, "item count is negative",
					slog.Int64("item_id", item.ID),
					slog.Int64("count", remaining),
				)
			}
			return OutcomeApplied, nil
		}
		if attempt >= a.maxRetries {
			return "", apperrors.WithMetadata(apperrors.CodePersistence, "item version changed during update", map[string]string{
				"item_id":  strconv.FormatInt(item.ID, 10),
				"attempts": strconv.Itoa(attempt + 1),
			})
		}
	}
}
