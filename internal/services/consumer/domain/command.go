// Package domain turns stream entries into typed commands and applies them to
// the order and item stores.
package domain

// Kind names the command type a pipeline decodes.
type Kind string

const (
	// KindCreateOrder decodes entries of the order-creation stream.
	KindCreateOrder Kind = "create-order"
	// KindUpdateItemCount decodes entries of the item-count stream.
	KindUpdateItemCount Kind = "update-item-count"
)

// Entry field names.
const (
	FieldUserID  = "userId"
	FieldDetails = "details"
	FieldItemID  = "itemId"
	FieldCount   = "count"
	FieldVersion = "version"
)

// Command is the closed set of decoded entry payloads.
type Command interface {
	Kind() Kind
	isCommand()
}

// CreateOrder asks for an order with its line items.
type CreateOrder struct {
	UserID  int64
	Details OrderDetails
}

// OrderDetails is the JSON-encoded details blob of a create-order entry.
type OrderDetails struct {
	Discount   int64
	StoreID    int64
	TotalPrice int64
	Items      []OrderLine
}

// OrderLine is one requested item and quantity.
type OrderLine struct {
	ItemID int64
	Count  int64
}

// UpdateItemCount decrements an item's count when Version is newer than the
// stored version.
type UpdateItemCount struct {
	ItemID  int64
	Count   int64
	Version int64
}

// Kind implements Command.
func (CreateOrder) Kind() Kind { return KindCreateOrder }

// Kind implements Command.
func (UpdateItemCount) Kind() Kind { return KindUpdateItemCount }

func (CreateOrder) isCommand()     {}
func (UpdateItemCount) isCommand() {}
