package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	apperrors "github.com/louisbranch/orderstream/internal/platform/errors"
)

// Decode validates the flat entry fields for kind and returns the typed
// command. Every failure is permanent: redelivering the entry cannot fix it.
func Decode(kind Kind, fields map[string]string) (Command, error) {
	switch kind {
	case KindCreateOrder:
		return DecodeCreateOrder(fields)
	case KindUpdateItemCount:
		return DecodeUpdateItemCount(fields)
	default:
		return nil, Permanent(apperrors.WithMetadata(apperrors.CodeDecodeUnknownKind, "unknown command kind", map[string]string{
			"kind": string(kind),
		}))
	}
}

// DecodeUpdateItemCount reads itemId, count, and version as base-10 integers.
func DecodeUpdateItemCount(fields map[string]string) (UpdateItemCount, error) {
	itemID, err := intField(fields, FieldItemID)
	if err != nil {
		return UpdateItemCount{}, err
	}
	count, err := intField(fields, FieldCount)
	if err != nil {
		return UpdateItemCount{}, err
	}
	version, err := intField(fields, FieldVersion)
	if err != nil {
		return UpdateItemCount{}, err
	}
	return UpdateItemCount{ItemID: itemID, Count: count, Version: version}, nil
}

type orderDetailsPayload struct {
	Discount   *int64             `json:"discount"`
	StoreID    *int64             `json:"storeId"`
	TotalPrice *int64             `json:"totalPrice"`
	Items      []orderLinePayload `json:"items"`
}

type orderLinePayload struct {
	ItemID *int64 `json:"itemId"`
	Count  *int64 `json:"count"`
}

// DecodeCreateOrder reads userId and the JSON details blob.
func DecodeCreateOrder(fields map[string]string) (CreateOrder, error) {
	userID, err := intField(fields, FieldUserID)
	if err != nil {
		return CreateOrder{}, err
	}
	raw, ok := fields[FieldDetails]
	if !ok {
		return CreateOrder{}, missingField(FieldDetails)
	}

	var payload orderDetailsPayload
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	if err := dec.Decode(&payload); err != nil {
		return CreateOrder{}, invalidField(FieldDetails, raw, fmt.Errorf("decode details: %w", err))
	}
	if dec.More() {
		return CreateOrder{}, invalidField(FieldDetails, raw, fmt.Errorf("trailing data after details object"))
	}

	details := OrderDetails{}
	required := []struct {
		name  string
		value *int64
		dest  *int64
	}{
		{"discount", payload.Discount, &details.Discount},
		{"storeId", payload.StoreID, &details.StoreID},
		{"totalPrice", payload.TotalPrice, &details.TotalPrice},
	}
	for _, field := range required {
		if field.value == nil {
			return CreateOrder{}, invalidField(FieldDetails+"."+field.name, raw, fmt.Errorf("%s is required", field.name))
		}
		*field.dest = *field.value
	}
	if len(payload.Items) == 0 {
		return CreateOrder{}, invalidField(FieldDetails+".items", raw, fmt.Errorf("at least one item is required"))
	}

	details.Items = make([]OrderLine, 0, len(payload.Items))
	for i, line := range payload.Items {
		name := fmt.Sprintf("%s.items[%d]", FieldDetails, i)
		if line.ItemID == nil || *line.ItemID <= 0 {
			return CreateOrder{}, invalidField(name+".itemId", raw, fmt.Errorf("itemId must be a positive integer"))
		}
		if line.Count == nil || *line.Count <= 0 {
			return CreateOrder{}, invalidField(name+".count", raw, fmt.Errorf("count must be a positive integer"))
		}
		details.Items = append(details.Items, OrderLine{ItemID: *line.ItemID, Count: *line.Count})
	}

	return CreateOrder{UserID: userID, Details: details}, nil
}

func intField(fields map[string]string, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok {
		return 0, missingField(name)
	}
	value, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, invalidField(name, raw, err)
	}
	return value, nil
}
