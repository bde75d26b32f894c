package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ItemKind tags what kind of physical object an item is.
type ItemKind string

// Item kinds.
const (
	ItemKindParcel ItemKind = "parcel"
	ItemKindStone  ItemKind = "stone"
)

// Valid reports whether k is a known item kind.
func (k ItemKind) Valid() bool {
	return k == ItemKindParcel || k == ItemKindStone
}

// Item is a trackable physical object. Its current holder is never stored
// here; it is derived from the item's active transfer record.
type Item struct {
	ID          int64               `json:"id"`
	Ref         uuid.UUID           `json:"ref"`
	Kind        ItemKind            `json:"kind"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Carats      decimal.NullDecimal `json:"carats"`
	ParentID    *int64              `json:"parent_id,omitempty"`
	ImageMime   string              `json:"image_mime,omitempty"`
	RetiredAt   *time.Time          `json:"retired_at,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

// Retired reports whether the item was split and its custody chain closed.
func (i *Item) Retired() bool {
	return i.RetiredAt != nil
}
