package model

import (
	"fmt"
	"time"
)

// TransferRecord is one custody handoff of one item between two holders.
// ConfirmedAt is written once; Active moves only when a later record for
// the same item becomes active or the item is retired.
type TransferRecord struct {
	ID           int64      `json:"id"`
	ItemID       int64      `json:"item_id"`
	FromHolderID int64      `json:"from_holder_id"`
	ToHolderID   int64      `json:"to_holder_id"`
	CreatedByID  int64      `json:"created_by"`
	InitiatedAt  time.Time  `json:"initiated_at"`
	ConfirmedAt  *time.Time `json:"confirmed_at,omitempty"`
	Active       bool       `json:"active"`
	Remarks      string     `json:"remarks,omitempty"`

	// Joined fields (not always populated).
	ItemName       string `json:"item_name,omitempty"`
	FromHolderName string `json:"from_holder_name,omitempty"`
	ToHolderName   string `json:"to_holder_name,omitempty"`
	CreatedByName  string `json:"created_by_name,omitempty"`
}

// InTransit reports whether the receiving party has yet to confirm.
func (t *TransferRecord) InTransit() bool {
	return t.ConfirmedAt == nil
}

// LocationStatus is the confirmation state of an item's current custody.
type LocationStatus string

// Location statuses.
const (
	StatusUnconfirmed LocationStatus = "unconfirmed"
	StatusConfirmed   LocationStatus = "confirmed"
)

// ParseLocationStatus parses a status filter. The legacy "in_transit" value
// is accepted as an alias of unconfirmed.
func ParseLocationStatus(s string) (LocationStatus, error) {
	switch s {
	case string(StatusUnconfirmed), "in_transit":
		return StatusUnconfirmed, nil
	case string(StatusConfirmed):
		return StatusConfirmed, nil
	}
	return "", fmt.Errorf("unknown location status %q", s)
}

// Location is the derived custody state of an item.
type Location struct {
	ItemID     int64          `json:"item_id"`
	ItemName   string         `json:"item_name,omitempty"`
	HolderID   int64          `json:"holder_id"`
	HolderName string         `json:"holder_name,omitempty"`
	Status     LocationStatus `json:"status"`
	TransferID int64          `json:"transfer_id"`
	Since      time.Time      `json:"since"`
}

// LocationOf derives a location from an item's active record.
func LocationOf(t *TransferRecord) *Location {
	status := StatusConfirmed
	since := t.InitiatedAt
	if t.InTransit() {
		status = StatusUnconfirmed
	} else {
		since = *t.ConfirmedAt
	}
	return &Location{
		ItemID:     t.ItemID,
		ItemName:   t.ItemName,
		HolderID:   t.ToHolderID,
		HolderName: t.ToHolderName,
		Status:     status,
		TransferID: t.ID,
		Since:      since,
	}
}
