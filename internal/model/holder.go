package model

import "time"

// Holder is a party that can have custody of items: a person, a location
// such as the vault, an external lab, a customer, or a system process.
type Holder struct {
	ID        int64      `json:"id"`
	Name      string     `json:"name"`
	Type      string     `json:"type"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Holder types.
const (
	HolderTypePerson   = "person"
	HolderTypeLocation = "location"
	HolderTypeLab      = "lab"
	HolderTypeCustomer = "customer"
	HolderTypeSystem   = "system"
)

// ValidHolderType reports whether t can be assigned to a holder created by
// an operator. System holders are created by the schema only.
func ValidHolderType(t string) bool {
	switch t {
	case HolderTypePerson, HolderTypeLocation, HolderTypeLab, HolderTypeCustomer:
		return true
	}
	return false
}
