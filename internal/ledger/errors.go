package ledger

import (
	"errors"
	"fmt"
)

// Failure kinds. Every rejection returned by the ledger unwraps to exactly
// one of these, so callers branch with errors.Is.
var (
	ErrNotCurrentOwner        = errors.New("sender does not currently hold the item")
	ErrSelfTransfer           = errors.New("sender and receiver are the same holder")
	ErrTransferPending        = errors.New("previous transfer is not yet confirmed")
	ErrAlreadyConfirmed       = errors.New("transfer already confirmed")
	ErrNothingToConfirm       = errors.New("no active transfer to confirm")
	ErrNotRecipient           = errors.New("holder is not the recipient of the active transfer")
	ErrItemRetired            = errors.New("item has been split and retired")
	ErrConcurrentModification = errors.New("item was modified concurrently")
	ErrNotTracked             = errors.New("item has no custody record")
	ErrAlreadyTracked         = errors.New("item already has custody history")
	ErrItemNotFound           = errors.New("item not found")
	ErrHolderNotFound         = errors.New("holder not found")
	ErrInvalidSplit           = errors.New("invalid split")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrNotCurrentOwner, "not_current_owner"},
	{ErrSelfTransfer, "self_transfer"},
	{ErrTransferPending, "transfer_pending"},
	{ErrAlreadyConfirmed, "already_confirmed"},
	{ErrNothingToConfirm, "nothing_to_confirm"},
	{ErrNotRecipient, "not_recipient"},
	{ErrItemRetired, "item_retired"},
	{ErrConcurrentModification, "concurrent_modification"},
	{ErrNotTracked, "not_tracked"},
	{ErrAlreadyTracked, "already_tracked"},
	{ErrItemNotFound, "item_not_found"},
	{ErrHolderNotFound, "holder_not_found"},
	{ErrInvalidSplit, "invalid_split"},
}

// Error is a rejected ledger operation.
type Error struct {
	Op     string
	ItemID int64
	Kind   error
	Err    error // underlying cause, if any
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s item %d: %v", e.Op, e.ItemID, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// KindOf returns the failure kind err carries, or nil for storage and other
// unexpected errors.
func KindOf(err error) error {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return nil
}

// KindName returns a stable snake_case name for the kind carried by err.
// Unexpected errors are reported as "internal".
func KindName(err error) string {
	kind := KindOf(err)
	for _, k := range kinds {
		if k.err == kind {
			return k.name
		}
	}
	return "internal"
}

func reject(op string, itemID int64, kind error) error {
	return &Error{Op: op, ItemID: itemID, Kind: kind}
}
