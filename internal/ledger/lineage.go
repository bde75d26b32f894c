package ledger

import (
	"context"
	"fmt"

	"github.com/erazemk/custody/internal/db"
	"github.com/erazemk/custody/internal/model"
	"github.com/erazemk/custody/internal/store"
)

type seedOptions struct {
	confirmed bool
	remarks   string
}

// SeedOption configures SeedInitialCustody.
type SeedOption func(o *seedOptions)

// SeedConfirmed creates the first record already confirmed, for items
// registered directly into the receiving party's hands.
func SeedConfirmed() SeedOption {
	return func(o *seedOptions) {
		o.confirmed = true
	}
}

// SeedRemarks annotates the first record.
func SeedRemarks(remarks string) SeedOption {
	return func(o *seedOptions) {
		o.remarks = remarks
	}
}

// SeedInitialCustody creates the first active record for a newly registered
// item. The record is unconfirmed unless SeedConfirmed is given. Items that
// already have custody history are rejected with ErrAlreadyTracked.
func (l *Ledger) SeedInitialCustody(ctx context.Context, itemID, fromHolderID, toHolderID, createdBy int64, opts ...SeedOption) (rec *model.TransferRecord, err error) {
	const op = "seed_initial_custody"
	ctx, done := l.begin(ctx, op, itemID)
	defer func() { done(&err) }()

	var o seedOptions
	for _, opt := range opts {
		opt(&o)
	}

	err = l.db.InTx(ctx, func(ctx context.Context, tx *db.Tx) error {
		item, err := store.GetItem(ctx, tx, itemID)
		if err != nil {
			return err
		}
		switch {
		case item == nil:
			return reject(op, itemID, ErrItemNotFound)
		case item.Retired():
			return reject(op, itemID, ErrItemRetired)
		}

		tracked, err := store.HasTransfers(ctx, tx, itemID)
		if err != nil {
			return err
		}
		if tracked {
			return reject(op, itemID, ErrAlreadyTracked)
		}

		for _, id := range []int64{fromHolderID, toHolderID} {
			holder, err := store.GetHolder(ctx, tx, id)
			if err != nil {
				return err
			}
			if holder == nil || holder.DeletedAt != nil {
				return &Error{Op: op, ItemID: itemID, Kind: ErrHolderNotFound, Err: fmt.Errorf("holder %d", id)}
			}
		}

		now := l.timestamp()
		p := store.TransferParams{
			ItemID:       itemID,
			FromHolderID: fromHolderID,
			ToHolderID:   toHolderID,
			CreatedByID:  createdBy,
			InitiatedAt:  now,
			Remarks:      o.remarks,
		}
		if o.confirmed {
			p.ConfirmedAt = &now
		}
		if rec, err = store.InsertActiveTransfer(ctx, tx, p); err != nil {
			return err
		}
		tx.OnCommit(func() {
			l.logger.Info("custody seeded",
				"item_id", itemID, "transfer_id", rec.ID,
				"from", fromHolderID, "to", toHolderID, "confirmed", o.confirmed)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// RetireForSplit closes the parent's custody chain and seeds one unconfirmed
// record per child, sent by the split system holder to whoever holds the
// parent. Children must be registered with the parent as their parent and
// have no history yet. Either every child is seeded and the parent retired,
// or nothing changes.
func (l *Ledger) RetireForSplit(ctx context.Context, parentID int64, childIDs []int64, createdBy int64) (recs []model.TransferRecord, err error) {
	const op = "retire_for_split"
	ctx, done := l.begin(ctx, op, parentID)
	defer func() { done(&err) }()

	if len(childIDs) == 0 {
		return nil, &Error{Op: op, ItemID: parentID, Kind: ErrInvalidSplit, Err: fmt.Errorf("no child items")}
	}

	err = l.db.InTx(ctx, func(ctx context.Context, tx *db.Tx) error {
		parent, err := store.GetItem(ctx, tx, parentID)
		if err != nil {
			return err
		}
		switch {
		case parent == nil:
			return reject(op, parentID, ErrItemNotFound)
		case parent.Retired():
			return reject(op, parentID, ErrItemRetired)
		}

		active, err := store.GetActiveTransfer(ctx, tx, parentID)
		if err != nil {
			return err
		}
		switch {
		case active == nil:
			return reject(op, parentID, ErrNotTracked)
		case active.InTransit():
			return reject(op, parentID, ErrTransferPending)
		}

		if err := checkChildren(ctx, tx, op, parentID, childIDs); err != nil {
			return err
		}

		splitter, err := store.GetSplitHolder(ctx, tx)
		if err != nil {
			return err
		}

		now := l.timestamp()
		retired, err := store.MarkItemRetired(ctx, tx, parentID, now)
		if err != nil {
			return err
		}
		if !retired {
			return reject(op, parentID, ErrConcurrentModification)
		}
		deactivated, err := store.DeactivateTransfer(ctx, tx, active.ID)
		if err != nil {
			return err
		}
		if !deactivated {
			return reject(op, parentID, ErrConcurrentModification)
		}

		recs = make([]model.TransferRecord, 0, len(childIDs))
		for _, childID := range childIDs {
			rec, err := store.InsertActiveTransfer(ctx, tx, store.TransferParams{
				ItemID:       childID,
				FromHolderID: splitter.ID,
				ToHolderID:   active.ToHolderID,
				CreatedByID:  createdBy,
				InitiatedAt:  now,
				Remarks:      fmt.Sprintf("split from item %d", parentID),
			})
			if err != nil {
				return fmt.Errorf("seeding child %d: %w", childID, err)
			}
			recs = append(recs, *rec)
		}

		tx.OnCommit(func() {
			l.metrics.AddSplitChildren(len(recs))
			l.logger.Info("item split",
				"item_id", parentID, "children", len(recs), "holder", active.ToHolderID, "created_by", createdBy)
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return recs, nil
}

func checkChildren(ctx context.Context, q db.Querier, op string, parentID int64, childIDs []int64) error {
	seen := make(map[int64]bool, len(childIDs))
	for _, childID := range childIDs {
		if childID == parentID || seen[childID] {
			return &Error{Op: op, ItemID: parentID, Kind: ErrInvalidSplit, Err: fmt.Errorf("child %d listed twice or equal to parent", childID)}
		}
		seen[childID] = true

		child, err := store.GetItem(ctx, q, childID)
		if err != nil {
			return err
		}
		if child == nil {
			return reject(op, childID, ErrItemNotFound)
		}
		if child.ParentID == nil || *child.ParentID != parentID {
			return &Error{Op: op, ItemID: parentID, Kind: ErrInvalidSplit, Err: fmt.Errorf("item %d is not a child of the parent", childID)}
		}

		tracked, err := store.HasTransfers(ctx, q, childID)
		if err != nil {
			return err
		}
		if tracked {
			return reject(op, childID, ErrAlreadyTracked)
		}
	}
	return nil
}
