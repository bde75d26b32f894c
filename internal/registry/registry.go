// Package registry creates items and records the custody consequences of
// creating them, so that no item exists without a custody chain.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/erazemk/custody/internal/db"
	"github.com/erazemk/custody/internal/ledger"
	"github.com/erazemk/custody/internal/model"
	"github.com/erazemk/custody/internal/store"
)

// ErrInvalidItem is returned for item descriptions that cannot be registered.
var ErrInvalidItem = errors.New("invalid item")

// NewItem describes an item to register.
type NewItem struct {
	Kind        model.ItemKind      `json:"kind"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	Carats      decimal.NullDecimal `json:"carats"`
}

func (n NewItem) validate() error {
	if strings.TrimSpace(n.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidItem)
	}
	if !n.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidItem, n.Kind)
	}
	if n.Carats.Valid && !n.Carats.Decimal.IsPositive() {
		return fmt.Errorf("%w: carats must be positive", ErrInvalidItem)
	}
	return nil
}

// Registry registers items through the ledger.
type Registry struct {
	db     *db.DB
	ledger *ledger.Ledger
	logger *slog.Logger
}

// New constructs a Registry. The ledger must be built over the same database.
func New(database *db.DB, l *ledger.Ledger, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{db: database, ledger: l, logger: logger}
}

// Intake registers a new item and seeds its custody from one holder to
// another in the same transaction.
func (r *Registry) Intake(ctx context.Context, n NewItem, fromHolderID, toHolderID, createdBy int64, opts ...ledger.SeedOption) (*model.Item, *model.TransferRecord, error) {
	if err := n.validate(); err != nil {
		return nil, nil, err
	}

	var item *model.Item
	var rec *model.TransferRecord
	err := r.db.InTx(ctx, func(ctx context.Context, tx *db.Tx) error {
		var err error
		item, err = store.CreateItem(ctx, tx, store.ItemParams{
			Kind:        n.Kind,
			Name:        strings.TrimSpace(n.Name),
			Description: n.Description,
			Carats:      n.Carats,
		})
		if err != nil {
			return err
		}

		rec, err = r.ledger.SeedInitialCustody(ctx, item.ID, fromHolderID, toHolderID, createdBy, opts...)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("intake: %w", err)
	}

	r.logger.Info("item registered", "item_id", item.ID, "ref", item.Ref, "kind", item.Kind, "holder", toHolderID)
	return item, rec, nil
}

// Split registers child items of a parent and hands them the parent's
// custody. The children together may not weigh more than the parent.
func (r *Registry) Split(ctx context.Context, parentID int64, children []NewItem, createdBy int64) ([]model.Item, []model.TransferRecord, error) {
	if len(children) == 0 {
		return nil, nil, &ledger.Error{Op: "split", ItemID: parentID, Kind: ledger.ErrInvalidSplit, Err: errors.New("no child items")}
	}
	for i := range children {
		if children[i].Kind == "" {
			children[i].Kind = model.ItemKindStone
		}
		if err := children[i].validate(); err != nil {
			return nil, nil, fmt.Errorf("child %d: %w", i+1, err)
		}
	}

	var items []model.Item
	var recs []model.TransferRecord
	err := r.db.InTx(ctx, func(ctx context.Context, tx *db.Tx) error {
		parent, err := store.GetItem(ctx, tx, parentID)
		if err != nil {
			return err
		}
		if parent == nil {
			return &ledger.Error{Op: "split", ItemID: parentID, Kind: ledger.ErrItemNotFound}
		}
		if err := checkWeight(parent, children); err != nil {
			return err
		}

		ids := make([]int64, 0, len(children))
		for _, c := range children {
			child, err := store.CreateItem(ctx, tx, store.ItemParams{
				Kind:        c.Kind,
				Name:        strings.TrimSpace(c.Name),
				Description: c.Description,
				Carats:      c.Carats,
				ParentID:    &parent.ID,
			})
			if err != nil {
				return err
			}
			items = append(items, *child)
			ids = append(ids, child.ID)
		}

		recs, err = r.ledger.RetireForSplit(ctx, parentID, ids, createdBy)
		return err
	})
	if err != nil {
		return nil, nil, fmt.Errorf("split: %w", err)
	}

	r.logger.Info("item split registered", "item_id", parentID, "children", len(items))
	return items, recs, nil
}

func checkWeight(parent *model.Item, children []NewItem) error {
	if !parent.Carats.Valid {
		return nil
	}
	total := decimal.Zero
	for _, c := range children {
		if c.Carats.Valid {
			total = total.Add(c.Carats.Decimal)
		}
	}
	if total.GreaterThan(parent.Carats.Decimal) {
		return &ledger.Error{
			Op: "split", ItemID: parent.ID, Kind: ledger.ErrInvalidSplit,
			Err: fmt.Errorf("children weigh %s ct, parent weighs %s ct", total, parent.Carats.Decimal),
		}
	}
	return nil
}
