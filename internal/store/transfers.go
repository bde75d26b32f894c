package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/erazemk/custody/internal/db"
	"github.com/erazemk/custody/internal/model"
)

// ErrActiveTransferExists is returned when inserting an active record for an
// item that already has one. The partial unique index on
// transfers(item_id) WHERE is_active raises it, so it holds across
// concurrent writers.
var ErrActiveTransferExists = errors.New("item already has an active transfer")

// TransferParams describes a transfer record to insert.
type TransferParams struct {
	ItemID       int64
	FromHolderID int64
	ToHolderID   int64
	CreatedByID  int64
	InitiatedAt  time.Time
	ConfirmedAt  *time.Time
	Remarks      string
}

const transferSelect = `SELECT t.id, t.item_id, t.from_holder_id, t.to_holder_id, t.created_by,
        t.initiated_at, t.confirmed_at, t.is_active, t.remarks,
        i.name AS item_name, fh.name AS from_holder_name, th.name AS to_holder_name,
        cb.name AS created_by_name
 FROM transfers t
 JOIN items i ON i.id = t.item_id
 JOIN holders fh ON fh.id = t.from_holder_id
 JOIN holders th ON th.id = t.to_holder_id
 JOIN holders cb ON cb.id = t.created_by`

// InsertActiveTransfer records a new active transfer. The caller must first
// deactivate the item's previous active record in the same transaction.
func InsertActiveTransfer(ctx context.Context, q db.Querier, p TransferParams) (*model.TransferRecord, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		`INSERT INTO transfers (item_id, from_holder_id, to_holder_id, created_by,
		                        initiated_at, confirmed_at, is_active, remarks)
		 VALUES (?, ?, ?, ?, ?, ?, TRUE, ?) RETURNING id`,
		p.ItemID, p.FromHolderID, p.ToHolderID, p.CreatedByID,
		p.InitiatedAt, p.ConfirmedAt, p.Remarks,
	).Scan(&id)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return nil, fmt.Errorf("recording transfer: %w", ErrActiveTransferExists)
		}
		return nil, fmt.Errorf("recording transfer: %w", err)
	}

	return GetTransfer(ctx, q, id)
}

// DeactivateTransfer clears the active flag on a record that is still
// active. It reports false if another writer already moved the flag.
func DeactivateTransfer(ctx context.Context, q db.Querier, id int64) (bool, error) {
	result, err := q.ExecContext(ctx,
		`UPDATE transfers SET is_active = FALSE WHERE id = ? AND is_active`, id,
	)
	if err != nil {
		return false, fmt.Errorf("deactivating transfer: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deactivating transfer: %w", err)
	}
	return n == 1, nil
}

// ConfirmTransfer sets confirmed_at on an active, unconfirmed record. It
// reports false if the record was already confirmed or is no longer active.
func ConfirmTransfer(ctx context.Context, q db.Querier, id int64, at time.Time) (bool, error) {
	result, err := q.ExecContext(ctx,
		`UPDATE transfers SET confirmed_at = ?
		 WHERE id = ? AND is_active AND confirmed_at IS NULL`,
		at, id,
	)
	if err != nil {
		return false, fmt.Errorf("confirming transfer: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("confirming transfer: %w", err)
	}
	return n == 1, nil
}

// GetTransfer returns a transfer by ID.
func GetTransfer(ctx context.Context, q db.Querier, id int64) (*model.TransferRecord, error) {
	t, err := scanTransfer(q.QueryRowContext(ctx, transferSelect+` WHERE t.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting transfer: %w", err)
	}
	return t, nil
}

// GetActiveTransfer returns the item's active record, or nil if it has none.
func GetActiveTransfer(ctx context.Context, q db.Querier, itemID int64) (*model.TransferRecord, error) {
	t, err := scanTransfer(q.QueryRowContext(ctx,
		transferSelect+` WHERE t.item_id = ? AND t.is_active`, itemID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting active transfer: %w", err)
	}
	return t, nil
}

// GetMostRecentTransfer returns the item's record with the latest
// initiated_at; ties go to the record inserted last.
func GetMostRecentTransfer(ctx context.Context, q db.Querier, itemID int64) (*model.TransferRecord, error) {
	t, err := scanTransfer(q.QueryRowContext(ctx,
		transferSelect+` WHERE t.item_id = ? ORDER BY t.initiated_at DESC, t.id DESC LIMIT 1`, itemID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting most recent transfer: %w", err)
	}
	return t, nil
}

// HasTransfers reports whether the item has any custody history.
func HasTransfers(ctx context.Context, q db.Querier, itemID int64) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM transfers WHERE item_id = ?)`, itemID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking transfer history: %w", err)
	}
	return exists, nil
}

// TransferFilter narrows ListTransfers. Zero values match everything.
type TransferFilter struct {
	ItemID     int64
	HolderID   int64
	ActiveOnly bool
	Status     model.LocationStatus
	Limit      int
}

// ListTransfers returns transfers, newest first.
func ListTransfers(ctx context.Context, q db.Querier, f TransferFilter) ([]model.TransferRecord, error) {
	query := transferSelect + ` WHERE 1=1`
	var args []any

	if f.ItemID > 0 {
		query += ` AND t.item_id = ?`
		args = append(args, f.ItemID)
	}
	if f.HolderID > 0 {
		query += ` AND (t.from_holder_id = ? OR t.to_holder_id = ?)`
		args = append(args, f.HolderID, f.HolderID)
	}
	if f.ActiveOnly {
		query += ` AND t.is_active`
	}
	switch f.Status {
	case model.StatusUnconfirmed:
		query += ` AND t.confirmed_at IS NULL`
	case model.StatusConfirmed:
		query += ` AND t.confirmed_at IS NOT NULL`
	}

	query += ` ORDER BY t.initiated_at DESC, t.id DESC`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing transfers: %w", err)
	}
	defer rows.Close()

	return scanTransfers(rows)
}

// ListItemHistory returns the full custody chain of an item, newest first.
func ListItemHistory(ctx context.Context, q db.Querier, itemID int64) ([]model.TransferRecord, error) {
	return ListTransfers(ctx, q, TransferFilter{ItemID: itemID})
}

// ListActiveByHolder returns the active records that place items in the
// holder's custody.
func ListActiveByHolder(ctx context.Context, q db.Querier, holderID int64) ([]model.TransferRecord, error) {
	rows, err := q.QueryContext(ctx,
		transferSelect+` WHERE t.to_holder_id = ? AND t.is_active ORDER BY i.name, t.item_id`, holderID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing holder custody: %w", err)
	}
	defer rows.Close()

	return scanTransfers(rows)
}

func scanTransfer(row rowScanner) (*model.TransferRecord, error) {
	t := &model.TransferRecord{}
	if err := row.Scan(&t.ID, &t.ItemID, &t.FromHolderID, &t.ToHolderID, &t.CreatedByID,
		&t.InitiatedAt, &t.ConfirmedAt, &t.Active, &t.Remarks,
		&t.ItemName, &t.FromHolderName, &t.ToHolderName, &t.CreatedByName); err != nil {
		return nil, err
	}
	return t, nil
}

func scanTransfers(rows *sql.Rows) ([]model.TransferRecord, error) {
	var transfers []model.TransferRecord
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning transfer: %w", err)
		}
		transfers = append(transfers, *t)
	}
	return transfers, rows.Err()
}
