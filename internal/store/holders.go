package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/erazemk/custody/internal/db"
	"github.com/erazemk/custody/internal/model"
)

// ErrHolderHasCustody is returned when deleting a holder that still has
// items in its custody.
var ErrHolderHasCustody = errors.New("holder still has items in custody")

// CreateHolder creates a new holder.
func CreateHolder(ctx context.Context, q db.Querier, name, holderType string) (*model.Holder, error) {
	var id int64
	err := q.QueryRowContext(ctx,
		`INSERT INTO holders (name, type) VALUES (?, ?) RETURNING id`,
		name, holderType,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("creating holder: %w", err)
	}

	return GetHolder(ctx, q, id)
}

// GetHolder returns a holder by ID.
func GetHolder(ctx context.Context, q db.Querier, id int64) (*model.Holder, error) {
	h := &model.Holder{}
	err := q.QueryRowContext(ctx,
		`SELECT id, name, type, created_at, deleted_at
		 FROM holders WHERE id = ?`, id,
	).Scan(&h.ID, &h.Name, &h.Type, &h.CreatedAt, &h.DeletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting holder: %w", err)
	}
	return h, nil
}

// GetSplitHolder returns the system holder that sends custody to split children.
func GetSplitHolder(ctx context.Context, q db.Querier) (*model.Holder, error) {
	h := &model.Holder{}
	err := q.QueryRowContext(ctx,
		`SELECT id, name, type, created_at, deleted_at
		 FROM holders WHERE type = ? AND name = ?`,
		model.HolderTypeSystem, db.SplitHolderName,
	).Scan(&h.ID, &h.Name, &h.Type, &h.CreatedAt, &h.DeletedAt)
	if err != nil {
		return nil, fmt.Errorf("getting split holder: %w", err)
	}
	return h, nil
}

// ListHolders returns all non-deleted holders, optionally filtered by type.
func ListHolders(ctx context.Context, q db.Querier, holderType string) ([]model.Holder, error) {
	query := `SELECT id, name, type, created_at, deleted_at
	          FROM holders WHERE deleted_at IS NULL`
	var args []any
	if holderType != "" {
		query += ` AND type = ?`
		args = append(args, holderType)
	}
	query += ` ORDER BY name`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing holders: %w", err)
	}
	defer rows.Close()

	var holders []model.Holder
	for rows.Next() {
		var h model.Holder
		if err := rows.Scan(&h.ID, &h.Name, &h.Type, &h.CreatedAt, &h.DeletedAt); err != nil {
			return nil, fmt.Errorf("scanning holder: %w", err)
		}
		holders = append(holders, h)
	}
	return holders, rows.Err()
}

// UpdateHolder updates a holder's name.
func UpdateHolder(ctx context.Context, q db.Querier, id int64, name string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE holders SET name = ? WHERE id = ? AND deleted_at IS NULL AND type <> ?`,
		name, id, model.HolderTypeSystem,
	)
	if err != nil {
		return fmt.Errorf("updating holder: %w", err)
	}
	return nil
}

// DeleteHolder soft-deletes a holder. Fails if any item is currently in the
// holder's custody, confirmed or not.
func DeleteHolder(ctx context.Context, q db.Querier, id int64) error {
	var count int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transfers WHERE to_holder_id = ? AND is_active`, id,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("checking holder custody: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("deleting holder: %w (%d items)", ErrHolderHasCustody, count)
	}

	_, err = q.ExecContext(ctx,
		`UPDATE holders SET deleted_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND deleted_at IS NULL AND type <> ?`,
		id, model.HolderTypeSystem,
	)
	if err != nil {
		return fmt.Errorf("deleting holder: %w", err)
	}
	return nil
}
