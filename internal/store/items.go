package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/erazemk/custody/internal/db"
	"github.com/erazemk/custody/internal/model"
)

// ItemParams describes an item to register.
type ItemParams struct {
	Kind        model.ItemKind
	Name        string
	Description string
	Carats      decimal.NullDecimal
	ParentID    *int64
}

const itemColumns = `id, ref, kind, name, description, carats, parent_id, image_mime, retired_at, created_at`

// CreateItem registers a new item with a fresh reference.
func CreateItem(ctx context.Context, q db.Querier, p ItemParams) (*model.Item, error) {
	if !p.Kind.Valid() {
		return nil, fmt.Errorf("invalid item kind %q", p.Kind)
	}

	var id int64
	err := q.QueryRowContext(ctx,
		`INSERT INTO items (ref, kind, name, description, carats, parent_id)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING id`,
		uuid.New(), string(p.Kind), p.Name, p.Description, p.Carats, p.ParentID,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("creating item: %w", err)
	}

	return GetItem(ctx, q, id)
}

// GetItem returns an item by ID.
func GetItem(ctx context.Context, q db.Querier, id int64) (*model.Item, error) {
	item, err := scanItem(q.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting item: %w", err)
	}
	return item, nil
}

// GetItemByRef returns an item by its label reference.
func GetItemByRef(ctx context.Context, q db.Querier, ref uuid.UUID) (*model.Item, error) {
	item, err := scanItem(q.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE ref = ?`, ref,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting item by ref: %w", err)
	}
	return item, nil
}

// ListItems returns items, optionally filtered by kind. Retired items are
// left out unless includeRetired is set.
func ListItems(ctx context.Context, q db.Querier, kind model.ItemKind, includeRetired bool) ([]model.Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE 1=1`
	var args []any
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	if !includeRetired {
		query += ` AND retired_at IS NULL`
	}
	query += ` ORDER BY name, id`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// ListChildren returns the items split from parentID.
func ListChildren(ctx context.Context, q db.Querier, parentID int64) ([]model.Item, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM items WHERE parent_id = ? ORDER BY id`, parentID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing child items: %w", err)
	}
	defer rows.Close()

	return scanItems(rows)
}

// UpdateItem updates an item's descriptive fields.
func UpdateItem(ctx context.Context, q db.Querier, id int64, name, description string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE items SET name = ?, description = ? WHERE id = ?`,
		name, description, id,
	)
	if err != nil {
		return fmt.Errorf("updating item: %w", err)
	}
	return nil
}

// MarkItemRetired stamps retired_at on an item that is not yet retired.
// It reports false if the item was already retired.
func MarkItemRetired(ctx context.Context, q db.Querier, id int64, at time.Time) (bool, error) {
	result, err := q.ExecContext(ctx,
		`UPDATE items SET retired_at = ? WHERE id = ? AND retired_at IS NULL`,
		at, id,
	)
	if err != nil {
		return false, fmt.Errorf("retiring item: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("retiring item: %w", err)
	}
	return n == 1, nil
}

// SetItemImage sets an item's image data.
func SetItemImage(ctx context.Context, q db.Querier, id int64, image []byte, mime string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE items SET image = ?, image_mime = ? WHERE id = ?`,
		image, mime, id,
	)
	if err != nil {
		return fmt.Errorf("setting item image: %w", err)
	}
	return nil
}

// GetItemImage returns an item's image data and MIME type.
func GetItemImage(ctx context.Context, q db.Querier, id int64) ([]byte, string, error) {
	var image []byte
	var mime sql.NullString
	err := q.QueryRowContext(ctx,
		`SELECT image, image_mime FROM items WHERE id = ?`, id,
	).Scan(&image, &mime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("getting item image: %w", err)
	}
	return image, mime.String, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*model.Item, error) {
	item := &model.Item{}
	var kind string
	var description, imageMime sql.NullString
	var parentID sql.NullInt64
	if err := row.Scan(&item.ID, &item.Ref, &kind, &item.Name, &description, &item.Carats,
		&parentID, &imageMime, &item.RetiredAt, &item.CreatedAt); err != nil {
		return nil, err
	}
	item.Kind = model.ItemKind(kind)
	item.Description = description.String
	item.ImageMime = imageMime.String
	if parentID.Valid {
		item.ParentID = &parentID.Int64
	}
	return item, nil
}

func scanItems(rows *sql.Rows) ([]model.Item, error) {
	var items []model.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}
