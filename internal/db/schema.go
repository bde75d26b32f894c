package db

import (
	"context"
	"fmt"
)

// SplitHolderName is the system holder that sends custody to split children.
const SplitHolderName = "split"

// sqliteSchema is the full SQLite schema.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS holders (
    id         INTEGER PRIMARY KEY,
    name       TEXT NOT NULL,
    type       TEXT NOT NULL CHECK (type IN ('person', 'location', 'lab', 'customer', 'system')),
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    deleted_at DATETIME
)`,
	`CREATE TABLE IF NOT EXISTS users (
    id            INTEGER PRIMARY KEY,
    username      TEXT NOT NULL,
    password_hash TEXT NOT NULL,
    role          TEXT NOT NULL DEFAULT 'user' CHECK (role IN ('admin', 'manager', 'user')),
    holder_id     INTEGER REFERENCES holders(id),
    created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    deleted_at    DATETIME
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username_active
    ON users(username) WHERE deleted_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS items (
    id          INTEGER PRIMARY KEY,
    ref         TEXT NOT NULL UNIQUE,
    kind        TEXT NOT NULL CHECK (kind IN ('parcel', 'stone')),
    name        TEXT NOT NULL,
    description TEXT,
    carats      TEXT,
    parent_id   INTEGER REFERENCES items(id),
    image       BLOB,
    image_mime  TEXT,
    retired_at  DATETIME,
    created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
	`CREATE INDEX IF NOT EXISTS idx_items_parent ON items(parent_id)`,
	`CREATE TABLE IF NOT EXISTS transfers (
    id             INTEGER PRIMARY KEY,
    item_id        INTEGER NOT NULL REFERENCES items(id),
    from_holder_id INTEGER NOT NULL REFERENCES holders(id),
    to_holder_id   INTEGER NOT NULL REFERENCES holders(id),
    created_by     INTEGER NOT NULL REFERENCES holders(id),
    initiated_at   DATETIME NOT NULL,
    confirmed_at   DATETIME,
    is_active      BOOLEAN NOT NULL DEFAULT 0,
    remarks        TEXT NOT NULL DEFAULT ''
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_transfers_item_active
    ON transfers(item_id) WHERE is_active`,
	`CREATE INDEX IF NOT EXISTS idx_transfers_item ON transfers(item_id, initiated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_transfers_to_active ON transfers(to_holder_id) WHERE is_active`,
	`CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS revoked_tokens (
    jti        TEXT PRIMARY KEY,
    expires_at DATETIME NOT NULL
)`,
}

// postgresSchema mirrors sqliteSchema with native Postgres types.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS holders (
    id         BIGSERIAL PRIMARY KEY,
    name       TEXT NOT NULL,
    type       TEXT NOT NULL CHECK (type IN ('person', 'location', 'lab', 'customer', 'system')),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    deleted_at TIMESTAMPTZ
)`,
	`CREATE TABLE IF NOT EXISTS users (
    id            BIGSERIAL PRIMARY KEY,
    username      TEXT NOT NULL,
    password_hash TEXT NOT NULL,
    role          TEXT NOT NULL DEFAULT 'user' CHECK (role IN ('admin', 'manager', 'user')),
    holder_id     BIGINT REFERENCES holders(id),
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    deleted_at    TIMESTAMPTZ
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_users_username_active
    ON users(username) WHERE deleted_at IS NULL`,
	`CREATE TABLE IF NOT EXISTS items (
    id          BIGSERIAL PRIMARY KEY,
    ref         UUID NOT NULL UNIQUE,
    kind        TEXT NOT NULL CHECK (kind IN ('parcel', 'stone')),
    name        TEXT NOT NULL,
    description TEXT,
    carats      NUMERIC(12, 3),
    parent_id   BIGINT REFERENCES items(id),
    image       BYTEA,
    image_mime  TEXT,
    retired_at  TIMESTAMPTZ,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE INDEX IF NOT EXISTS idx_items_parent ON items(parent_id)`,
	`CREATE TABLE IF NOT EXISTS transfers (
    id             BIGSERIAL PRIMARY KEY,
    item_id        BIGINT NOT NULL REFERENCES items(id),
    from_holder_id BIGINT NOT NULL REFERENCES holders(id),
    to_holder_id   BIGINT NOT NULL REFERENCES holders(id),
    created_by     BIGINT NOT NULL REFERENCES holders(id),
    initiated_at   TIMESTAMPTZ NOT NULL,
    confirmed_at   TIMESTAMPTZ,
    is_active      BOOLEAN NOT NULL DEFAULT FALSE,
    remarks        TEXT NOT NULL DEFAULT ''
)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_transfers_item_active
    ON transfers(item_id) WHERE is_active`,
	`CREATE INDEX IF NOT EXISTS idx_transfers_item ON transfers(item_id, initiated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_transfers_to_active ON transfers(to_holder_id) WHERE is_active`,
	`CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS revoked_tokens (
    jti        TEXT PRIMARY KEY,
    expires_at TIMESTAMPTZ NOT NULL
)`,
}

// seed inserts rows every database needs. Each statement is idempotent.
var seed = []string{
	`INSERT INTO holders (name, type)
     SELECT '` + SplitHolderName + `', 'system'
     WHERE NOT EXISTS (SELECT 1 FROM holders WHERE type = 'system' AND name = '` + SplitHolderName + `')`,
}

// EnsureSchema creates all tables and indexes if they don't already exist.
func EnsureSchema(d *DB) error {
	ctx := context.Background()

	stmts := sqliteSchema
	if d.Dialect == Postgres {
		stmts = postgresSchema
	}
	stmts = append(append([]string{}, stmts...), seed...)

	for i, stmt := range stmts {
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating schema (statement %d): %w", i+1, err)
		}
	}
	return nil
}
