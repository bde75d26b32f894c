package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/erazemk/custody/internal/db"
)

const settingJWTSecret = "jwt_secret"

// EnsureSetting returns the stored value for key. When the key is absent it
// stores the output of generate first. Concurrent callers agree on a single
// value: the insert is a no-op for every caller but the first.
func EnsureSetting(ctx context.Context, q db.Querier, key string, generate func() (string, error)) (string, error) {
	candidate, err := generate()
	if err != nil {
		return "", fmt.Errorf("generating %s: %w", key, err)
	}

	if _, err := q.ExecContext(ctx,
		`INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT (key) DO NOTHING`,
		key, candidate,
	); err != nil {
		return "", fmt.Errorf("storing %s: %w", key, err)
	}

	var value string
	if err := q.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value); err != nil {
		return "", fmt.Errorf("reading %s: %w", key, err)
	}
	return value, nil
}

// GetJWTSecret returns the token signing secret, creating a random 256-bit
// one on first use.
func GetJWTSecret(ctx context.Context, q db.Querier) (string, error) {
	return EnsureSetting(ctx, q, settingJWTSecret, func() (string, error) {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		return hex.EncodeToString(buf), nil
	})
}
