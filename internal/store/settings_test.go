package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erazemk/custody/internal/db"
)

func TestGetJWTSecretIsStable(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	first, err := GetJWTSecret(ctx, database)
	require.NoError(t, err)
	assert.Len(t, first, 64)

	second, err := GetJWTSecret(ctx, database)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEnsureSettingKeepsFirstValue(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	fixed := func(v string) func() (string, error) {
		return func() (string, error) { return v, nil }
	}

	got, err := EnsureSetting(ctx, database, "vault_code", fixed("north"))
	require.NoError(t, err)
	assert.Equal(t, "north", got)

	got, err = EnsureSetting(ctx, database, "vault_code", fixed("south"))
	require.NoError(t, err)
	assert.Equal(t, "north", got)

	_, err = EnsureSetting(ctx, database, "vault_code", func() (string, error) {
		return "", errors.New("entropy exhausted")
	})
	assert.ErrorContains(t, err, "generating vault_code")
}
