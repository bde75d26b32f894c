package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erazemk/custody/internal/db"
)

func TestRevokeAndCheckToken(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	revoked, err := IsTokenRevoked(ctx, database, "session-a")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, RevokeToken(ctx, database, "session-a", time.Now().Add(time.Hour)))
	// Revoking again is a no-op.
	require.NoError(t, RevokeToken(ctx, database, "session-a", time.Now().Add(time.Hour)))

	revoked, err = IsTokenRevoked(ctx, database, "session-a")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = IsTokenRevoked(ctx, database, "session-b")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRevokeTokenPurgesExpiredEntries(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()

	require.NoError(t, RevokeToken(ctx, database, "stale", time.Now().Add(-time.Hour)))
	require.NoError(t, RevokeToken(ctx, database, "fresh", time.Now().Add(time.Hour)))

	var n int
	require.NoError(t, database.QueryRowContext(ctx, `SELECT COUNT(*) FROM revoked_tokens`).Scan(&n))
	assert.Equal(t, 1, n)

	revoked, err := IsTokenRevoked(ctx, database, "fresh")
	require.NoError(t, err)
	assert.True(t, revoked)
}

func TestPurgeRevokedTokens(t *testing.T) {
	database := db.NewTestDB(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, RevokeToken(ctx, database, "later", now.Add(2*time.Hour)))

	n, err := PurgeRevokedTokens(ctx, database, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = PurgeRevokedTokens(ctx, database, now.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
