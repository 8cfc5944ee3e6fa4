package postgres_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/realmgate/internal/storage/postgres"
	"github.com/cory-johannsen/realmgate/internal/testutil"
)

func uniqueAddr(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func TestBanRepository_BanAndCheck(t *testing.T) {
	repo := postgres.NewBanRepository(testutil.NewPool(t))
	ctx := context.Background()
	addr := uniqueAddr("10.0.0.1")

	banned, err := repo.IsBanned(ctx, addr)
	require.NoError(t, err)
	assert.False(t, banned)

	b, err := repo.Ban(ctx, addr, "griefing", 0)
	require.NoError(t, err)
	assert.Equal(t, addr, b.Address)
	assert.Equal(t, "griefing", b.Reason)
	assert.Nil(t, b.ExpiresAt)

	banned, err = repo.IsBanned(ctx, addr)
	require.NoError(t, err)
	assert.True(t, banned)
}

func TestBanRepository_BanReplacesExisting(t *testing.T) {
	repo := postgres.NewBanRepository(testutil.NewPool(t))
	ctx := context.Background()
	addr := uniqueAddr("10.0.0.2")

	_, err := repo.Ban(ctx, addr, "first", 0)
	require.NoError(t, err)
	b, err := repo.Ban(ctx, addr, "second", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, "second", b.Reason)
	require.NotNil(t, b.ExpiresAt)

	got, err := repo.Get(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, "second", got.Reason)
}

func TestBanRepository_ExpiredBanIgnored(t *testing.T) {
	pool := testutil.NewPool(t)
	repo := postgres.NewBanRepository(pool)
	ctx := context.Background()
	addr := uniqueAddr("10.0.0.3")

	_, err := pool.Exec(ctx,
		`INSERT INTO ip_bans (address, reason, expires_at) VALUES ($1, 'old', NOW() - INTERVAL '1 minute')`, addr)
	require.NoError(t, err)

	banned, err := repo.IsBanned(ctx, addr)
	require.NoError(t, err)
	assert.False(t, banned)

	n, err := repo.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, n, int64(1))
	_, err = repo.Get(ctx, addr)
	assert.ErrorIs(t, err, postgres.ErrBanNotFound)
}

func TestBanRepository_Unban(t *testing.T) {
	repo := postgres.NewBanRepository(testutil.NewPool(t))
	ctx := context.Background()
	addr := uniqueAddr("10.0.0.4")

	assert.ErrorIs(t, repo.Unban(ctx, addr), postgres.ErrBanNotFound)

	_, err := repo.Ban(ctx, addr, "", 0)
	require.NoError(t, err)
	require.NoError(t, repo.Unban(ctx, addr))

	banned, err := repo.IsBanned(ctx, addr)
	require.NoError(t, err)
	assert.False(t, banned)
}
