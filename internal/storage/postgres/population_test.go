package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/realmgate/internal/storage/postgres"
	"github.com/cory-johannsen/realmgate/internal/testutil"
)

func TestPopulationRepository_RecordAndLatest(t *testing.T) {
	repo := postgres.NewPopulationRepository(testutil.NewPool(t))
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	_, err := repo.Latest(ctx, 7)
	assert.ErrorIs(t, err, postgres.ErrNoSamples)

	require.NoError(t, repo.RecordPopulation(ctx, 7, 12, base))
	require.NoError(t, repo.RecordPopulation(ctx, 7, 30, base.Add(time.Minute)))
	require.NoError(t, repo.RecordPopulation(ctx, 7, 4, base.Add(2*time.Minute)))
	require.NoError(t, repo.RecordPopulation(ctx, 8, 99, base.Add(3*time.Minute)))

	latest, err := repo.Latest(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, 4, latest.Players)
	assert.True(t, latest.RecordedAt.Equal(base.Add(2*time.Minute)))

	peak, err := repo.Peak(ctx, 7, base)
	require.NoError(t, err)
	assert.Equal(t, 30, peak)

	peak, err = repo.Peak(ctx, 7, base.Add(90*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 4, peak)
}

func TestPopulationRepository_RejectsNegative(t *testing.T) {
	repo := postgres.NewPopulationRepository(testutil.NewPool(t))
	assert.Error(t, repo.RecordPopulation(context.Background(), 1, -1, time.Now()))
}
