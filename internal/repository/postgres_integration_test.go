package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"ingest-queue/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPostgres(t *testing.T, clock *testClock) *PostgresRepository {
	t.Helper()

	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	repo, err := NewPostgresRepository(ctx, PostgresConfig{
		ConnectionString: url,
		RetryAttempts:    1,
		RetryInterval:    time.Second,
	}, WithClock(clock.Now))
	require.NoError(t, err)

	_, err = repo.pool.Exec(ctx, `TRUNCATE ingest_jobs RESTART IDENTITY; DELETE FROM queue_state`)
	require.NoError(t, err)

	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestPostgresRepository_Lifecycle(t *testing.T) {
	clock := newTestClock()
	repo := newTestPostgres(t, clock)
	ctx := context.Background()

	first := insertJob(t, repo, "doc")
	clock.Advance(time.Second)
	second := insertJob(t, repo, "doc")

	jobs, err := repo.SelectDue(ctx, 1, testMaxAttempts)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, first, jobs[0].ID)

	job, err := repo.Claim(ctx, first, testMaxAttempts)
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, job.Status)

	_, err = repo.Claim(ctx, first, testMaxAttempts)
	assert.ErrorIs(t, err, ErrJobNotClaimable)

	next := clock.Now().Add(10 * time.Minute)
	require.NoError(t, repo.Update(ctx, first, models.JobUpdate{
		Status:       ptr(models.StatusFailed),
		Attempts:     ptr(1),
		NextAttempt:  &next,
		ErrorMessage: ptr("boom"),
	}))

	job, err = repo.Get(ctx, first)
	require.NoError(t, err)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, "boom", *job.ErrorMessage)
	assert.Equal(t, next.Unix(), job.NextAttempt.Unix())

	latest, err := repo.LatestByReference(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, second, latest.ID)

	n, err := repo.CountPending(ctx, testMaxAttempts)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPostgresRepository_PurgeAndState(t *testing.T) {
	clock := newTestClock()
	repo := newTestPostgres(t, clock)
	ctx := context.Background()

	old := insertJob(t, repo, "old")
	require.NoError(t, repo.Update(ctx, old, models.JobUpdate{
		Status: ptr(models.StatusFailed), Attempts: ptr(testMaxAttempts),
	}))
	clock.Advance(8 * 24 * time.Hour)
	keep := insertJob(t, repo, "keep")

	n, err := repo.PurgeStaleFailed(ctx, 7*24*time.Hour, testMaxAttempts)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, err = repo.Get(ctx, keep)
	assert.NoError(t, err)

	swapped, err := repo.CompareAndSwapState(ctx, StateLastProcessed, "", "1")
	require.NoError(t, err)
	assert.True(t, swapped)
	swapped, err = repo.CompareAndSwapState(ctx, StateLastProcessed, "", "2")
	require.NoError(t, err)
	assert.False(t, swapped)

	value, ok, err := repo.GetState(ctx, StateLastProcessed)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", value)
}
