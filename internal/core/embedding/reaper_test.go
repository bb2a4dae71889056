package embedding

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaleClaimReaper_RunRequeuesExpiredClaims(t *testing.T) {
	repo := newMemRepository()
	staleID := repo.add("stale")
	freshID := repo.add("fresh")

	token := uuid.New()
	staleAt := repo.now.Add(-time.Hour)
	freshAt := repo.now.Add(-time.Minute)
	repo.update(staleID, func(d *Document) {
		d.Status = StatusProcessing
		d.ClaimToken = &token
		d.ClaimedAt = &staleAt
	})
	repo.update(freshID, func(d *Document) {
		d.Status = StatusProcessing
		d.ClaimToken = &token
		d.ClaimedAt = &freshAt
	})

	reaper := NewStaleClaimReaper(repo, ReaperConfig{LeaseTimeout: 10 * time.Minute}, discardLogger())
	count, err := reaper.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, count)
	stale := repo.get(staleID)
	assert.Equal(t, StatusPending, stale.Status)
	assert.Equal(t, 1, stale.Attempts)
	assert.Nil(t, stale.ClaimToken)
	fresh := repo.get(freshID)
	assert.Equal(t, StatusProcessing, fresh.Status)
	assert.Equal(t, 0, fresh.Attempts)
}

func TestStaleClaimReaper_RunFailsDocumentAtMaxAttempts(t *testing.T) {
	repo := newMemRepository()
	id := repo.add("crashes the worker")

	// 毎回ワーカーを異常終了させるドキュメントは回収のたびに試行回数が進む
	reaper := NewStaleClaimReaper(repo, ReaperConfig{LeaseTimeout: 10 * time.Minute, MaxAttempts: 3}, discardLogger())
	for i := 0; i < 3; i++ {
		token := uuid.New()
		claimedAt := repo.now.Add(-time.Hour)
		repo.update(id, func(d *Document) {
			d.Status = StatusProcessing
			d.ClaimToken = &token
			d.ClaimedAt = &claimedAt
		})

		count, err := reaper.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	}

	doc := repo.get(id)
	assert.Equal(t, StatusFailed, doc.Status)
	assert.Equal(t, 3, doc.Attempts)
	assert.Nil(t, doc.ClaimToken)
}

func TestStaleClaimReaper_Defaults(t *testing.T) {
	reaper := NewStaleClaimReaper(newMemRepository(), ReaperConfig{}, nil)
	assert.Equal(t, DefaultReaperSchedule, reaper.config.Schedule)
	assert.Equal(t, DefaultLeaseTimeout, reaper.config.LeaseTimeout)
	assert.Equal(t, DefaultMaxAttempts, reaper.config.MaxAttempts)
}

func TestStaleClaimReaper_StartRejectsInvalidSchedule(t *testing.T) {
	reaper := NewStaleClaimReaper(newMemRepository(), ReaperConfig{Schedule: "not a schedule"}, discardLogger())
	err := reaper.Start(context.Background())
	assert.Error(t, err)
}

func TestStaleClaimReaper_StartAndStop(t *testing.T) {
	reaper := NewStaleClaimReaper(newMemRepository(), ReaperConfig{Schedule: "@every 1h"}, discardLogger())
	require.NoError(t, reaper.Start(context.Background()))
	reaper.Stop()
}

func TestStaleClaimReaper_RunWithCanceledContext(t *testing.T) {
	reaper := NewStaleClaimReaper(newMemRepository(), ReaperConfig{}, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := reaper.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
