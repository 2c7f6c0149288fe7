// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

//go:build integration

package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkojima/shiori/internal/chapter"
	"github.com/mkojima/shiori/internal/models"
	"github.com/mkojima/shiori/internal/ratelimit"
	"github.com/mkojima/shiori/internal/store"
	"github.com/mkojima/shiori/internal/testinfra"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	testinfra.SkipIfNoDocker(t)
	ctx := context.Background()

	pg, err := testinfra.NewPostgresContainer(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { testinfra.CleanupContainer(t, ctx, pg) })

	cfg := store.DefaultConfig()
	cfg.URL = pg.DSN
	st, err := store.Open(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(st.Close)

	require.NoError(t, st.Migrate(ctx))
	return st
}

func TestStoreSeriesLifecycle(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	series, err := st.CreateSeries(ctx, "One Piece", models.TierA, models.HeatHot)
	require.NoError(t, err)
	assert.Positive(t, series.ID)

	got, err := st.GetSeries(ctx, series.ID)
	require.NoError(t, err)
	assert.Equal(t, "One Piece", got.Title)
	assert.Equal(t, models.TierA, got.CatalogTier)

	_, err = st.GetSeries(ctx, 99999)
	assert.ErrorIs(t, err, store.ErrNotFound)

	byTitle, err := st.FindSeriesByTitle(ctx, "ONE PIECE")
	require.NoError(t, err)
	assert.Equal(t, series.ID, byTitle.ID, "title lookup is case-insensitive")

	require.NoError(t, st.UpdateSeriesTier(ctx, series.ID, models.TierB, models.HeatWarm, 1))
	got, err = st.GetSeries(ctx, series.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TierB, got.CatalogTier)
	assert.Equal(t, 1, got.DemotionStreak)

	src, created, err := st.AddSeriesSource(ctx, series.ID, "comiket-api", "ext-1", "https://example.com/op", 0.9)
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := st.AddSeriesSource(ctx, series.ID, "comiket-api", "other", "https://other", 0.1)
	require.NoError(t, err)
	assert.False(t, created, "re-adding the pair returns the existing row")
	assert.Equal(t, src.ID, again.ID)
	assert.Equal(t, "ext-1", again.ExternalID)
}

func TestStorePollBookkeeping(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	series, err := st.CreateSeries(ctx, "Test", models.TierA, models.HeatHot)
	require.NoError(t, err)
	src, _, err := st.AddSeriesSource(ctx, series.ID, "scanfeed", "s-1", "https://scan.example/s1", 0.5)
	require.NoError(t, err)

	due, err := st.ListDueTargets(ctx, models.TierA, models.HeatHot, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1, "never-polled sources are due immediately")
	assert.Equal(t, src.ID, due[0].SeriesSourceID)

	for i := 1; i <= 3; i++ {
		n, err := st.RecordPollFailure(ctx, src.ID, time.Now())
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}

	require.NoError(t, st.RecordPollSuccess(ctx, src.ID, time.Now()))
	reloaded, err := st.GetSeriesSource(ctx, src.ID)
	require.NoError(t, err)
	assert.Zero(t, reloaded.FailureCount, "success resets the streak")

	due, err = st.ListDueTargets(ctx, models.TierA, models.HeatHot, time.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "freshly polled source is not due")

	require.NoError(t, st.DisableSource(ctx, src.ID))
	due, err = st.ListDueTargets(ctx, models.TierA, models.HeatHot, time.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "disabled sources are never scheduled")

	require.NoError(t, st.EnableSource(ctx, src.ID))
	reloaded, err = st.GetSeriesSource(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SourceActive, reloaded.Status)
}

func TestStoreChapterUpsertRace(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	series, err := st.CreateSeries(ctx, "Race Series", models.TierA, models.HeatHot)
	require.NoError(t, err)

	const racers = 16
	var wg sync.WaitGroup
	createdCount := make(chan bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := st.UpsertLogicalChapter(ctx, series.ID, "1105.5", "The Calm")
			assert.NoError(t, err)
			createdCount <- created
		}()
	}
	wg.Wait()
	close(createdCount)

	winners := 0
	for created := range createdCount {
		if created {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one racer may observe created=true")
}

func TestStoreChapterSourceEvidence(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	series, err := st.CreateSeries(ctx, "Evidence Series", models.TierA, models.HeatHot)
	require.NoError(t, err)
	src, _, err := st.AddSeriesSource(ctx, series.ID, "comiket-api", "e-1", "https://example.com/e", 0.9)
	require.NoError(t, err)
	ch, _, err := st.UpsertLogicalChapter(ctx, series.ID, "7", "")
	require.NoError(t, err)

	up := chapter.SourceUpsert{
		LogicalChapterID: ch.ID, SeriesSourceID: src.ID,
		URL: "https://example.com/c/7", IsAvailable: true,
	}
	_, created, changed, err := st.UpsertChapterSource(ctx, up)
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, changed)

	// Replay: nothing moved.
	_, created, changed, err = st.UpsertChapterSource(ctx, up)
	require.NoError(t, err)
	assert.False(t, created)
	assert.False(t, changed)

	// URL moved.
	up.URL = "https://example.com/c/7-mirror"
	cs, created, changed, err := st.UpsertChapterSource(ctx, up)
	require.NoError(t, err)
	assert.False(t, created)
	assert.True(t, changed)
	assert.Equal(t, "https://example.com/c/7-mirror", cs.URL)

	chapters, sources, err := st.ListChapters(ctx, series.ID, 10)
	require.NoError(t, err)
	require.Len(t, chapters, 1)
	require.Len(t, sources[chapters[0].ID], 1)
}

func TestStoreQueryStatPendingCAS(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := st.RecordSearch(ctx, "one-piec-1105", true, now)
	require.NoError(t, err)
	stat, err := st.RecordSearch(ctx, "one-piec-1105", false, now)
	require.NoError(t, err)
	assert.EqualValues(t, 2, stat.TotalSearches)
	assert.EqualValues(t, 1, stat.UniqueUsers)

	const gates = 16
	var wg sync.WaitGroup
	claims := make(chan bool, gates)
	for i := 0; i < gates; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := st.TryMarkPending(ctx, "one-piec-1105", now.Add(-30*time.Second), now.Add(-10*time.Minute), now)
			assert.NoError(t, err)
			claims <- ok
		}()
	}
	wg.Wait()
	close(claims)

	winners := 0
	for ok := range claims {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "the pending claim admits exactly one gate")

	require.NoError(t, st.ClearPending(ctx, "one-piec-1105", true))
	stat, err = st.GetQueryStat(ctx, "one-piec-1105")
	require.NoError(t, err)
	assert.False(t, stat.Pending)
	assert.EqualValues(t, 1, stat.Resolved)

	// Cooldown: last_enqueued_at is recent, the claim must refuse.
	ok, err := st.TryMarkPending(ctx, "one-piec-1105", now.Add(-time.Second), now.Add(-10*time.Minute), now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	// Past the window it succeeds again.
	ok, err = st.TryMarkPending(ctx, "one-piec-1105", now.Add(time.Minute), now.Add(-10*time.Minute), now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	// The key is now pending with no crawl running, as if the claim
	// holder crashed before publishing. A fresh claim refuses while the
	// stale cutoff predates the enqueue...
	ok, err = st.TryMarkPending(ctx, "one-piec-1105", now.Add(time.Hour), now.Add(-10*time.Minute), now.Add(3*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	// ...and reclaims once the claim has outlived the window.
	ok, err = st.TryMarkPending(ctx, "one-piec-1105", now.Add(time.Hour), now.Add(30*time.Minute), now.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok, "a dead holder's claim must not wedge the key")
}

func TestStoreTakeTokenFleetSafety(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	profile := ratelimit.Profile{RatePerSec: 0.001, Burst: 5}

	const workers = 20
	var wg sync.WaitGroup
	grants := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := st.TakeToken(ctx, "comiket-api", profile)
			assert.NoError(t, err)
			grants <- ok
		}()
	}
	wg.Wait()
	close(grants)

	granted := 0
	for ok := range grants {
		if ok {
			granted++
		}
	}
	assert.Equal(t, 5, granted, "the burst budget binds across concurrent workers")

	ok, retryIn, err := st.TakeToken(ctx, "comiket-api", profile)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Positive(t, retryIn, "an empty bucket returns a retry hint")
}

func TestStoreTakeTokenCooldown(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	profile := ratelimit.Profile{RatePerSec: 100, Burst: 10, MinInterval: 2 * time.Second}

	ok, _, err := st.TakeToken(ctx, "scanfeed", profile)
	require.NoError(t, err)
	require.True(t, ok)

	// Tokens are plentiful; the inter-request cooldown still binds.
	ok, retryIn, err := st.TakeToken(ctx, "scanfeed", profile)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Positive(t, retryIn)
	assert.LessOrEqual(t, retryIn, 2*time.Second)
}

func TestStoreLeases(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()

	ok, err := st.AcquireLease(ctx, "scheduler-tick", "worker-a", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = st.AcquireLease(ctx, "scheduler-tick", "worker-b", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "held lease refuses other holders")

	ok, err = st.AcquireLease(ctx, "scheduler-tick", "worker-a", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "re-acquire by the holder extends")

	ok, err = st.RenewLease(ctx, "scheduler-tick", "worker-b", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "only the holder renews")

	require.NoError(t, st.ReleaseLease(ctx, "scheduler-tick", "worker-b"))
	ok, err = st.AcquireLease(ctx, "scheduler-tick", "worker-b", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "foreign release is a no-op")

	require.NoError(t, st.ReleaseLease(ctx, "scheduler-tick", "worker-a"))
	ok, err = st.AcquireLease(ctx, "scheduler-tick", "worker-b", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "released lease is free")

	// Expired leases are claimable.
	ok, err = st.AcquireLease(ctx, "tier-maintenance", "worker-a", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	time.Sleep(150 * time.Millisecond)
	ok, err = st.AcquireLease(ctx, "tier-maintenance", "worker-b", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
