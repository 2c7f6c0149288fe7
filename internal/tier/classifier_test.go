// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package tier

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkojima/shiori/internal/models"
)

func testClassifier() *Classifier {
	return NewClassifier(DefaultConfig())
}

func series(tier models.CatalogTier, reads, follows, search int64, streak int) models.Series {
	return models.Series{
		ID:             1,
		CatalogTier:    tier,
		Heat:           models.HeatCold,
		RecentReads:    reads,
		RecentFollows:  follows,
		SearchHeat:     search,
		DemotionStreak: streak,
	}
}

func TestScoreWeights(t *testing.T) {
	c := testClassifier()
	// 10 reads + 2 follows*5 + 1 search*3 = 23
	assert.InDelta(t, 23, c.Score(series(models.TierB, 10, 2, 1, 0)), 0.001)
}

func TestPromotionIsImmediate(t *testing.T) {
	c := testClassifier()

	d := c.Classify(series(models.TierC, 200, 0, 0, 0))
	assert.Equal(t, models.TierA, d.Tier, "C jumps straight to A when the score warrants it")
	assert.Zero(t, d.DemotionStreak)

	d = c.Classify(series(models.TierC, 20, 0, 0, 1))
	assert.Equal(t, models.TierB, d.Tier)
	assert.Zero(t, d.DemotionStreak, "promotion clears hysteresis state")
}

func TestDemotionRequiresTwoConsecutivePasses(t *testing.T) {
	c := testClassifier()

	// Score 20: below DemoteA (50) but above PromoteB (10).
	s := series(models.TierA, 20, 0, 0, 0)

	d := c.Classify(s)
	assert.Equal(t, models.TierA, d.Tier, "first low pass only builds the streak")
	assert.Equal(t, 1, d.DemotionStreak)

	s.DemotionStreak = d.DemotionStreak
	d = c.Classify(s)
	assert.Equal(t, models.TierB, d.Tier, "second consecutive low pass demotes")
	assert.Zero(t, d.DemotionStreak)
}

func TestHysteresisBandHolds(t *testing.T) {
	c := testClassifier()

	// Score 60: below PromoteA (100) but above DemoteA (50): series
	// stays in A and a previous streak is cleared.
	d := c.Classify(series(models.TierA, 60, 0, 0, 1))
	assert.Equal(t, models.TierA, d.Tier)
	assert.Zero(t, d.DemotionStreak, "recovery inside the band resets the streak")
}

func TestRecoveryBetweenLowPassesPreventsDemotion(t *testing.T) {
	c := testClassifier()

	s := series(models.TierA, 20, 0, 0, 0)
	d := c.Classify(s)
	require.Equal(t, 1, d.DemotionStreak)

	// Activity recovers for one pass.
	s.DemotionStreak = d.DemotionStreak
	s.RecentReads = 80
	d = c.Classify(s)
	require.Equal(t, models.TierA, d.Tier)
	require.Zero(t, d.DemotionStreak)

	// Next low pass starts the streak over.
	s.DemotionStreak = d.DemotionStreak
	s.RecentReads = 20
	d = c.Classify(s)
	assert.Equal(t, models.TierA, d.Tier)
	assert.Equal(t, 1, d.DemotionStreak)
}

func TestDemotionIsOneTierAtATime(t *testing.T) {
	c := testClassifier()

	s := series(models.TierA, 0, 0, 0, 1)
	d := c.Classify(s)
	assert.Equal(t, models.TierB, d.Tier, "A with zero score demotes to B, not straight to C")
}

func TestHeatSubdivision(t *testing.T) {
	c := testClassifier()

	tests := []struct {
		name  string
		s     models.Series
		tier  models.CatalogTier
		heat  models.Heat
	}{
		{"tier A hot", series(models.TierA, 250, 0, 0, 0), models.TierA, models.HeatHot},
		{"tier A warm", series(models.TierA, 130, 0, 0, 0), models.TierA, models.HeatWarm},
		{"tier A cold", series(models.TierA, 105, 0, 0, 0), models.TierA, models.HeatCold},
		{"tier B hot", series(models.TierB, 25, 0, 0, 0), models.TierB, models.HeatHot},
		{"tier C always cold", series(models.TierC, 5, 0, 0, 0), models.TierC, models.HeatCold},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := c.Classify(tt.s)
			assert.Equal(t, tt.tier, d.Tier)
			assert.Equal(t, tt.heat, d.Heat)
		})
	}
}

func TestPollIntervals(t *testing.T) {
	assert.Equal(t, 30*time.Minute, PollInterval(models.TierA, models.HeatHot))
	assert.Equal(t, 45*time.Minute, PollInterval(models.TierA, models.HeatWarm))
	assert.Equal(t, time.Hour, PollInterval(models.TierA, models.HeatCold))
	assert.Equal(t, 6*time.Hour, PollInterval(models.TierB, models.HeatHot))
	assert.Equal(t, 12*time.Hour, PollInterval(models.TierB, models.HeatCold))
	assert.Zero(t, PollInterval(models.TierC, models.HeatHot), "tier C is never polled")
}

type memTierStore struct {
	series map[int64]*models.Series
	order  []int64
}

func (s *memTierStore) ListSeries(_ context.Context, afterID int64, limit int) ([]models.Series, error) {
	var out []models.Series
	for _, id := range s.order {
		if id > afterID {
			out = append(out, *s.series[id])
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *memTierStore) UpdateSeriesTier(_ context.Context, id int64, tier models.CatalogTier, heat models.Heat, streak int) error {
	sr := s.series[id]
	sr.CatalogTier = tier
	sr.Heat = heat
	sr.DemotionStreak = streak
	return nil
}

func (s *memTierStore) CountSeriesByTier(context.Context) (map[models.CatalogTier]int64, error) {
	counts := make(map[models.CatalogTier]int64)
	for _, sr := range s.series {
		counts[sr.CatalogTier]++
	}
	return counts, nil
}

func TestRunPassAppliesDecisions(t *testing.T) {
	st := &memTierStore{
		series: map[int64]*models.Series{
			1: {ID: 1, CatalogTier: models.TierC, RecentReads: 500},
			2: {ID: 2, CatalogTier: models.TierA, Heat: models.HeatCold},
			3: {ID: 3, CatalogTier: models.TierB, Heat: models.HeatCold, RecentReads: 15},
		},
		order: []int64{1, 2, 3},
	}

	m := NewMaintainer(st, testClassifier(), nil, DefaultConfig())
	m.batchSize = 2 // exercise pagination

	require.NoError(t, m.RunPass(context.Background()))

	assert.Equal(t, models.TierA, st.series[1].CatalogTier)
	assert.Equal(t, models.TierA, st.series[2].CatalogTier, "first quiet pass keeps tier A")
	assert.Equal(t, 1, st.series[2].DemotionStreak)
	assert.Equal(t, models.TierB, st.series[3].CatalogTier)

	require.NoError(t, m.RunPass(context.Background()))
	assert.Equal(t, models.TierB, st.series[2].CatalogTier, "second quiet pass demotes")
}
