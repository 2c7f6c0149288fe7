// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

// Package tier maintains each series' catalog tier (A/B/C) and heat
// (HOT/WARM/COLD) from engagement signals. The maintenance pass is the
// sole writer of catalog_tier; the scheduler only reads it.
package tier

import (
	"time"

	"github.com/mkojima/shiori/internal/models"
)

// Config holds scoring weights and transition thresholds. Promotion
// bars are crossed immediately; demotion requires the score to sit
// below the (lower) demotion bar for DemotionPasses consecutive
// passes, so a series hovering around a boundary does not flap.
type Config struct {
	Interval time.Duration

	ReadWeight   float64
	FollowWeight float64
	SearchWeight float64

	// PromoteA / PromoteB are the minimum scores for tiers A and B.
	PromoteA float64
	PromoteB float64

	// DemoteA / DemoteB are the hysteresis bars: strictly lower than
	// the matching promotion bar.
	DemoteA float64
	DemoteB float64

	DemotionPasses int

	// HotRatio / WarmRatio subdivide a tier by score relative to its
	// promotion bar.
	HotRatio  float64
	WarmRatio float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:       15 * time.Minute,
		ReadWeight:     1,
		FollowWeight:   5,
		SearchWeight:   3,
		PromoteA:       100,
		PromoteB:       10,
		DemoteA:        50,
		DemoteB:        5,
		DemotionPasses: 2,
		HotRatio:       2.0,
		WarmRatio:      1.25,
	}
}

// Classifier computes tier decisions. It is stateless; hysteresis
// state (the demotion streak) lives on the series row.
type Classifier struct {
	cfg Config
}

// NewClassifier creates a classifier.
func NewClassifier(cfg Config) *Classifier {
	if cfg.DemotionPasses <= 0 {
		cfg.DemotionPasses = 2
	}
	return &Classifier{cfg: cfg}
}

// Score computes the weighted activity score.
func (c *Classifier) Score(s models.Series) float64 {
	return float64(s.RecentReads)*c.cfg.ReadWeight +
		float64(s.RecentFollows)*c.cfg.FollowWeight +
		float64(s.SearchHeat)*c.cfg.SearchWeight
}

// Decision is the outcome of classifying one series.
type Decision struct {
	Tier           models.CatalogTier
	Heat           models.Heat
	DemotionStreak int
	Changed        bool
}

// Classify decides the next (tier, heat, streak) for a series given
// its current state and signals.
func (c *Classifier) Classify(s models.Series) Decision {
	score := c.Score(s)
	current := s.CatalogTier
	if !current.Valid() {
		current = models.TierC
	}

	target := c.targetTier(score)
	next := current
	streak := s.DemotionStreak

	switch {
	case rank(target) > rank(current):
		// Promotion is immediate and clears hysteresis state.
		next = target
		streak = 0

	case score < c.demoteBar(current):
		streak++
		if streak >= c.cfg.DemotionPasses {
			next = demoteOne(current)
			streak = 0
		}

	default:
		// Healthy inside the current tier.
		streak = 0
	}

	heat := c.heat(next, score)
	return Decision{
		Tier:           next,
		Heat:           heat,
		DemotionStreak: streak,
		Changed:        next != s.CatalogTier || heat != s.Heat || streak != s.DemotionStreak,
	}
}

func (c *Classifier) targetTier(score float64) models.CatalogTier {
	switch {
	case score >= c.cfg.PromoteA:
		return models.TierA
	case score >= c.cfg.PromoteB:
		return models.TierB
	default:
		return models.TierC
	}
}

func (c *Classifier) demoteBar(t models.CatalogTier) float64 {
	switch t {
	case models.TierA:
		return c.cfg.DemoteA
	case models.TierB:
		return c.cfg.DemoteB
	default:
		return 0 // tier C cannot demote further
	}
}

func (c *Classifier) heat(t models.CatalogTier, score float64) models.Heat {
	bar := c.cfg.PromoteB
	if t == models.TierA {
		bar = c.cfg.PromoteA
	}
	if t == models.TierC || bar <= 0 {
		return models.HeatCold
	}
	ratio := score / bar
	switch {
	case ratio >= c.cfg.HotRatio:
		return models.HeatHot
	case ratio >= c.cfg.WarmRatio:
		return models.HeatWarm
	default:
		return models.HeatCold
	}
}

func rank(t models.CatalogTier) int {
	switch t {
	case models.TierA:
		return 2
	case models.TierB:
		return 1
	default:
		return 0
	}
}

func demoteOne(t models.CatalogTier) models.CatalogTier {
	switch t {
	case models.TierA:
		return models.TierB
	default:
		return models.TierC
	}
}

// PollInterval returns how often a series in (tier, heat) is polled.
// Zero means never: tier C is structurally excluded from scheduling.
func PollInterval(t models.CatalogTier, h models.Heat) time.Duration {
	switch t {
	case models.TierA:
		switch h {
		case models.HeatHot:
			return 30 * time.Minute
		case models.HeatWarm:
			return 45 * time.Minute
		default:
			return 60 * time.Minute
		}
	case models.TierB:
		switch h {
		case models.HeatHot:
			return 6 * time.Hour
		case models.HeatWarm:
			return 9 * time.Hour
		default:
			return 12 * time.Hour
		}
	default:
		return 0
	}
}
