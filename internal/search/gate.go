// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

/*
Package search implements the intent gate between user searches and
outbound discovery crawls.

Every search updates demand accounting; almost none of them launch a
crawl. A query must clear, in order: the per-key cooldown, the heat
threshold (one-off searches never crawl), the in-flight check, and
discovery queue health. A trending query searched by a hundred
thousand users inside one cooldown window collapses to exactly one
discovery job: the losers of the pending-marker compare-and-set and
the queue's deterministic job id absorb every race the ordered checks
let through.
*/
package search

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkojima/shiori/internal/cache"
	"github.com/mkojima/shiori/internal/logging"
	"github.com/mkojima/shiori/internal/metrics"
	"github.com/mkojima/shiori/internal/models"
	"github.com/mkojima/shiori/internal/queue"
)

// Store is the persistence surface for demand accounting.
type Store interface {
	RecordSearch(ctx context.Context, normalizedKey string, newUser bool, at time.Time) (*models.QueryStat, error)
	GetQueryStat(ctx context.Context, normalizedKey string) (*models.QueryStat, error)
	TryMarkPending(ctx context.Context, normalizedKey string, cooldownCutoff, staleCutoff, at time.Time) (bool, error)
	ClearPending(ctx context.Context, normalizedKey string, resolved bool) error
}

// Publisher submits discovery jobs.
type Publisher interface {
	Submit(ctx context.Context, topic, key string, payload any) error
}

// Backpressure answers discovery queue health checks.
type Backpressure interface {
	Saturated(ctx context.Context, q queue.Queue) (bool, error)
}

// Config tunes the gate.
type Config struct {
	// Cooldown is the minimum gap between crawls for one key.
	Cooldown time.Duration
	// MinSearches / MinUniqueUsers: either threshold admits the query.
	MinSearches    int64
	MinUniqueUsers int64
	// UserCacheSize bounds the approximate unique-user tracking.
	UserCacheSize int
	// PendingStaleAfter bounds how long a pending claim blocks a key.
	// A holder that dies between claim and publish is written off after
	// this window and the claim becomes reclaimable.
	PendingStaleAfter time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Cooldown:          30 * time.Second,
		MinSearches:       2,
		MinUniqueUsers:    2,
		UserCacheSize:     100_000,
		PendingStaleAfter: 10 * time.Minute,
	}
}

// Reason explains a gate decision.
type Reason string

const (
	ReasonEnqueued     Reason = "enqueued"
	ReasonCooldown     Reason = "cooldown"
	ReasonBelowHeat    Reason = "below_heat"
	ReasonInFlight     Reason = "in_flight"
	ReasonBackpressure Reason = "backpressure"
	ReasonEmptyQuery   Reason = "empty_query"
)

// Decision is the outcome of one search event.
type Decision struct {
	Enqueued      bool
	Reason        Reason
	NormalizedKey string
}

// Gate is the search intent gate.
type Gate struct {
	store Store
	pub   Publisher
	guard Backpressure
	cfg   Config
	users *cache.LRUCache
	nowFn func() time.Time
	log   zerolog.Logger
}

// New creates a gate.
func New(st Store, pub Publisher, guard Backpressure, cfg Config) *Gate {
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.MinSearches <= 0 {
		cfg.MinSearches = 2
	}
	if cfg.MinUniqueUsers <= 0 {
		cfg.MinUniqueUsers = 2
	}
	if cfg.UserCacheSize <= 0 {
		cfg.UserCacheSize = 100_000
	}
	if cfg.PendingStaleAfter <= 0 {
		cfg.PendingStaleAfter = 10 * time.Minute
	}
	return &Gate{
		store: st,
		pub:   pub,
		guard: guard,
		cfg:   cfg,
		users: cache.NewLRUCache(cfg.UserCacheSize, 24*time.Hour),
		nowFn: time.Now,
		log:   logging.With().Str("component", "search-gate").Logger(),
	}
}

// RecordSearch handles one user search event: always updates demand
// accounting, sometimes enqueues a discovery crawl.
func (g *Gate) RecordSearch(ctx context.Context, rawQuery, userID string) (Decision, error) {
	key := NormalizeQuery(rawQuery)
	if key == "" {
		return Decision{Reason: ReasonEmptyQuery}, nil
	}
	now := g.nowFn().UTC()

	// Per-process approximation: good enough for a >=2 threshold, and
	// replays only ever over-count, which is the safe direction.
	newUser := userID != "" && !g.users.IsDuplicate(key+"|"+userID)

	stat, err := g.store.RecordSearch(ctx, key, newUser, now)
	if err != nil {
		return Decision{NormalizedKey: key}, fmt.Errorf("record search %q: %w", key, err)
	}

	decision, err := g.decide(ctx, key, rawQuery, stat, now)
	if err != nil {
		return decision, err
	}
	metrics.SearchDecisions.WithLabelValues(string(decision.Reason)).Inc()
	return decision, nil
}

func (g *Gate) decide(ctx context.Context, key, rawQuery string, stat *models.QueryStat, now time.Time) (Decision, error) {
	skip := Decision{NormalizedKey: key}

	if stat.LastEnqueuedAt != nil && now.Sub(*stat.LastEnqueuedAt) < g.cfg.Cooldown {
		skip.Reason = ReasonCooldown
		return skip, nil
	}

	if stat.TotalSearches < g.cfg.MinSearches && stat.UniqueUsers < g.cfg.MinUniqueUsers {
		skip.Reason = ReasonBelowHeat
		return skip, nil
	}

	if stat.Pending && !g.pendingStale(stat, now) {
		skip.Reason = ReasonInFlight
		return skip, nil
	}

	if g.guard != nil {
		saturated, err := g.guard.Saturated(ctx, queue.QueueDiscovery)
		if err != nil {
			// Depth unknown: refuse rather than risk a storm. The user
			// just retries next cooldown window.
			g.log.Warn().Err(err).Str("key", key).Msg("Discovery queue health unknown, refusing enqueue")
			skip.Reason = ReasonBackpressure
			return skip, nil
		}
		if saturated {
			skip.Reason = ReasonBackpressure
			return skip, nil
		}
	}

	// The checks above read a snapshot; this compare-and-set is the
	// authoritative collapse point for concurrent gates. The stale
	// cutoff lets it take over a claim whose holder died before
	// publishing, so no key stays wedged in flight.
	claimed, err := g.store.TryMarkPending(ctx, key, now.Add(-g.cfg.Cooldown), now.Add(-g.cfg.PendingStaleAfter), now)
	if err != nil {
		return skip, fmt.Errorf("claim pending %q: %w", key, err)
	}
	if !claimed {
		skip.Reason = ReasonInFlight
		return skip, nil
	}

	job := models.DiscoveryJob{
		NormalizedQuery: key,
		RawQuery:        rawQuery,
		Intent:          "search",
		Trigger:         "user",
		EnqueuedAt:      now,
	}
	if err := g.pub.Submit(ctx, queue.TopicDiscovery, job.JobID(), job); err != nil {
		// Roll the claim back so the next window can retry.
		if clearErr := g.store.ClearPending(context.WithoutCancel(ctx), key, false); clearErr != nil {
			g.log.Error().Err(clearErr).Str("key", key).Msg("Pending rollback failed")
		}
		return skip, fmt.Errorf("enqueue discovery for %q: %w", key, err)
	}

	g.log.Info().Str("key", key).Msg("Discovery crawl enqueued")
	return Decision{Enqueued: true, Reason: ReasonEnqueued, NormalizedKey: key}, nil
}

// pendingStale reports whether an in-flight claim has outlived its
// window and may be taken over.
func (g *Gate) pendingStale(stat *models.QueryStat, now time.Time) bool {
	return stat.LastEnqueuedAt != nil && now.Sub(*stat.LastEnqueuedAt) >= g.cfg.PendingStaleAfter
}
