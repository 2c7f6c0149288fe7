// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mkojima/shiori/internal/models"
)

// RecordSearch bumps the demand counters for one normalized query and
// returns the updated stat. newUser marks a first-seen user hash for
// the approximate unique-user count.
func (s *Store) RecordSearch(ctx context.Context, normalizedKey string, newUser bool, at time.Time) (*models.QueryStat, error) {
	uniqueDelta := 0
	if newUser {
		uniqueDelta = 1
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO query_stats (normalized_key, total_searches, unique_users, last_searched_at)
		VALUES ($1, 1, $2, $3)
		ON CONFLICT (normalized_key) DO UPDATE
		SET total_searches   = query_stats.total_searches + 1,
		    unique_users     = query_stats.unique_users + $2,
		    last_searched_at = $3
		RETURNING normalized_key, total_searches, unique_users, resolved, deferred,
		          pending, last_searched_at, last_enqueued_at`,
		normalizedKey, uniqueDelta, at)
	return scanQueryStat(row)
}

// GetQueryStat loads one query's demand record.
func (s *Store) GetQueryStat(ctx context.Context, normalizedKey string) (*models.QueryStat, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT normalized_key, total_searches, unique_users, resolved, deferred,
		       pending, last_searched_at, last_enqueued_at
		FROM query_stats WHERE normalized_key = $1`, normalizedKey)
	stat, err := scanQueryStat(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("query stat %q: %w", normalizedKey, ErrNotFound)
	}
	return stat, err
}

// TryMarkPending claims the in-flight marker for a query. The claim is
// a compare-and-set: it succeeds for at most one caller at a time, and
// only when no enqueue happened since cooldownCutoff. Racing gates for
// the same query see claimed=false.
//
// A pending claim older than staleCutoff is reclaimable: a worker that
// died between claiming and publishing must not wedge the key forever.
func (s *Store) TryMarkPending(ctx context.Context, normalizedKey string, cooldownCutoff, staleCutoff, at time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE query_stats
		SET pending = TRUE, last_enqueued_at = $4
		WHERE normalized_key = $1
		  AND ((pending = FALSE AND (last_enqueued_at IS NULL OR last_enqueued_at <= $2))
		    OR (pending = TRUE AND last_enqueued_at IS NOT NULL AND last_enqueued_at <= $3))`,
		normalizedKey, cooldownCutoff, staleCutoff, at)
	if err != nil {
		return false, fmt.Errorf("mark pending %q: %w", normalizedKey, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClearPending releases the in-flight marker once the discovery crawl
// finished, recording whether it resolved the query.
func (s *Store) ClearPending(ctx context.Context, normalizedKey string, resolved bool) error {
	resolvedDelta, deferredDelta := 0, 1
	if resolved {
		resolvedDelta, deferredDelta = 1, 0
	}
	_, err := s.pool.Exec(ctx, `
		UPDATE query_stats
		SET pending = FALSE,
		    resolved = resolved + $2,
		    deferred = deferred + $3
		WHERE normalized_key = $1`,
		normalizedKey, resolvedDelta, deferredDelta)
	if err != nil {
		return fmt.Errorf("clear pending %q: %w", normalizedKey, err)
	}
	return nil
}

func scanQueryStat(row pgx.Row) (*models.QueryStat, error) {
	var m models.QueryStat
	err := row.Scan(&m.NormalizedKey, &m.TotalSearches, &m.UniqueUsers, &m.Resolved,
		&m.Deferred, &m.Pending, &m.LastSearchedAt, &m.LastEnqueuedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
