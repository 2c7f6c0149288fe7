// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package store

import (
	"context"
	"fmt"
)

// schemaStatements create the catalog schema. Statements are
// idempotent and applied in order on startup.
//
// The two UNIQUE constraints on logical_chapters and chapter_sources
// are load-bearing: they are what makes concurrent reconciliation of
// the same chapter race-safe across processes.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS series (
		id              BIGSERIAL PRIMARY KEY,
		title           TEXT        NOT NULL,
		catalog_tier    TEXT        NOT NULL DEFAULT 'B',
		heat            TEXT        NOT NULL DEFAULT 'COLD',
		recent_reads    BIGINT      NOT NULL DEFAULT 0,
		recent_follows  BIGINT      NOT NULL DEFAULT 0,
		search_heat     BIGINT      NOT NULL DEFAULT 0,
		demotion_streak INT         NOT NULL DEFAULT 0,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS series_sources (
		id             BIGSERIAL PRIMARY KEY,
		series_id      BIGINT      NOT NULL REFERENCES series(id) ON DELETE CASCADE,
		source_name    TEXT        NOT NULL,
		external_id    TEXT        NOT NULL,
		url            TEXT        NOT NULL DEFAULT '',
		trust_score    DOUBLE PRECISION NOT NULL DEFAULT 0.5,
		failure_count  INT         NOT NULL DEFAULT 0,
		status         TEXT        NOT NULL DEFAULT 'active',
		last_polled_at TIMESTAMPTZ,
		created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (series_id, source_name)
	)`,

	`CREATE TABLE IF NOT EXISTS logical_chapters (
		id            BIGSERIAL PRIMARY KEY,
		series_id     BIGINT      NOT NULL REFERENCES series(id) ON DELETE CASCADE,
		chapter_key   TEXT        NOT NULL,
		title         TEXT        NOT NULL DEFAULT '',
		first_seen_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		announced_at  TIMESTAMPTZ,
		UNIQUE (series_id, chapter_key)
	)`,

	`CREATE TABLE IF NOT EXISTS chapter_sources (
		id                 BIGSERIAL PRIMARY KEY,
		logical_chapter_id BIGINT      NOT NULL REFERENCES logical_chapters(id) ON DELETE CASCADE,
		series_source_id   BIGINT      NOT NULL REFERENCES series_sources(id) ON DELETE CASCADE,
		url                TEXT        NOT NULL,
		language           TEXT        NOT NULL DEFAULT '',
		scanlation_group   TEXT        NOT NULL DEFAULT '',
		source_chapter_id  TEXT,
		is_available       BOOLEAN     NOT NULL DEFAULT TRUE,
		detected_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		announced_at       TIMESTAMPTZ,
		UNIQUE (logical_chapter_id, series_source_id)
	)`,

	`CREATE TABLE IF NOT EXISTS query_stats (
		normalized_key   TEXT PRIMARY KEY,
		total_searches   BIGINT      NOT NULL DEFAULT 0,
		unique_users     BIGINT      NOT NULL DEFAULT 0,
		resolved         BIGINT      NOT NULL DEFAULT 0,
		deferred         BIGINT      NOT NULL DEFAULT 0,
		pending          BOOLEAN     NOT NULL DEFAULT FALSE,
		last_searched_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		last_enqueued_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS rate_buckets (
		source_name    TEXT PRIMARY KEY,
		tokens         DOUBLE PRECISION NOT NULL,
		last_refill_at TIMESTAMPTZ NOT NULL,
		last_take_at   TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS leases (
		name       TEXT PRIMARY KEY,
		holder     TEXT        NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	)`,

	`ALTER TABLE logical_chapters ADD COLUMN IF NOT EXISTS announced_at TIMESTAMPTZ`,

	`ALTER TABLE chapter_sources ADD COLUMN IF NOT EXISTS announced_at TIMESTAMPTZ`,

	`CREATE INDEX IF NOT EXISTS idx_series_sources_due
		ON series_sources (last_polled_at) WHERE status = 'active'`,

	`CREATE INDEX IF NOT EXISTS idx_logical_chapters_series
		ON logical_chapters (series_id, first_seen_at DESC)`,

	`CREATE INDEX IF NOT EXISTS idx_chapter_sources_chapter
		ON chapter_sources (logical_chapter_id)`,
}

// Migrate applies the schema. Safe to run on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	s.log.Debug().Int("statements", len(schemaStatements)).Msg("Schema migrated")
	return nil
}
