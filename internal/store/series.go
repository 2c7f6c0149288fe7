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

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// CreateSeries inserts a new tracked series.
func (s *Store) CreateSeries(ctx context.Context, title string, tier models.CatalogTier, heat models.Heat) (*models.Series, error) {
	if !tier.Valid() {
		return nil, fmt.Errorf("invalid catalog tier %q", tier)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO series (title, catalog_tier, heat)
		VALUES ($1, $2, $3)
		RETURNING id, title, catalog_tier, heat, recent_reads, recent_follows,
		          search_heat, demotion_streak, created_at, updated_at`,
		title, tier, heat)
	return scanSeries(row)
}

// GetSeries loads one series.
func (s *Store) GetSeries(ctx context.Context, id int64) (*models.Series, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, title, catalog_tier, heat, recent_reads, recent_follows,
		       search_heat, demotion_streak, created_at, updated_at
		FROM series WHERE id = $1`, id)
	series, err := scanSeries(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("series %d: %w", id, ErrNotFound)
	}
	return series, err
}

// FindSeriesByTitle looks up a series by case-insensitive exact title.
// Used by the discovery consumer to decide whether a search hit is a
// new series or an existing one missing a source.
func (s *Store) FindSeriesByTitle(ctx context.Context, title string) (*models.Series, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, title, catalog_tier, heat, recent_reads, recent_follows,
		       search_heat, demotion_streak, created_at, updated_at
		FROM series WHERE lower(title) = lower($1)
		ORDER BY id LIMIT 1`, title)
	series, err := scanSeries(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("series %q: %w", title, ErrNotFound)
	}
	return series, err
}

// ListSeries pages through the catalog by ascending id. Pass afterID=0
// for the first page.
func (s *Store) ListSeries(ctx context.Context, afterID int64, limit int) ([]models.Series, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, title, catalog_tier, heat, recent_reads, recent_follows,
		       search_heat, demotion_streak, created_at, updated_at
		FROM series WHERE id > $1 ORDER BY id LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list series: %w", err)
	}
	defer rows.Close()

	var out []models.Series
	for rows.Next() {
		series, err := scanSeries(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *series)
	}
	return out, rows.Err()
}

// UpdateSeriesTier writes the classifier's decision for one series.
func (s *Store) UpdateSeriesTier(ctx context.Context, id int64, tier models.CatalogTier, heat models.Heat, demotionStreak int) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE series
		SET catalog_tier = $2, heat = $3, demotion_streak = $4, updated_at = now()
		WHERE id = $1`,
		id, tier, heat, demotionStreak)
	if err != nil {
		return fmt.Errorf("update series %d tier: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("series %d: %w", id, ErrNotFound)
	}
	return nil
}

// SetEngagement replaces the engagement signals for one series. Called
// by the analytics ingest, and by tests.
func (s *Store) SetEngagement(ctx context.Context, id int64, reads, follows, searchHeat int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE series
		SET recent_reads = $2, recent_follows = $3, search_heat = $4, updated_at = now()
		WHERE id = $1`,
		id, reads, follows, searchHeat)
	if err != nil {
		return fmt.Errorf("set engagement for series %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("series %d: %w", id, ErrNotFound)
	}
	return nil
}

// CountSeriesByTier returns the catalog size per tier.
func (s *Store) CountSeriesByTier(ctx context.Context) (map[models.CatalogTier]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT catalog_tier, count(*) FROM series GROUP BY catalog_tier`)
	if err != nil {
		return nil, fmt.Errorf("count series by tier: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.CatalogTier]int64)
	for rows.Next() {
		var tier models.CatalogTier
		var n int64
		if err := rows.Scan(&tier, &n); err != nil {
			return nil, err
		}
		counts[tier] = n
	}
	return counts, rows.Err()
}

// AddSeriesSource binds a series to one external source. The
// (series, source) pair is unique; re-adding returns the existing row
// with created=false.
func (s *Store) AddSeriesSource(ctx context.Context, seriesID int64, sourceName, externalID, url string, trustScore float64) (*models.SeriesSource, bool, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO series_sources (series_id, source_name, external_id, url, trust_score)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (series_id, source_name) DO NOTHING
		RETURNING id, series_id, source_name, external_id, url, trust_score,
		          failure_count, status, last_polled_at, created_at`,
		seriesID, sourceName, externalID, url, trustScore)

	src, err := scanSeriesSource(row)
	if err == nil {
		return src, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("add source %s to series %d: %w", sourceName, seriesID, err)
	}

	// Lost the insert race or the pair already exists; load it.
	row = s.pool.QueryRow(ctx, `
		SELECT id, series_id, source_name, external_id, url, trust_score,
		       failure_count, status, last_polled_at, created_at
		FROM series_sources WHERE series_id = $1 AND source_name = $2`,
		seriesID, sourceName)
	src, err = scanSeriesSource(row)
	if err != nil {
		return nil, false, fmt.Errorf("load source %s for series %d: %w", sourceName, seriesID, err)
	}
	return src, false, nil
}

// GetSeriesSource loads one series source.
func (s *Store) GetSeriesSource(ctx context.Context, id int64) (*models.SeriesSource, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, series_id, source_name, external_id, url, trust_score,
		       failure_count, status, last_polled_at, created_at
		FROM series_sources WHERE id = $1`, id)
	src, err := scanSeriesSource(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("series source %d: %w", id, ErrNotFound)
	}
	return src, err
}

// ListSeriesSources returns every source bound to a series.
func (s *Store) ListSeriesSources(ctx context.Context, seriesID int64) ([]models.SeriesSource, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, series_id, source_name, external_id, url, trust_score,
		       failure_count, status, last_polled_at, created_at
		FROM series_sources WHERE series_id = $1 ORDER BY id`, seriesID)
	if err != nil {
		return nil, fmt.Errorf("list sources for series %d: %w", seriesID, err)
	}
	defer rows.Close()

	var out []models.SeriesSource
	for rows.Next() {
		src, err := scanSeriesSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *src)
	}
	return out, rows.Err()
}

// DueTarget is one (series, source) pair eligible for polling.
type DueTarget struct {
	SeriesID       int64
	SeriesSourceID int64
}

// ListDueTargets returns active sources of series in (tier, heat) whose
// last poll is older than cutoff, never-polled sources first.
func (s *Store) ListDueTargets(ctx context.Context, tier models.CatalogTier, heat models.Heat, cutoff time.Time, limit int) ([]DueTarget, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ss.series_id, ss.id
		FROM series_sources ss
		JOIN series s ON s.id = ss.series_id
		WHERE ss.status = 'active'
		  AND s.catalog_tier = $1
		  AND s.heat = $2
		  AND (ss.last_polled_at IS NULL OR ss.last_polled_at <= $3)
		ORDER BY ss.last_polled_at ASC NULLS FIRST
		LIMIT $4`,
		tier, heat, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list due targets %s/%s: %w", tier, heat, err)
	}
	defer rows.Close()

	var out []DueTarget
	for rows.Next() {
		var t DueTarget
		if err := rows.Scan(&t.SeriesID, &t.SeriesSourceID); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecordPollSuccess resets the failure streak and stamps the poll time.
func (s *Store) RecordPollSuccess(ctx context.Context, seriesSourceID int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE series_sources SET failure_count = 0, last_polled_at = $2 WHERE id = $1`,
		seriesSourceID, at)
	if err != nil {
		return fmt.Errorf("record poll success for source %d: %w", seriesSourceID, err)
	}
	return nil
}

// RecordPollFailure increments the failure streak and stamps the poll
// time, returning the new streak.
func (s *Store) RecordPollFailure(ctx context.Context, seriesSourceID int64, at time.Time) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `
		UPDATE series_sources SET failure_count = failure_count + 1, last_polled_at = $2
		WHERE id = $1
		RETURNING failure_count`,
		seriesSourceID, at).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("series source %d: %w", seriesSourceID, ErrNotFound)
		}
		return 0, fmt.Errorf("record poll failure for source %d: %w", seriesSourceID, err)
	}
	return count, nil
}

// DisableSource flips a source to disabled. Disabled sources are
// excluded from scheduling until an operator re-enables them.
func (s *Store) DisableSource(ctx context.Context, seriesSourceID int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE series_sources SET status = 'disabled' WHERE id = $1`, seriesSourceID)
	if err != nil {
		return fmt.Errorf("disable source %d: %w", seriesSourceID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("series source %d: %w", seriesSourceID, ErrNotFound)
	}
	return nil
}

// EnableSource re-activates a disabled source and clears its streak.
func (s *Store) EnableSource(ctx context.Context, seriesSourceID int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE series_sources SET status = 'active', failure_count = 0 WHERE id = $1`, seriesSourceID)
	if err != nil {
		return fmt.Errorf("enable source %d: %w", seriesSourceID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("series source %d: %w", seriesSourceID, ErrNotFound)
	}
	return nil
}

func scanSeries(row pgx.Row) (*models.Series, error) {
	var m models.Series
	err := row.Scan(&m.ID, &m.Title, &m.CatalogTier, &m.Heat, &m.RecentReads,
		&m.RecentFollows, &m.SearchHeat, &m.DemotionStreak, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanSeriesSource(row pgx.Row) (*models.SeriesSource, error) {
	var m models.SeriesSource
	err := row.Scan(&m.ID, &m.SeriesID, &m.SourceName, &m.ExternalID, &m.URL,
		&m.TrustScore, &m.FailureCount, &m.Status, &m.LastPolledAt, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
