// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mkojima/shiori/internal/chapter"
	"github.com/mkojima/shiori/internal/models"
)

// UpsertLogicalChapter resolves or creates the canonical chapter row
// for (seriesID, chapterKey). The insert races through the unique
// constraint: exactly one concurrent caller observes created=true, all
// others fall through to the select. first_seen_at is never updated.
func (s *Store) UpsertLogicalChapter(ctx context.Context, seriesID int64, chapterKey, title string) (*models.LogicalChapter, bool, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO logical_chapters (series_id, chapter_key, title)
		VALUES ($1, $2, $3)
		ON CONFLICT (series_id, chapter_key) DO NOTHING
		RETURNING id, series_id, chapter_key, title, first_seen_at, announced_at`,
		seriesID, chapterKey, title)

	ch, err := scanLogicalChapter(row)
	if err == nil {
		return ch, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert logical chapter: %w", err)
	}

	row = s.pool.QueryRow(ctx, `
		SELECT id, series_id, chapter_key, title, first_seen_at, announced_at
		FROM logical_chapters WHERE series_id = $1 AND chapter_key = $2`,
		seriesID, chapterKey)
	ch, err = scanLogicalChapter(row)
	if err != nil {
		return nil, false, fmt.Errorf("load logical chapter %d/%s: %w", seriesID, chapterKey, err)
	}
	return ch, false, nil
}

// UpsertChapterSource inserts or refreshes the evidence row for one
// (chapter, source) pair. detected_at is write-once. changed reports
// whether an existing row's url or availability actually moved, so the
// caller can tell a real update from a replay.
func (s *Store) UpsertChapterSource(ctx context.Context, up chapter.SourceUpsert) (*models.ChapterSource, bool, bool, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO chapter_sources
			(logical_chapter_id, series_source_id, url, language, scanlation_group, source_chapter_id, is_available)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (logical_chapter_id, series_source_id) DO NOTHING
		RETURNING id, logical_chapter_id, series_source_id, url, language,
		          scanlation_group, source_chapter_id, is_available, detected_at, announced_at`,
		up.LogicalChapterID, up.SeriesSourceID, up.URL, up.Language,
		up.ScanlationGroup, up.SourceChapterID, up.IsAvailable)

	cs, err := scanChapterSource(row)
	if err == nil {
		return cs, true, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, false, fmt.Errorf("insert chapter source: %w", err)
	}

	// Row exists: update only when something actually changed. A
	// material change clears announced_at so the event owes delivery
	// again.
	row = s.pool.QueryRow(ctx, `
		UPDATE chapter_sources
		SET url = $3, language = $4, scanlation_group = $5,
		    source_chapter_id = COALESCE($6, source_chapter_id),
		    is_available = $7, announced_at = NULL
		WHERE logical_chapter_id = $1 AND series_source_id = $2
		  AND (url IS DISTINCT FROM $3 OR is_available IS DISTINCT FROM $7)
		RETURNING id, logical_chapter_id, series_source_id, url, language,
		          scanlation_group, source_chapter_id, is_available, detected_at, announced_at`,
		up.LogicalChapterID, up.SeriesSourceID, up.URL, up.Language,
		up.ScanlationGroup, up.SourceChapterID, up.IsAvailable)

	cs, err = scanChapterSource(row)
	if err == nil {
		return cs, false, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, false, fmt.Errorf("update chapter source: %w", err)
	}

	// Nothing moved; return the current row.
	row = s.pool.QueryRow(ctx, `
		SELECT id, logical_chapter_id, series_source_id, url, language,
		       scanlation_group, source_chapter_id, is_available, detected_at, announced_at
		FROM chapter_sources WHERE logical_chapter_id = $1 AND series_source_id = $2`,
		up.LogicalChapterID, up.SeriesSourceID)
	cs, err = scanChapterSource(row)
	if err != nil {
		return nil, false, false, fmt.Errorf("load chapter source %d/%d: %w", up.LogicalChapterID, up.SeriesSourceID, err)
	}
	return cs, false, false, nil
}

// ListChapters returns a series' logical chapters newest-first with
// their per-source evidence, sources ordered by descending trust.
func (s *Store) ListChapters(ctx context.Context, seriesID int64, limit int) ([]models.LogicalChapter, map[int64][]models.ChapterSource, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, series_id, chapter_key, title, first_seen_at, announced_at
		FROM logical_chapters
		WHERE series_id = $1
		ORDER BY first_seen_at DESC, id DESC
		LIMIT $2`, seriesID, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("list chapters for series %d: %w", seriesID, err)
	}
	defer rows.Close()

	var chapters []models.LogicalChapter
	ids := make([]int64, 0, limit)
	for rows.Next() {
		ch, err := scanLogicalChapter(rows)
		if err != nil {
			return nil, nil, err
		}
		chapters = append(chapters, *ch)
		ids = append(ids, ch.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if len(ids) == 0 {
		return chapters, map[int64][]models.ChapterSource{}, nil
	}

	srcRows, err := s.pool.Query(ctx, `
		SELECT cs.id, cs.logical_chapter_id, cs.series_source_id, cs.url, cs.language,
		       cs.scanlation_group, cs.source_chapter_id, cs.is_available, cs.detected_at, cs.announced_at
		FROM chapter_sources cs
		JOIN series_sources ss ON ss.id = cs.series_source_id
		WHERE cs.logical_chapter_id = ANY($1)
		ORDER BY ss.trust_score DESC, cs.detected_at ASC`, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("list chapter sources: %w", err)
	}
	defer srcRows.Close()

	bySrc := make(map[int64][]models.ChapterSource)
	for srcRows.Next() {
		cs, err := scanChapterSource(srcRows)
		if err != nil {
			return nil, nil, err
		}
		bySrc[cs.LogicalChapterID] = append(bySrc[cs.LogicalChapterID], *cs)
	}
	return chapters, bySrc, srcRows.Err()
}

// MarkChapterAnnounced records that the discovery event for a chapter
// reached the broker. Called only after a successful emit; the gap
// between emit and marker is covered by the event's deterministic id.
func (s *Store) MarkChapterAnnounced(ctx context.Context, chapterID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE logical_chapters SET announced_at = now() WHERE id = $1`, chapterID)
	if err != nil {
		return fmt.Errorf("mark chapter %d announced: %w", chapterID, err)
	}
	return nil
}

// MarkChapterSourceAnnounced records delivery of the event covering one
// evidence row's latest state.
func (s *Store) MarkChapterSourceAnnounced(ctx context.Context, chapterSourceID int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE chapter_sources SET announced_at = now() WHERE id = $1`, chapterSourceID)
	if err != nil {
		return fmt.Errorf("mark chapter source %d announced: %w", chapterSourceID, err)
	}
	return nil
}

func scanLogicalChapter(row pgx.Row) (*models.LogicalChapter, error) {
	var m models.LogicalChapter
	err := row.Scan(&m.ID, &m.SeriesID, &m.ChapterKey, &m.Title, &m.FirstSeenAt, &m.AnnouncedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func scanChapterSource(row pgx.Row) (*models.ChapterSource, error) {
	var m models.ChapterSource
	err := row.Scan(&m.ID, &m.LogicalChapterID, &m.SeriesSourceID, &m.URL, &m.Language,
		&m.ScanlationGroup, &m.SourceChapterID, &m.IsAvailable, &m.DetectedAt, &m.AnnouncedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
