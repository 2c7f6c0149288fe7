// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

// Package chapter implements chapter-number normalization and the
// reconciler that collapses multi-source chapter reports into one
// canonical logical chapter per (series, chapter number).
package chapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mkojima/shiori/internal/logging"
	"github.com/mkojima/shiori/internal/metrics"
	"github.com/mkojima/shiori/internal/models"
	"github.com/mkojima/shiori/internal/queue"
)

// ValidationError marks a malformed ingest payload. Validation errors
// are dead-lettered by the consumer, never retried.
type ValidationError struct {
	Cause error
}

func (e *ValidationError) Error() string {
	return "invalid ingest payload: " + e.Cause.Error()
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// SourceUpsert is the evidence row the reconciler writes for one
// (logical chapter, series source) pair.
type SourceUpsert struct {
	LogicalChapterID int64
	SeriesSourceID   int64
	URL              string
	Language         string
	ScanlationGroup  string
	SourceChapterID  *string
	IsAvailable      bool
}

// Store is the persistence surface the reconciler needs. Upserts must
// be race-safe across processes: concurrent creation of the same
// chapter relies on the store's uniqueness constraints, not on
// in-process locking.
type Store interface {
	GetSeries(ctx context.Context, id int64) (*models.Series, error)
	GetSeriesSource(ctx context.Context, id int64) (*models.SeriesSource, error)

	// UpsertLogicalChapter resolves or creates the chapter for
	// (seriesID, chapterKey). created is true for exactly one caller
	// regardless of how many processes race on a new chapter.
	// first_seen_at is set on creation and never updated.
	UpsertLogicalChapter(ctx context.Context, seriesID int64, chapterKey, title string) (ch *models.LogicalChapter, created bool, err error)

	// UpsertChapterSource inserts or updates the evidence row keyed by
	// (logical_chapter_id, series_source_id). detected_at is write-once;
	// url/is_available update only when changed. changed reports whether
	// an existing row was materially updated, which also clears the
	// row's announced marker.
	UpsertChapterSource(ctx context.Context, up SourceUpsert) (cs *models.ChapterSource, created bool, changed bool, err error)

	// MarkChapterAnnounced / MarkChapterSourceAnnounced record that the
	// matching event reached the broker. Written only after a
	// successful emit, so a crash in between leaves the marker clear
	// and the redelivered job re-emits.
	MarkChapterAnnounced(ctx context.Context, chapterID int64) error
	MarkChapterSourceAnnounced(ctx context.Context, chapterSourceID int64) error
}

// Backpressure answers ingest pipeline health checks.
type Backpressure interface {
	Saturated(ctx context.Context, q queue.Queue) (bool, error)
}

// Events is the outbound fan-out boundary. Emission is at-least-once;
// the queue's message-id dedup absorbs replays.
type Events interface {
	ChapterDiscovered(ctx context.Context, ev models.ChapterDiscovered) error
	ChapterSourceAdded(ctx context.Context, ev models.ChapterSourceAdded) error
}

// Result classifies one reconciliation.
type Result string

const (
	// ResultChapterCreated: first report of a brand-new logical chapter.
	ResultChapterCreated Result = "chapter_created"
	// ResultSourceAdded: an additional source attached to a known
	// chapter, or an existing source's availability changed.
	ResultSourceAdded Result = "source_added"
	// ResultUnchanged: replayed report, nothing to do.
	ResultUnchanged Result = "unchanged"
)

// Reconciler is the sole writer of LogicalChapter and ChapterSource
// rows.
type Reconciler struct {
	store        Store
	events       Events
	guard        Backpressure
	recheckDelay time.Duration
	validate     *validator.Validate
	log          zerolog.Logger
}

// NewReconciler creates a reconciler. guard may be nil; without it the
// consumer processes at full speed regardless of queue depth.
func NewReconciler(store Store, events Events, guard Backpressure) *Reconciler {
	return &Reconciler{
		store:        store,
		events:       events,
		guard:        guard,
		recheckDelay: 2 * time.Second,
		validate:     validator.New(validator.WithRequiredStructEnabled()),
		log:          logging.With().Str("component", "reconciler").Logger(),
	}
}

// Reconcile processes one ingest job. Replaying the same report
// produces no duplicate rows; event emission is at-least-once, with
// announced markers deciding whether a replay still owes an emit.
func (r *Reconciler) Reconcile(ctx context.Context, job models.IngestJob) (Result, error) {
	start := time.Now()
	defer func() {
		metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	}()

	if err := r.validate.Struct(job); err != nil {
		metrics.ReconcileResults.WithLabelValues("dead_lettered").Inc()
		return "", &ValidationError{Cause: err}
	}

	key, err := Normalize(job.Report.ChapterNumber)
	if err != nil {
		metrics.ReconcileResults.WithLabelValues("dead_lettered").Inc()
		return "", &ValidationError{Cause: fmt.Errorf("chapter %q: %w", job.Report.ChapterNumber, err)}
	}

	ch, chapterCreated, err := r.store.UpsertLogicalChapter(ctx, job.SeriesID, key, job.Report.Title)
	if err != nil {
		return "", fmt.Errorf("upsert logical chapter %d/%s: %w", job.SeriesID, key, err)
	}

	cs, sourceCreated, sourceChanged, err := r.store.UpsertChapterSource(ctx, SourceUpsert{
		LogicalChapterID: ch.ID,
		SeriesSourceID:   job.SeriesSourceID,
		URL:              job.Report.URL,
		Language:         job.Report.Language,
		ScanlationGroup:  job.Report.ScanlationGroup,
		SourceChapterID:  job.Report.SourceChapterID,
		IsAvailable:      true,
	})
	if err != nil {
		return "", fmt.Errorf("upsert chapter source %d/%d: %w", ch.ID, job.SeriesSourceID, err)
	}

	// Emission before markers: a failure anywhere below leaves the
	// announced markers clear, the handler errors, and the redelivered
	// job re-emits. Deterministic event ids collapse the duplicates.
	switch {
	case chapterCreated || ch.AnnouncedAt == nil:
		if err := r.emitDiscovered(ctx, ch, job); err != nil {
			return "", err
		}
		if err := r.store.MarkChapterSourceAnnounced(ctx, cs.ID); err != nil {
			return "", fmt.Errorf("mark source %d announced: %w", cs.ID, err)
		}
		if err := r.store.MarkChapterAnnounced(ctx, ch.ID); err != nil {
			return "", fmt.Errorf("mark chapter %d announced: %w", ch.ID, err)
		}
		metrics.ReconcileResults.WithLabelValues(string(ResultChapterCreated)).Inc()
		r.log.Info().
			Int64("series_id", job.SeriesID).
			Str("chapter", key).
			Int64("source_id", job.SeriesSourceID).
			Msg("New chapter discovered")
		return ResultChapterCreated, nil

	case sourceCreated || sourceChanged || cs.AnnouncedAt == nil:
		if err := r.emitSourceAdded(ctx, ch, job); err != nil {
			return "", err
		}
		if err := r.store.MarkChapterSourceAnnounced(ctx, cs.ID); err != nil {
			return "", fmt.Errorf("mark source %d announced: %w", cs.ID, err)
		}
		metrics.ReconcileResults.WithLabelValues(string(ResultSourceAdded)).Inc()
		return ResultSourceAdded, nil

	default:
		metrics.ReconcileResults.WithLabelValues(string(ResultUnchanged)).Inc()
		return ResultUnchanged, nil
	}
}

func (r *Reconciler) emitDiscovered(ctx context.Context, ch *models.LogicalChapter, job models.IngestJob) error {
	series, err := r.store.GetSeries(ctx, job.SeriesID)
	if err != nil {
		return fmt.Errorf("load series %d: %w", job.SeriesID, err)
	}
	src, err := r.store.GetSeriesSource(ctx, job.SeriesSourceID)
	if err != nil {
		return fmt.Errorf("load series source %d: %w", job.SeriesSourceID, err)
	}

	ev := models.ChapterDiscovered{
		EventID:      uuid.New().String(),
		SeriesID:     series.ID,
		SeriesTitle:  series.Title,
		ChapterID:    ch.ID,
		ChapterKey:   ch.ChapterKey,
		ChapterTitle: job.Report.Title,
		SourceName:   src.SourceName,
		SourceURL:    job.Report.URL,
		DiscoveredAt: ch.FirstSeenAt,
	}
	if err := r.events.ChapterDiscovered(ctx, ev); err != nil {
		return fmt.Errorf("emit chapter discovered: %w", err)
	}
	return nil
}

func (r *Reconciler) emitSourceAdded(ctx context.Context, ch *models.LogicalChapter, job models.IngestJob) error {
	src, err := r.store.GetSeriesSource(ctx, job.SeriesSourceID)
	if err != nil {
		return fmt.Errorf("load series source %d: %w", job.SeriesSourceID, err)
	}

	ev := models.ChapterSourceAdded{
		EventID:    uuid.New().String(),
		SeriesID:   job.SeriesID,
		ChapterID:  ch.ID,
		ChapterKey: ch.ChapterKey,
		SourceName: src.SourceName,
		SourceURL:  job.Report.URL,
		Available:  true,
		DetectedAt: time.Now().UTC(),
	}
	if err := r.events.ChapterSourceAdded(ctx, ev); err != nil {
		return fmt.Errorf("emit source added: %w", err)
	}
	return nil
}

// IsValidation reports whether err is a dead-letterable payload error.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
