// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

// Package poller consumes poll jobs: one job fetches the chapter list
// of one (series, source) pair and forwards unseen reports to the
// ingest queue. Reconciliation is never inline; a series with ten
// thousand chapters cannot stall the poll pass for anything else.
package poller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mkojima/shiori/internal/chapter"
	"github.com/mkojima/shiori/internal/logging"
	"github.com/mkojima/shiori/internal/metrics"
	"github.com/mkojima/shiori/internal/models"
	"github.com/mkojima/shiori/internal/queue"
	"github.com/mkojima/shiori/internal/source"
	"github.com/mkojima/shiori/internal/store"
)

// PermanentError marks a job that must never be retried: malformed
// payloads and misconfigured sources. The router dead-letters these
// directly.
type PermanentError struct {
	Cause error
}

func (e *PermanentError) Error() string { return "permanent poll failure: " + e.Cause.Error() }

func (e *PermanentError) Unwrap() error { return e.Cause }

// IsPermanent reports whether err must skip the retry loop.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Store is the persistence surface the poller needs.
type Store interface {
	GetSeries(ctx context.Context, id int64) (*models.Series, error)
	GetSeriesSource(ctx context.Context, id int64) (*models.SeriesSource, error)
	RecordPollSuccess(ctx context.Context, seriesSourceID int64, at time.Time) error
	RecordPollFailure(ctx context.Context, seriesSourceID int64, at time.Time) (int, error)
	DisableSource(ctx context.Context, seriesSourceID int64) error
}

// Publisher submits ingest jobs.
type Publisher interface {
	Submit(ctx context.Context, topic, key string, payload any) error
}

// Events is the outbound notification boundary.
type Events interface {
	SourceAutoDisabled(ctx context.Context, ev models.SourceAutoDisabled) error
}

// Limiter hands out per-source fetch tokens.
type Limiter interface {
	Acquire(ctx context.Context, sourceName string) error
}

// Clients resolves a source name to its (circuit-wrapped) client.
type Clients interface {
	Get(name string) (source.Client, error)
}

// Config tunes the poller.
type Config struct {
	// FetchTimeout bounds one source fetch, separate from the rate
	// acquire wait.
	FetchTimeout time.Duration

	// DisableAfter is the consecutive-failure streak at which a hard
	// failure (entity gone, proxy blocked) disables the source.
	DisableAfter int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		FetchTimeout: 60 * time.Second,
		DisableAfter: 3,
	}
}

// Poller handles poll jobs.
type Poller struct {
	store    Store
	clients  Clients
	limiter  Limiter
	pub      Publisher
	events   Events
	seen     *SeenCache
	cfg      Config
	validate *validator.Validate
	log      zerolog.Logger
}

// New creates a poller. seen may be nil to disable the seen-cache.
func New(st Store, clients Clients, limiter Limiter, pub Publisher, events Events, seen *SeenCache, cfg Config) *Poller {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 60 * time.Second
	}
	if cfg.DisableAfter <= 0 {
		cfg.DisableAfter = 3
	}
	return &Poller{
		store:    st,
		clients:  clients,
		limiter:  limiter,
		pub:      pub,
		events:   events,
		seen:     seen,
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      logging.With().Str("component", "poller").Logger(),
	}
}

// Handle is the watermill consumer entry point.
func (p *Poller) Handle(msg *message.Message) error {
	var job models.PollJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		return &PermanentError{Cause: fmt.Errorf("decode poll job: %w", err)}
	}
	return p.Poll(msg.Context(), job)
}

// Poll executes one poll pass for the job's (series, source) pair.
func (p *Poller) Poll(ctx context.Context, job models.PollJob) error {
	if err := p.validate.Struct(job); err != nil {
		return &PermanentError{Cause: err}
	}

	start := time.Now()

	// The series may have been deleted after the job was queued; stale
	// jobs no-op instead of erroring.
	if _, err := p.store.GetSeries(ctx, job.SeriesID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.ObservePoll("unknown", "stale", start)
			return nil
		}
		return fmt.Errorf("load series %d: %w", job.SeriesID, err)
	}

	src, err := p.store.GetSeriesSource(ctx, job.SeriesSourceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.ObservePoll("unknown", "stale", start)
			return nil
		}
		return fmt.Errorf("load series source %d: %w", job.SeriesSourceID, err)
	}
	if src.Status != models.SourceActive {
		metrics.ObservePoll(src.SourceName, "disabled", start)
		return nil
	}

	client, err := p.clients.Get(src.SourceName)
	if err != nil {
		return &PermanentError{Cause: fmt.Errorf("resolve source client: %w", err)}
	}

	if err := p.limiter.Acquire(ctx, src.SourceName); err != nil {
		// Token starvation is congestion, not a source failure; retry
		// without touching failure_count.
		metrics.ObservePoll(src.SourceName, "rate_wait_timeout", start)
		return fmt.Errorf("acquire rate token: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	reports, err := client.Fetch(fetchCtx, source.Ref{
		SourceName: src.SourceName,
		ExternalID: src.ExternalID,
		URL:        src.URL,
	})
	cancel()

	if err != nil {
		return p.handleFailure(ctx, src, err, start)
	}
	return p.handleSuccess(ctx, job, src, reports, start)
}

func (p *Poller) handleSuccess(ctx context.Context, job models.PollJob, src *models.SeriesSource, reports []models.ChapterReport, start time.Time) error {
	forwarded := 0
	for _, report := range reports {
		key, err := chapter.Normalize(report.ChapterNumber)
		if err != nil {
			// Forward under the raw designator; the reconciler owns
			// dead-lettering malformed reports so one bad report never
			// fails the poll pass.
			key = report.ChapterNumber
		}

		if p.seen != nil && p.seen.Unchanged(src.ID, key, report.URL, true) {
			continue
		}

		ingest := models.IngestJob{
			SeriesID:       job.SeriesID,
			SeriesSourceID: src.ID,
			Report:         report,
			EnqueuedAt:     time.Now().UTC(),
		}
		if err := p.pub.Submit(ctx, queue.TopicIngest, models.IngestJobID(src.ID, key), ingest); err != nil {
			return fmt.Errorf("enqueue ingest for %s/%s: %w", src.SourceName, key, err)
		}
		forwarded++

		if p.seen != nil {
			if err := p.seen.Remember(src.ID, key, report.URL, true); err != nil {
				p.log.Warn().Err(err).Str("source", src.SourceName).Msg("Seen cache write failed")
			}
		}
	}

	if err := p.store.RecordPollSuccess(ctx, src.ID, time.Now().UTC()); err != nil {
		return fmt.Errorf("record poll success: %w", err)
	}

	metrics.PollReports.WithLabelValues(src.SourceName).Add(float64(len(reports)))
	metrics.ObservePoll(src.SourceName, "success", start)
	p.log.Debug().
		Str("source", src.SourceName).
		Int64("series_id", job.SeriesID).
		Int("reports", len(reports)).
		Int("forwarded", forwarded).
		Msg("Poll pass complete")
	return nil
}

func (p *Poller) handleFailure(ctx context.Context, src *models.SeriesSource, fetchErr error, start time.Time) error {
	class := source.Classify(fetchErr)
	metrics.ObservePoll(src.SourceName, class, start)

	failures, err := p.store.RecordPollFailure(ctx, src.ID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record poll failure: %w", err)
	}

	hard := errors.Is(fetchErr, source.ErrNotFound) || errors.Is(fetchErr, source.ErrProxyBlocked)
	if hard && failures >= p.cfg.DisableAfter {
		if err := p.disable(ctx, src, class, failures); err != nil {
			return err
		}
		return nil
	}

	if !source.Retryable(fetchErr) {
		// Entity gone but streak not yet at the bar: wait for the next
		// scheduled pass rather than hammering a dead page.
		p.log.Warn().
			Str("source", src.SourceName).
			Int64("series_source_id", src.ID).
			Int("failures", failures).
			Msg("Source entity not found")
		return nil
	}

	return fmt.Errorf("fetch %s (series source %d): %w", src.SourceName, src.ID, fetchErr)
}

func (p *Poller) disable(ctx context.Context, src *models.SeriesSource, reason string, failures int) error {
	if err := p.store.DisableSource(ctx, src.ID); err != nil {
		return fmt.Errorf("disable source %d: %w", src.ID, err)
	}
	metrics.SourcesDisabled.WithLabelValues(src.SourceName, reason).Inc()
	p.log.Warn().
		Str("source", src.SourceName).
		Int64("series_source_id", src.ID).
		Int("failures", failures).
		Str("reason", reason).
		Msg("Source auto-disabled")

	ev := models.SourceAutoDisabled{
		EventID:        uuid.New().String(),
		SeriesID:       src.SeriesID,
		SeriesSourceID: src.ID,
		SourceName:     src.SourceName,
		Reason:         reason,
		FailureCount:   failures,
		DisabledAt:     time.Now().UTC(),
	}
	if err := p.events.SourceAutoDisabled(ctx, ev); err != nil {
		// The disable is durable; a lost notification is log-only.
		p.log.Error().Err(err).Int64("series_source_id", src.ID).Msg("Disable notification failed")
	}
	return nil
}
