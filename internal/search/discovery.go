// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/mkojima/shiori/internal/logging"
	"github.com/mkojima/shiori/internal/metrics"
	"github.com/mkojima/shiori/internal/models"
	"github.com/mkojima/shiori/internal/queue"
	"github.com/mkojima/shiori/internal/source"
	"github.com/mkojima/shiori/internal/store"
)

// PermanentError marks a discovery job that must never be retried. The
// router dead-letters these directly.
type PermanentError struct {
	Cause error
}

func (e *PermanentError) Error() string { return "permanent discovery failure: " + e.Cause.Error() }

func (e *PermanentError) Unwrap() error { return e.Cause }

// IsPermanent reports whether err must skip the retry loop.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// DiscoveryStore is the persistence surface the discoverer needs.
type DiscoveryStore interface {
	FindSeriesByTitle(ctx context.Context, title string) (*models.Series, error)
	CreateSeries(ctx context.Context, title string, tier models.CatalogTier, heat models.Heat) (*models.Series, error)
	AddSeriesSource(ctx context.Context, seriesID int64, sourceName, externalID, url string, trustScore float64) (*models.SeriesSource, bool, error)
	ClearPending(ctx context.Context, normalizedKey string, resolved bool) error
}

// SearchSources yields the clients that can be searched by title.
type SearchSources interface {
	Searchers() []source.SearchClient
}

// DiscoveryConfig tunes the discoverer.
type DiscoveryConfig struct {
	// SearchTimeout bounds one source search call.
	SearchTimeout time.Duration
	// MaxHitsPerSource caps how many results of one source are
	// registered per crawl.
	MaxHitsPerSource int
	// DefaultTrustScore is assigned to sources registered by discovery;
	// curation adjusts it later.
	DefaultTrustScore float64
}

// DefaultDiscoveryConfig returns production defaults.
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		SearchTimeout:     30 * time.Second,
		MaxHitsPerSource:  5,
		DefaultTrustScore: 0.5,
	}
}

// Discoverer consumes discovery jobs: it searches the API sources for
// the query, registers any series and series-source rows they report,
// and settles the query's pending marker. New series enter the catalog
// warm (tier B, cold heat); the tier maintainer promotes them if real
// engagement follows. Newly registered sources get an immediate poll so
// the user's next search can already see chapters.
type Discoverer struct {
	store    DiscoveryStore
	sources  SearchSources
	limiter  Limiter
	pub      Publisher
	cfg      DiscoveryConfig
	validate *validator.Validate
	log      zerolog.Logger
}

// Limiter hands out per-source request tokens. Search calls draw from
// the same buckets as polls.
type Limiter interface {
	Acquire(ctx context.Context, sourceName string) error
}

// NewDiscoverer creates a discoverer.
func NewDiscoverer(st DiscoveryStore, sources SearchSources, limiter Limiter, pub Publisher, cfg DiscoveryConfig) *Discoverer {
	if cfg.SearchTimeout <= 0 {
		cfg.SearchTimeout = 30 * time.Second
	}
	if cfg.MaxHitsPerSource <= 0 {
		cfg.MaxHitsPerSource = 5
	}
	if cfg.DefaultTrustScore <= 0 {
		cfg.DefaultTrustScore = 0.5
	}
	return &Discoverer{
		store:    st,
		sources:  sources,
		limiter:  limiter,
		pub:      pub,
		cfg:      cfg,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		log:      logging.With().Str("component", "discoverer").Logger(),
	}
}

// Handle is the watermill consumer entry point.
func (d *Discoverer) Handle(msg *message.Message) error {
	var job models.DiscoveryJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		return &PermanentError{Cause: fmt.Errorf("decode discovery job: %w", err)}
	}
	return d.Discover(msg.Context(), job)
}

// Discover executes one discovery crawl. Failures are invisible to the
// searching user; a returned error only drives the queue's retry
// policy.
func (d *Discoverer) Discover(ctx context.Context, job models.DiscoveryJob) error {
	if err := d.validate.Struct(job); err != nil {
		// Malformed jobs still settle the pending marker, otherwise the
		// key would refuse crawls until an operator intervened.
		d.clearPending(ctx, job.NormalizedQuery, false)
		return &PermanentError{Cause: err}
	}

	searchers := d.sources.Searchers()
	if len(searchers) == 0 {
		d.clearPending(ctx, job.NormalizedQuery, false)
		return &PermanentError{Cause: errors.New("no searchable sources configured")}
	}

	var (
		newSeries  int
		newSources int
		searched   int
		lastErr    error
	)
	for _, client := range searchers {
		hits, err := d.searchOne(ctx, client, job.RawQuery)
		if err != nil {
			lastErr = err
			d.log.Warn().Err(err).
				Str("source", client.Name()).
				Str("key", job.NormalizedQuery).
				Msg("Discovery search failed")
			continue
		}
		searched++

		if len(hits) > d.cfg.MaxHitsPerSource {
			hits = hits[:d.cfg.MaxHitsPerSource]
		}
		for _, hit := range hits {
			series, src, created, err := d.register(ctx, client.Name(), hit)
			if err != nil {
				lastErr = err
				d.log.Warn().Err(err).
					Str("source", client.Name()).
					Str("title", hit.Title).
					Msg("Discovery registration failed")
				continue
			}
			if created.series {
				newSeries++
			}
			if created.source {
				newSources++
				d.enqueuePoll(ctx, series.ID, src.ID)
			}
		}
	}

	if searched == 0 {
		// Every source refused; retry the whole job. The pending marker
		// is released so a poisoned job cannot wedge the key forever;
		// the queue's deterministic job id absorbs a re-enqueue racing
		// the retry.
		d.clearPending(ctx, job.NormalizedQuery, false)
		return fmt.Errorf("discovery crawl for %q: all sources failed: %w", job.NormalizedQuery, lastErr)
	}

	resolved := newSeries > 0 || newSources > 0
	d.clearPending(ctx, job.NormalizedQuery, resolved)

	outcome := "deferred"
	if resolved {
		outcome = "resolved"
	}
	metrics.DiscoveryCrawls.WithLabelValues(outcome).Inc()
	metrics.DiscoveryRegistered.WithLabelValues("series").Add(float64(newSeries))
	metrics.DiscoveryRegistered.WithLabelValues("source").Add(float64(newSources))

	d.log.Info().
		Str("key", job.NormalizedQuery).
		Int("sources_searched", searched).
		Int("new_series", newSeries).
		Int("new_sources", newSources).
		Msg("Discovery crawl complete")
	return nil
}

func (d *Discoverer) searchOne(ctx context.Context, client source.SearchClient, query string) ([]source.SeriesHit, error) {
	if err := d.limiter.Acquire(ctx, client.Name()); err != nil {
		return nil, fmt.Errorf("acquire rate token for %s: %w", client.Name(), err)
	}
	searchCtx, cancel := context.WithTimeout(ctx, d.cfg.SearchTimeout)
	defer cancel()
	hits, err := client.Search(searchCtx, query)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", client.Name(), err)
	}
	return hits, nil
}

type registered struct {
	series bool
	source bool
}

func (d *Discoverer) register(ctx context.Context, sourceName string, hit source.SeriesHit) (*models.Series, *models.SeriesSource, registered, error) {
	if hit.Title == "" || hit.ExternalID == "" {
		return nil, nil, registered{}, fmt.Errorf("source %s returned an incomplete hit", sourceName)
	}

	var created registered
	series, err := d.store.FindSeriesByTitle(ctx, hit.Title)
	switch {
	case errors.Is(err, store.ErrNotFound):
		series, err = d.store.CreateSeries(ctx, hit.Title, models.TierB, models.HeatCold)
		if err != nil {
			return nil, nil, registered{}, fmt.Errorf("create series %q: %w", hit.Title, err)
		}
		created.series = true
	case err != nil:
		return nil, nil, registered{}, fmt.Errorf("find series %q: %w", hit.Title, err)
	}

	src, srcCreated, err := d.store.AddSeriesSource(ctx, series.ID, sourceName, hit.ExternalID, hit.URL, d.cfg.DefaultTrustScore)
	if err != nil {
		return nil, nil, created, err
	}
	created.source = srcCreated

	if srcCreated {
		d.log.Info().
			Str("source", sourceName).
			Int64("series_id", series.ID).
			Int64("series_source_id", src.ID).
			Str("title", hit.Title).
			Msg("Discovery registered source")
	}
	return series, src, created, nil
}

func (d *Discoverer) enqueuePoll(ctx context.Context, seriesID, seriesSourceID int64) {
	job := models.PollJob{
		SeriesID:       seriesID,
		SeriesSourceID: seriesSourceID,
		Trigger:        "discovery",
		EnqueuedAt:     time.Now().UTC(),
	}
	if err := d.pub.Submit(ctx, queue.PollSubject(seriesID, seriesSourceID), job.JobID(), job); err != nil {
		// Best effort; the scheduler picks the source up next tick.
		d.log.Warn().Err(err).Int64("series_source_id", seriesSourceID).Msg("Initial poll enqueue failed")
	}
}

func (d *Discoverer) clearPending(ctx context.Context, key string, resolved bool) {
	if err := d.store.ClearPending(context.WithoutCancel(ctx), key, resolved); err != nil {
		d.log.Error().Err(err).Str("key", key).Msg("Pending clear failed")
	}
}
