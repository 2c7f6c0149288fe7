// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package tier

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkojima/shiori/internal/logging"
	"github.com/mkojima/shiori/internal/metrics"
	"github.com/mkojima/shiori/internal/models"
)

// Store is the persistence surface for maintenance passes.
type Store interface {
	ListSeries(ctx context.Context, afterID int64, limit int) ([]models.Series, error)
	UpdateSeriesTier(ctx context.Context, id int64, tier models.CatalogTier, heat models.Heat, demotionStreak int) error
	CountSeriesByTier(ctx context.Context) (map[models.CatalogTier]int64, error)
}

// Lock guards the pass so one fleet instance runs it at a time.
// KeepAlive renews the lease while the pass scans the catalog; its
// channel closes when renewal stops, early when the lease is lost.
type Lock interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
	KeepAlive(ctx context.Context) <-chan struct{}
}

// Maintainer runs the periodic classification pass.
type Maintainer struct {
	store      Store
	classifier *Classifier
	lock       Lock
	interval   time.Duration
	batchSize  int
	log        zerolog.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// NewMaintainer creates the maintenance loop.
func NewMaintainer(store Store, classifier *Classifier, lock Lock, cfg Config) *Maintainer {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Maintainer{
		store:      store,
		classifier: classifier,
		lock:       lock,
		interval:   interval,
		batchSize:  500,
		log:        logging.With().Str("component", "tier").Logger(),
	}
}

// Start launches the loop. The first pass runs after one interval.
func (m *Maintainer) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("tier maintainer already started")
	}
	m.started = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	go m.run(ctx)
	m.log.Info().Dur("interval", m.interval).Msg("Tier maintainer started")
	return nil
}

// Stop terminates the loop and waits for the current pass to finish.
func (m *Maintainer) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	close(m.stopCh)
	done := m.doneCh
	m.mu.Unlock()
	<-done
}

func (m *Maintainer) run(ctx context.Context) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if err := m.RunPass(ctx); err != nil {
				m.log.Error().Err(err).Msg("Tier maintenance pass failed")
			}
		}
	}
}

// RunPass classifies the whole catalog once, guarded by the lock.
func (m *Maintainer) RunPass(ctx context.Context) error {
	if m.lock != nil {
		acquired, err := m.lock.TryLock(ctx)
		if err != nil {
			return fmt.Errorf("acquire maintenance lock: %w", err)
		}
		if !acquired {
			m.log.Debug().Msg("Maintenance pass running elsewhere, skipping")
			return nil
		}
		defer func() {
			if err := m.lock.Unlock(context.WithoutCancel(ctx)); err != nil {
				m.log.Warn().Err(err).Msg("Maintenance lock release failed")
			}
		}()

		// A full-catalog scan can outlive the lease TTL; renew it for
		// the whole pass and abort if it is lost to another holder.
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		lost := m.lock.KeepAlive(ctx)
		go func() {
			<-lost
			cancel()
		}()
	}

	start := time.Now()
	var scanned, changed int
	var afterID int64

	for {
		batch, err := m.store.ListSeries(ctx, afterID, m.batchSize)
		if err != nil {
			return fmt.Errorf("list series after %d: %w", afterID, err)
		}
		if len(batch) == 0 {
			break
		}

		for _, series := range batch {
			afterID = series.ID
			scanned++

			decision := m.classifier.Classify(series)
			if !decision.Changed {
				continue
			}
			if err := m.store.UpdateSeriesTier(ctx, series.ID, decision.Tier, decision.Heat, decision.DemotionStreak); err != nil {
				return fmt.Errorf("update tier for series %d: %w", series.ID, err)
			}
			changed++
			if decision.Tier != series.CatalogTier {
				metrics.TierTransitions.WithLabelValues(string(series.CatalogTier), string(decision.Tier)).Inc()
				m.log.Info().
					Int64("series_id", series.ID).
					Str("from", string(series.CatalogTier)).
					Str("to", string(decision.Tier)).
					Str("heat", string(decision.Heat)).
					Msg("Series tier changed")
			}
		}
	}

	if counts, err := m.store.CountSeriesByTier(ctx); err == nil {
		for _, t := range []models.CatalogTier{models.TierA, models.TierB, models.TierC} {
			metrics.TierSeries.WithLabelValues(string(t)).Set(float64(counts[t]))
		}
	}

	m.log.Debug().
		Int("scanned", scanned).
		Int("changed", changed).
		Dur("took", time.Since(start)).
		Msg("Tier maintenance pass complete")
	return nil
}
