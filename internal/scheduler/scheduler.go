// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

// Package scheduler runs the control loop that turns tier state into
// poll jobs. Each tick is guarded by a distributed lease so exactly
// one fleet instance decides what to enqueue, and the whole tick is
// shed when the poll queue sits above its backpressure threshold.
//
// Tier C is excluded structurally: due pairs are queried per
// (tier, heat) bucket over tiers A and B only, so no code path can
// produce a poll job for a cold series.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mkojima/shiori/internal/lock"
	"github.com/mkojima/shiori/internal/logging"
	"github.com/mkojima/shiori/internal/metrics"
	"github.com/mkojima/shiori/internal/models"
	"github.com/mkojima/shiori/internal/queue"
	"github.com/mkojima/shiori/internal/store"
	"github.com/mkojima/shiori/internal/tier"
)

// Store is the persistence surface the scheduler needs.
type Store interface {
	ListDueTargets(ctx context.Context, t models.CatalogTier, h models.Heat, cutoff time.Time, limit int) ([]store.DueTarget, error)
}

// Publisher submits poll jobs.
type Publisher interface {
	Submit(ctx context.Context, topic, key string, payload any) error
}

// Backpressure answers saturation checks.
type Backpressure interface {
	Saturated(ctx context.Context, q queue.Queue) (bool, error)
}

// Lock is the tick's mutual exclusion. KeepAlive renews the lease for
// the duration of a tick; its channel closes when renewal stops, early
// when the lease is lost to another holder.
type Lock interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
	KeepAlive(ctx context.Context) <-chan struct{}
}

// Config tunes the scheduler.
type Config struct {
	// TickInterval is how often a tick fires. Default one minute.
	TickInterval time.Duration
	// BatchLimit caps jobs enqueued per (tier, heat) bucket per tick.
	BatchLimit int
	// LeaseTTL bounds the tick lock.
	LeaseTTL time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval: time.Minute,
		BatchLimit:   1000,
		LeaseTTL:     30 * time.Second,
	}
}

// LeaseName is the scheduler's lock name in the leases table.
const LeaseName = "scheduler-tick"

// schedulable enumerates every (tier, heat) bucket the scheduler
// considers. Tier C does not appear.
var schedulable = []struct {
	Tier models.CatalogTier
	Heat models.Heat
}{
	{models.TierA, models.HeatHot},
	{models.TierA, models.HeatWarm},
	{models.TierA, models.HeatCold},
	{models.TierB, models.HeatHot},
	{models.TierB, models.HeatWarm},
	{models.TierB, models.HeatCold},
}

// Scheduler is the tick loop.
type Scheduler struct {
	store    Store
	pub      Publisher
	guard    Backpressure
	lock     Lock
	cfg      Config
	nowFn    func() time.Time
	log      zerolog.Logger

	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
	started bool
}

// New creates a scheduler. lock may be constructed with NewLock.
func New(st Store, pub Publisher, guard Backpressure, lk Lock, cfg Config) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 1000
	}
	return &Scheduler{
		store: st,
		pub:   pub,
		guard: guard,
		lock:  lk,
		cfg:   cfg,
		nowFn: time.Now,
		log:   logging.With().Str("component", "scheduler").Logger(),
	}
}

// NewLock builds the scheduler's distributed tick lock.
func NewLock(leases lock.LeaseStore, cfg Config) *lock.Mutex {
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return lock.New(leases, LeaseName, ttl)
}

// Start launches the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
	s.log.Info().Dur("tick", s.cfg.TickInterval).Msg("Scheduler started")
	return nil
}

// Stop terminates the loop, waiting for an in-flight tick.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()
	<-done
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.log.Error().Err(err).Msg("Scheduler tick failed")
			}
		}
	}
}

// Tick runs one enqueue pass. Re-enqueuing an already-queued pair is a
// queue-side no-op thanks to the deterministic poll job id.
func (s *Scheduler) Tick(ctx context.Context) error {
	if s.lock != nil {
		acquired, err := s.lock.TryLock(ctx)
		if err != nil {
			return fmt.Errorf("acquire tick lease: %w", err)
		}
		if !acquired {
			metrics.SchedulerTicks.WithLabelValues("skipped_lock").Inc()
			s.log.Debug().Msg("Tick running elsewhere, skipping")
			return nil
		}
		defer func() {
			if err := s.lock.Unlock(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn().Err(err).Msg("Tick lease release failed")
			}
		}()

		// A large tick can outlive the lease TTL, so it is renewed for
		// the whole pass. A lost lease cancels the tick: another
		// instance may already be enqueuing.
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(ctx)
		defer cancel()
		lost := s.lock.KeepAlive(ctx)
		go func() {
			<-lost
			cancel()
		}()
	}

	// Overload sheds the whole tick deterministically; due pairs are
	// simply picked up by a later tick.
	if s.guard != nil {
		saturated, err := s.guard.Saturated(ctx, queue.QueuePoll)
		if err != nil {
			return fmt.Errorf("check poll queue: %w", err)
		}
		if saturated {
			metrics.SchedulerTicks.WithLabelValues("skipped_backpressure").Inc()
			s.log.Warn().Msg("Poll queue saturated, skipping tick")
			return nil
		}
	}

	now := s.nowFn().UTC()
	enqueued := 0

	for _, bucket := range schedulable {
		interval := tier.PollInterval(bucket.Tier, bucket.Heat)
		if interval <= 0 {
			continue
		}
		cutoff := now.Add(-interval)

		targets, err := s.store.ListDueTargets(ctx, bucket.Tier, bucket.Heat, cutoff, s.cfg.BatchLimit)
		if err != nil {
			return fmt.Errorf("list due %s/%s: %w", bucket.Tier, bucket.Heat, err)
		}

		for _, target := range targets {
			job := models.PollJob{
				SeriesID:       target.SeriesID,
				SeriesSourceID: target.SeriesSourceID,
				EnqueuedAt:     now,
				Trigger:        "schedule",
			}
			subject := queue.PollSubject(target.SeriesID, target.SeriesSourceID)
			if err := s.pub.Submit(ctx, subject, job.JobID(), job); err != nil {
				return fmt.Errorf("enqueue poll %d/%d: %w", target.SeriesID, target.SeriesSourceID, err)
			}
			enqueued++
		}
	}

	metrics.SchedulerTicks.WithLabelValues("run").Inc()
	metrics.SchedulerEnqueued.Add(float64(enqueued))
	if enqueued > 0 {
		s.log.Info().Int("enqueued", enqueued).Msg("Tick complete")
	} else {
		s.log.Debug().Msg("Tick complete, nothing due")
	}
	return nil
}

// ForcePoll enqueues an immediate poll for one pair, bypassing the due
// check. Used by the admin surface. Tier C exclusion still applies at
// the caller.
func (s *Scheduler) ForcePoll(ctx context.Context, seriesID, seriesSourceID int64) error {
	job := models.PollJob{
		SeriesID:       seriesID,
		SeriesSourceID: seriesSourceID,
		EnqueuedAt:     s.nowFn().UTC(),
		Trigger:        "admin",
	}
	subject := queue.PollSubject(seriesID, seriesSourceID)
	if err := s.pub.Submit(ctx, subject, job.JobID(), job); err != nil {
		return fmt.Errorf("force poll %d/%d: %w", seriesID, seriesSourceID, err)
	}
	metrics.SchedulerEnqueued.Inc()
	return nil
}
