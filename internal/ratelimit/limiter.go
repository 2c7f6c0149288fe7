// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

/*
Package ratelimit implements the per-source token bucket that bounds
outbound fetch rates across the whole worker fleet.

Acquisition is two-stage. A process-local golang.org/x/time/rate
limiter absorbs the common case cheaply; the authoritative bucket
lives in a shared store so that horizontally-scaled workers cannot
collectively exceed a source's configured rate. Scraped sources
additionally enforce a minimum inter-request cooldown, which is
stricter than the average rate alone.
*/
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mkojima/shiori/internal/logging"
	"github.com/mkojima/shiori/internal/metrics"
)

// ErrAcquireTimeout is returned when a token could not be obtained
// within the wait budget. This is a retry-later condition, never a
// source failure.
var ErrAcquireTimeout = errors.New("rate limit acquisition timed out")

// Profile is one source's rate configuration.
type Profile struct {
	// RatePerSec is the sustained refill rate.
	RatePerSec float64
	// Burst caps accumulated tokens.
	Burst float64
	// MinInterval is the minimum gap between consecutive acquisitions.
	// Zero for API sources; >= 2s for scraped sources to avoid bans.
	MinInterval time.Duration
}

// DefaultAPIProfile is the default for structured API sources.
func DefaultAPIProfile() Profile {
	return Profile{RatePerSec: 5, Burst: 10}
}

// DefaultScrapedProfile is the default for HTML-scraped sources.
func DefaultScrapedProfile() Profile {
	return Profile{RatePerSec: 0.5, Burst: 1, MinInterval: 2 * time.Second}
}

// BucketStore is the shared backing store for bucket state. The store
// must apply take-token atomically (compare-and-set or row-level
// locking) so concurrent workers cannot double-spend a token.
type BucketStore interface {
	// TakeToken consumes one token from the source's bucket if
	// available. When not available it returns ok=false and a hint for
	// how long to wait before retrying.
	TakeToken(ctx context.Context, sourceName string, p Profile) (ok bool, retryIn time.Duration, err error)
}

// Config tunes the limiter.
type Config struct {
	// MaxWait bounds how long Acquire blocks before giving up.
	MaxWait time.Duration
	// PollFloor is the minimum sleep between shared-store retries.
	PollFloor time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxWait:   60 * time.Second,
		PollFloor: 100 * time.Millisecond,
	}
}

// Limiter hands out fetch tokens per source.
type Limiter struct {
	store    BucketStore
	cfg      Config
	profiles map[string]Profile

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

// New creates a limiter. profiles maps source name to its rate
// profile; sources without an entry must be added via SetProfile
// before first use.
func New(store BucketStore, cfg Config, profiles map[string]Profile) *Limiter {
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 60 * time.Second
	}
	if cfg.PollFloor <= 0 {
		cfg.PollFloor = 100 * time.Millisecond
	}
	if profiles == nil {
		profiles = make(map[string]Profile)
	}
	return &Limiter{
		store:    store,
		cfg:      cfg,
		profiles: profiles,
		local:    make(map[string]*rate.Limiter),
	}
}

// SetProfile registers or replaces a source's profile.
func (l *Limiter) SetProfile(sourceName string, p Profile) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.profiles[sourceName] = p
	delete(l.local, sourceName)
}

// Acquire blocks until a token is available for the source or the wait
// budget expires, in which case it returns ErrAcquireTimeout.
func (l *Limiter) Acquire(ctx context.Context, sourceName string) error {
	start := time.Now()
	profile, local, err := l.lookup(sourceName)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.MaxWait)
	defer cancel()

	// Local stage: cheap wait that keeps one process from hammering
	// the shared store.
	if err := local.Wait(ctx); err != nil {
		metrics.RateLimitTimeouts.WithLabelValues(sourceName).Inc()
		return fmt.Errorf("%w: %s", ErrAcquireTimeout, sourceName)
	}

	// Shared stage: the authoritative bucket.
	backoff := l.cfg.PollFloor
	for {
		ok, retryIn, err := l.store.TakeToken(ctx, sourceName, profile)
		if err != nil {
			return fmt.Errorf("take token for %s: %w", sourceName, err)
		}
		if ok {
			metrics.RateLimitWait.WithLabelValues(sourceName).Observe(time.Since(start).Seconds())
			return nil
		}

		sleep := backoff
		if retryIn > sleep {
			sleep = retryIn
		}
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			metrics.RateLimitTimeouts.WithLabelValues(sourceName).Inc()
			logging.Debug().Str("source", sourceName).Dur("waited", time.Since(start)).Msg("Rate limit acquisition timed out")
			return fmt.Errorf("%w: %s", ErrAcquireTimeout, sourceName)
		case <-timer.C:
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}
}

func (l *Limiter) lookup(sourceName string) (Profile, *rate.Limiter, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	profile, ok := l.profiles[sourceName]
	if !ok {
		return Profile{}, nil, fmt.Errorf("no rate profile for source %s", sourceName)
	}

	local, ok := l.local[sourceName]
	if !ok {
		burst := int(profile.Burst)
		if burst < 1 {
			burst = 1
		}
		local = rate.NewLimiter(rate.Limit(profile.RatePerSec), burst)
		l.local[sourceName] = local
	}
	return profile, local, nil
}
