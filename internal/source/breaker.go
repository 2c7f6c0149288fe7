// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/mkojima/shiori/internal/logging"
	"github.com/mkojima/shiori/internal/metrics"
	"github.com/mkojima/shiori/internal/models"
)

// BreakerConfig tunes the per-source circuit breaker.
type BreakerConfig struct {
	// ConsecutiveFailures opens the circuit once reached.
	ConsecutiveFailures uint32
	// Cooldown is how long the circuit stays open before half-opening.
	Cooldown time.Duration
	// HalfOpenRequests bounds concurrent probes while half-open.
	HalfOpenRequests uint32
}

// DefaultBreakerConfig returns conservative production defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		ConsecutiveFailures: 5,
		Cooldown:            5 * time.Minute,
		HalfOpenRequests:    2,
	}
}

// Breaker wraps a Client with circuit breaker protection. The breaker
// counts fetch failures independently of the rate limiter; an open
// circuit short-circuits without a network call and surfaces
// ErrCircuitOpen.
type Breaker struct {
	client Client
	cb     *gobreaker.CircuitBreaker[[]models.ChapterReport]
}

// NewBreaker wraps client with a circuit breaker.
func NewBreaker(client Client, cfg BreakerConfig) *Breaker {
	name := client.Name()
	log := logging.With().Str("component", "source-breaker").Str("source", name).Logger()

	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)

	cb := gobreaker.NewCircuitBreaker[[]models.ChapterReport](gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenRequests,
		Timeout:     cfg.Cooldown,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			trip := counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
			if trip {
				log.Warn().
					Uint32("consecutive_failures", counts.ConsecutiveFailures).
					Msg("Opening source circuit")
			}
			return trip
		},

		// Rate-limit responses are the source telling us to slow down,
		// not the source being broken. They never count toward opening.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			_, limited := IsRateLimited(err)
			return limited
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info().
				Str("from", stateLabel(from)).
				Str("to", stateLabel(to)).
				Msg("Source circuit state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, stateLabel(from), stateLabel(to)).Inc()
		},
	})

	return &Breaker{client: client, cb: cb}
}

// Name implements Client.
func (b *Breaker) Name() string { return b.client.Name() }

// Kind implements Client.
func (b *Breaker) Kind() Kind { return b.client.Kind() }

// Fetch implements Client with breaker protection.
func (b *Breaker) Fetch(ctx context.Context, ref Ref) ([]models.ChapterReport, error) {
	reports, err := b.cb.Execute(func() ([]models.ChapterReport, error) {
		return b.client.Fetch(ctx, ref)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, b.client.Name())
		}
		return nil, err
	}
	return reports, nil
}

// SupportsSearch reports whether the wrapped client can search.
func (b *Breaker) SupportsSearch() bool {
	_, ok := b.client.(Searcher)
	return ok
}

// Search delegates to the wrapped client when it supports search.
// Search probes share the fetch circuit.
func (b *Breaker) Search(ctx context.Context, query string) ([]SeriesHit, error) {
	searcher, ok := b.client.(Searcher)
	if !ok {
		return nil, fmt.Errorf("source %s does not support search", b.client.Name())
	}

	var hits []SeriesHit
	_, err := b.cb.Execute(func() ([]models.ChapterReport, error) {
		var serr error
		hits, serr = searcher.Search(ctx, query)
		return nil, serr
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s", ErrCircuitOpen, b.client.Name())
		}
		return nil, err
	}
	return hits, nil
}

func stateLabel(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
