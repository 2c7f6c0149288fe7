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

	"github.com/mkojima/shiori/internal/ratelimit"
)

// TakeToken implements ratelimit.BucketStore on the rate_buckets
// table. The take is a single upsert statement, so the row lock makes
// it atomic across the fleet: two workers can never spend the same
// token, and scraped-source cooldowns hold fleet-wide.
func (s *Store) TakeToken(ctx context.Context, sourceName string, p ratelimit.Profile) (bool, time.Duration, error) {
	minIntervalSec := p.MinInterval.Seconds()

	var tokens float64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO rate_buckets (source_name, tokens, last_refill_at, last_take_at)
		VALUES ($1, $2 - 1, now(), now())
		ON CONFLICT (source_name) DO UPDATE
		SET tokens = LEAST($2, rate_buckets.tokens
		              + EXTRACT(EPOCH FROM (now() - rate_buckets.last_refill_at)) * $3) - 1,
		    last_refill_at = now(),
		    last_take_at   = now()
		WHERE LEAST($2, rate_buckets.tokens
		        + EXTRACT(EPOCH FROM (now() - rate_buckets.last_refill_at)) * $3) >= 1
		  AND (rate_buckets.last_take_at IS NULL
		        OR EXTRACT(EPOCH FROM (now() - rate_buckets.last_take_at)) >= $4)
		RETURNING tokens`,
		sourceName, p.Burst, p.RatePerSec, minIntervalSec).Scan(&tokens)

	if err == nil {
		return true, 0, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, 0, fmt.Errorf("take token for %s: %w", sourceName, err)
	}

	// Bucket empty or cooling down: read state to compute a retry hint.
	retryIn, err := s.retryHint(ctx, sourceName, p)
	if err != nil {
		return false, 0, err
	}
	return false, retryIn, nil
}

func (s *Store) retryHint(ctx context.Context, sourceName string, p ratelimit.Profile) (time.Duration, error) {
	var tokens float64
	var lastRefill time.Time
	var lastTake *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT tokens, last_refill_at, last_take_at FROM rate_buckets WHERE source_name = $1`,
		sourceName).Scan(&tokens, &lastRefill, &lastTake)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("read bucket for %s: %w", sourceName, err)
	}

	now := time.Now()

	var tokenWait time.Duration
	current := tokens + now.Sub(lastRefill).Seconds()*p.RatePerSec
	if current < 1 && p.RatePerSec > 0 {
		tokenWait = time.Duration((1 - current) / p.RatePerSec * float64(time.Second))
	}

	var cooldownWait time.Duration
	if lastTake != nil && p.MinInterval > 0 {
		if remaining := p.MinInterval - now.Sub(*lastTake); remaining > 0 {
			cooldownWait = remaining
		}
	}

	if cooldownWait > tokenWait {
		return cooldownWait, nil
	}
	return tokenWait, nil
}
