// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryBucketStore is a process-local BucketStore for standalone mode
// and tests. Fleets must use the shared Postgres-backed store; a
// per-process bucket cannot bound the fleet's aggregate rate.
type MemoryBucketStore struct {
	mu      sync.Mutex
	buckets map[string]*memBucket
	now     func() time.Time
}

type memBucket struct {
	tokens       float64
	lastRefill   time.Time
	lastAcquired time.Time
}

// NewMemoryBucketStore creates an empty in-memory store.
func NewMemoryBucketStore() *MemoryBucketStore {
	return &MemoryBucketStore{
		buckets: make(map[string]*memBucket),
		now:     time.Now,
	}
}

// TakeToken implements BucketStore.
func (s *MemoryBucketStore) TakeToken(_ context.Context, sourceName string, p Profile) (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, ok := s.buckets[sourceName]
	if !ok {
		b = &memBucket{tokens: p.Burst, lastRefill: now}
		s.buckets[sourceName] = b
	}

	// Refill by elapsed time, capped at burst.
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * p.RatePerSec
	if b.tokens > p.Burst {
		b.tokens = p.Burst
	}
	b.lastRefill = now

	// Cooldown gate is checked before token spend: the minimum
	// inter-request interval binds even when tokens are available.
	if p.MinInterval > 0 && !b.lastAcquired.IsZero() {
		if since := now.Sub(b.lastAcquired); since < p.MinInterval {
			return false, p.MinInterval - since, nil
		}
	}

	if b.tokens < 1 {
		missing := 1 - b.tokens
		retryIn := time.Duration(missing / p.RatePerSec * float64(time.Second))
		return false, retryIn, nil
	}

	b.tokens--
	b.lastAcquired = now
	return true, 0, nil
}
