// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

// Package lock provides a lease-backed distributed mutex. Ownership
// lives in the shared store with a TTL, so a crashed holder frees the
// lock automatically once its lease expires.
package lock

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mkojima/shiori/internal/logging"
)

// LeaseStore is the persistence surface for lease ownership. Acquire
// and renew must be atomic; at most one holder owns a name at a time.
type LeaseStore interface {
	AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
}

// Mutex is one named distributed lock. A Mutex is bound to a single
// holder identity for its lifetime; create one per process.
type Mutex struct {
	store  LeaseStore
	name   string
	holder string
	ttl    time.Duration
	log    zerolog.Logger
}

// New creates a mutex for name. The holder identity embeds the
// hostname for operator-readable lease rows.
func New(store LeaseStore, name string, ttl time.Duration) *Mutex {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Mutex{
		store:  store,
		name:   name,
		holder: fmt.Sprintf("%s-%s", host, uuid.New().String()[:8]),
		ttl:    ttl,
		log:    logging.With().Str("component", "lock").Str("lease", name).Logger(),
	}
}

// Holder returns this process' lease identity.
func (m *Mutex) Holder() string { return m.holder }

// TryLock attempts a non-blocking acquisition. false means another
// live holder owns the lease.
func (m *Mutex) TryLock(ctx context.Context) (bool, error) {
	acquired, err := m.store.AcquireLease(ctx, m.name, m.holder, m.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire %s: %w", m.name, err)
	}
	return acquired, nil
}

// Unlock releases the lease. Safe to call when the lease was lost.
func (m *Mutex) Unlock(ctx context.Context) error {
	if err := m.store.ReleaseLease(ctx, m.name, m.holder); err != nil {
		return fmt.Errorf("release %s: %w", m.name, err)
	}
	return nil
}

// KeepAlive renews the lease at ttl/3 intervals until ctx is
// cancelled or the lease is lost. The returned channel closes when
// renewal stops; a lost lease is signalled by closing before ctx ends.
func (m *Mutex) KeepAlive(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(m.ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				renewed, err := m.store.RenewLease(ctx, m.name, m.holder, m.ttl)
				if err != nil {
					m.log.Warn().Err(err).Msg("Lease renewal failed")
					continue
				}
				if !renewed {
					m.log.Warn().Str("holder", m.holder).Msg("Lease lost")
					return
				}
			}
		}
	}()
	return done
}
