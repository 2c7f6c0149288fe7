// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memLeaseStore is an in-memory LeaseStore with the same semantics as
// the Postgres implementation.
type memLeaseStore struct {
	mu     sync.Mutex
	leases map[string]memLease
}

type memLease struct {
	holder    string
	expiresAt time.Time
}

func newMemLeaseStore() *memLeaseStore {
	return &memLeaseStore{leases: make(map[string]memLease)}
}

func (s *memLeaseStore) AcquireLease(_ context.Context, name, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	cur, ok := s.leases[name]
	if ok && cur.expiresAt.After(now) && cur.holder != holder {
		return false, nil
	}
	s.leases[name] = memLease{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *memLeaseStore) RenewLease(_ context.Context, name, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	cur, ok := s.leases[name]
	if !ok || cur.holder != holder || !cur.expiresAt.After(now) {
		return false, nil
	}
	s.leases[name] = memLease{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *memLeaseStore) ReleaseLease(_ context.Context, name, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.leases[name]; ok && cur.holder == holder {
		delete(s.leases, name)
	}
	return nil
}

func TestTryLockExcludesSecondHolder(t *testing.T) {
	store := newMemLeaseStore()
	ctx := context.Background()

	a := New(store, "scheduler-tick", time.Minute)
	b := New(store, "scheduler-tick", time.Minute)

	got, err := a.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, got, "second holder must be excluded while lease is live")

	require.NoError(t, a.Unlock(ctx))

	got, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, got, "released lease must be acquirable")
}

func TestTryLockReentrantForSameHolder(t *testing.T) {
	store := newMemLeaseStore()
	ctx := context.Background()

	m := New(store, "tier-maintenance", time.Minute)
	for i := 0; i < 2; i++ {
		got, err := m.TryLock(ctx)
		require.NoError(t, err)
		assert.True(t, got)
	}
}

func TestExpiredLeaseIsTakenOver(t *testing.T) {
	store := newMemLeaseStore()
	ctx := context.Background()

	a := New(store, "scheduler-tick", 10*time.Millisecond)
	got, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, got)

	time.Sleep(20 * time.Millisecond)

	b := New(store, "scheduler-tick", time.Minute)
	got, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.True(t, got, "expired lease must be claimable by a new holder")
}

func TestUnlockForeignLeaseIsNoop(t *testing.T) {
	store := newMemLeaseStore()
	ctx := context.Background()

	a := New(store, "scheduler-tick", time.Minute)
	b := New(store, "scheduler-tick", time.Minute)

	got, err := a.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, got)

	require.NoError(t, b.Unlock(ctx))

	got, err = b.TryLock(ctx)
	require.NoError(t, err)
	assert.False(t, got, "foreign unlock must not free the lease")
}

func TestKeepAliveRenewsUntilCancelled(t *testing.T) {
	store := newMemLeaseStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := New(store, "scheduler-tick", 60*time.Millisecond)
	got, err := m.TryLock(ctx)
	require.NoError(t, err)
	require.True(t, got)

	done := m.KeepAlive(ctx)

	// Longer than the TTL: renewal must keep the lease alive.
	time.Sleep(150 * time.Millisecond)

	other := New(store, "scheduler-tick", time.Minute)
	taken, err := other.TryLock(context.Background())
	require.NoError(t, err)
	assert.False(t, taken, "renewed lease must still exclude others")

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("keepalive did not stop after cancel")
	}
}
