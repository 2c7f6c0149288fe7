// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkojima/shiori/internal/models"
	"github.com/mkojima/shiori/internal/queue"
	"github.com/mkojima/shiori/internal/store"
)

type bucketKey struct {
	tier models.CatalogTier
	heat models.Heat
}

type fakeSchedStore struct {
	mu      sync.Mutex
	targets map[bucketKey][]store.DueTarget
	queried []bucketKey
	cutoffs map[bucketKey]time.Time

	// waitCtx parks every query until the tick context ends.
	waitCtx bool
}

func newFakeSchedStore() *fakeSchedStore {
	return &fakeSchedStore{
		targets: make(map[bucketKey][]store.DueTarget),
		cutoffs: make(map[bucketKey]time.Time),
	}
}

func (f *fakeSchedStore) ListDueTargets(ctx context.Context, t models.CatalogTier, h models.Heat, cutoff time.Time, _ int) ([]store.DueTarget, error) {
	if f.waitCtx {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k := bucketKey{t, h}
	f.queried = append(f.queried, k)
	f.cutoffs[k] = cutoff
	return f.targets[k], nil
}

type fakePub struct {
	mu   sync.Mutex
	keys []string
	subs []string
}

func (p *fakePub) Submit(_ context.Context, topic, key string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, topic)
	p.keys = append(p.keys, key)
	return nil
}

type fakeGuard struct{ saturated bool }

func (g *fakeGuard) Saturated(context.Context, queue.Queue) (bool, error) {
	return g.saturated, nil
}

type fakeLock struct {
	mu       sync.Mutex
	held     bool
	acquired int

	// lost, when set, is returned by KeepAlive to simulate a lease
	// stolen mid-tick.
	lost chan struct{}
}

func (l *fakeLock) TryLock(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false, nil
	}
	l.held = true
	l.acquired++
	return true, nil
}

func (l *fakeLock) Unlock(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
	return nil
}

func (l *fakeLock) KeepAlive(ctx context.Context) <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lost != nil {
		return l.lost
	}
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(done)
	}()
	return done
}

func TestTickEnqueuesDuePairsWithDeterministicIDs(t *testing.T) {
	st := newFakeSchedStore()
	st.targets[bucketKey{models.TierA, models.HeatHot}] = []store.DueTarget{
		{SeriesID: 1, SeriesSourceID: 10},
		{SeriesID: 2, SeriesSourceID: 20},
	}
	pub := &fakePub{}

	s := New(st, pub, &fakeGuard{}, &fakeLock{}, DefaultConfig())
	require.NoError(t, s.Tick(context.Background()))

	assert.Equal(t, []string{"poll:10", "poll:20"}, pub.keys)
	assert.Equal(t, []string{"jobs.poll.1.10", "jobs.poll.2.20"}, pub.subs,
		"poll subjects embed the series id for cancellation purges")
}

func TestTickNeverQueriesTierC(t *testing.T) {
	st := newFakeSchedStore()
	s := New(st, &fakePub{}, &fakeGuard{}, &fakeLock{}, DefaultConfig())

	require.NoError(t, s.Tick(context.Background()))

	for _, k := range st.queried {
		assert.NotEqual(t, models.TierC, k.tier, "tier C must be structurally excluded")
	}
	assert.Len(t, st.queried, 6, "all A/B heat buckets queried")
}

func TestTickCutoffsFollowTierIntervals(t *testing.T) {
	st := newFakeSchedStore()
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	s := New(st, &fakePub{}, &fakeGuard{}, nil, DefaultConfig())
	s.nowFn = func() time.Time { return now }

	require.NoError(t, s.Tick(context.Background()))

	assert.Equal(t, now.Add(-30*time.Minute), st.cutoffs[bucketKey{models.TierA, models.HeatHot}])
	assert.Equal(t, now.Add(-time.Hour), st.cutoffs[bucketKey{models.TierA, models.HeatCold}])
	assert.Equal(t, now.Add(-12*time.Hour), st.cutoffs[bucketKey{models.TierB, models.HeatCold}])
}

func TestTickSkippedWhenLockHeldElsewhere(t *testing.T) {
	st := newFakeSchedStore()
	st.targets[bucketKey{models.TierA, models.HeatHot}] = []store.DueTarget{{SeriesID: 1, SeriesSourceID: 10}}
	pub := &fakePub{}
	lk := &fakeLock{held: true}

	s := New(st, pub, &fakeGuard{}, lk, DefaultConfig())
	require.NoError(t, s.Tick(context.Background()))

	assert.Empty(t, pub.keys, "a held lease skips the whole tick")
	assert.Empty(t, st.queried)
}

func TestTickSkippedUnderBackpressure(t *testing.T) {
	st := newFakeSchedStore()
	st.targets[bucketKey{models.TierA, models.HeatHot}] = []store.DueTarget{{SeriesID: 1, SeriesSourceID: 10}}
	pub := &fakePub{}

	s := New(st, pub, &fakeGuard{saturated: true}, &fakeLock{}, DefaultConfig())
	require.NoError(t, s.Tick(context.Background()))

	assert.Empty(t, pub.keys, "saturated poll queue sheds the whole tick")
	assert.Empty(t, st.queried, "skip happens before any due query")
}

func TestTickReleasesLock(t *testing.T) {
	lk := &fakeLock{}
	s := New(newFakeSchedStore(), &fakePub{}, &fakeGuard{}, lk, DefaultConfig())

	require.NoError(t, s.Tick(context.Background()))
	require.NoError(t, s.Tick(context.Background()))
	assert.Equal(t, 2, lk.acquired, "lock released between ticks")
}

func TestTickAbortsWhenLeaseLost(t *testing.T) {
	st := newFakeSchedStore()
	st.waitCtx = true
	pub := &fakePub{}

	lost := make(chan struct{})
	close(lost)
	lk := &fakeLock{lost: lost}

	s := New(st, pub, &fakeGuard{}, lk, DefaultConfig())
	err := s.Tick(context.Background())
	require.Error(t, err, "a lost lease must abort the tick, not finish it")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, pub.keys, "nothing may be enqueued after the lease is gone")
}

func TestTickKeepsLeaseAliveForItsDuration(t *testing.T) {
	lk := &fakeLock{}
	s := New(newFakeSchedStore(), &fakePub{}, &fakeGuard{}, lk, DefaultConfig())

	require.NoError(t, s.Tick(context.Background()))

	lk.mu.Lock()
	defer lk.mu.Unlock()
	assert.False(t, lk.held, "renewal stops and the lease releases once the tick ends")
}

func TestForcePollBypassesDueCheck(t *testing.T) {
	pub := &fakePub{}
	s := New(newFakeSchedStore(), pub, &fakeGuard{saturated: true}, &fakeLock{held: true}, DefaultConfig())

	require.NoError(t, s.ForcePoll(context.Background(), 7, 70))
	assert.Equal(t, []string{"poll:70"}, pub.keys)
}

func TestStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TickInterval = 10 * time.Millisecond

	st := newFakeSchedStore()
	s := New(st, &fakePub{}, &fakeGuard{}, nil, cfg)

	ctx := context.Background()
	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx), "double start rejected")

	time.Sleep(35 * time.Millisecond)
	s.Stop()

	st.mu.Lock()
	ticks := len(st.queried)
	st.mu.Unlock()
	assert.Greater(t, ticks, 0, "loop ran at least one tick")

	s.Stop() // idempotent
}
