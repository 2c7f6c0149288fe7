// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package search

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkojima/shiori/internal/models"
	"github.com/mkojima/shiori/internal/queue"
)

// memStatStore mirrors the Postgres query_stats semantics, including
// the pending compare-and-set.
type memStatStore struct {
	mu    sync.Mutex
	stats map[string]*models.QueryStat

	casCalls   int
	clearCalls []bool
}

func newMemStatStore() *memStatStore {
	return &memStatStore{stats: make(map[string]*models.QueryStat)}
}

func (m *memStatStore) RecordSearch(_ context.Context, key string, newUser bool, at time.Time) (*models.QueryStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stat, ok := m.stats[key]
	if !ok {
		stat = &models.QueryStat{NormalizedKey: key}
		m.stats[key] = stat
	}
	stat.TotalSearches++
	if newUser {
		stat.UniqueUsers++
	}
	stat.LastSearchedAt = at
	cp := *stat
	return &cp, nil
}

func (m *memStatStore) GetQueryStat(_ context.Context, key string) (*models.QueryStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stat, ok := m.stats[key]
	if !ok {
		return nil, errors.New("no stat for " + key)
	}
	cp := *stat
	return &cp, nil
}

func (m *memStatStore) TryMarkPending(_ context.Context, key string, cooldownCutoff, staleCutoff, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.casCalls++
	stat, ok := m.stats[key]
	if !ok {
		return false, errors.New("no stat for " + key)
	}
	if stat.Pending {
		// A live claim refuses; one older than the stale cutoff is
		// reclaimable.
		if stat.LastEnqueuedAt == nil || stat.LastEnqueuedAt.After(staleCutoff) {
			return false, nil
		}
	} else if stat.LastEnqueuedAt != nil && stat.LastEnqueuedAt.After(cooldownCutoff) {
		return false, nil
	}
	stat.Pending = true
	enq := at
	stat.LastEnqueuedAt = &enq
	return true, nil
}

func (m *memStatStore) ClearPending(_ context.Context, key string, resolved bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearCalls = append(m.clearCalls, resolved)
	if stat, ok := m.stats[key]; ok {
		stat.Pending = false
		if resolved {
			stat.Resolved++
		} else {
			stat.Deferred++
		}
	}
	return nil
}

type gatePub struct {
	mu   sync.Mutex
	jobs []submittedJob
	err  error
}

type submittedJob struct {
	topic string
	key   string
}

func (p *gatePub) Submit(_ context.Context, topic, key string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.jobs = append(p.jobs, submittedJob{topic: topic, key: key})
	return nil
}

type gateGuard struct {
	saturated bool
	err       error
	calls     int
}

func (g *gateGuard) Saturated(context.Context, queue.Queue) (bool, error) {
	g.calls++
	return g.saturated, g.err
}

func newTestGate(st Store, pub Publisher, guard Backpressure) *Gate {
	return New(st, pub, guard, DefaultConfig())
}

func TestGateEmptyQueryNeverCrawls(t *testing.T) {
	st := newMemStatStore()
	pub := &gatePub{}
	g := newTestGate(st, pub, &gateGuard{})

	d, err := g.RecordSearch(context.Background(), "!!! ...", "u1")
	require.NoError(t, err)
	assert.Equal(t, ReasonEmptyQuery, d.Reason)
	assert.Empty(t, st.stats, "empty keys must not pollute demand accounting")
	assert.Empty(t, pub.jobs)
}

func TestGateOneOffSearchStaysBelowHeat(t *testing.T) {
	st := newMemStatStore()
	pub := &gatePub{}
	g := newTestGate(st, pub, &gateGuard{})

	d, err := g.RecordSearch(context.Background(), "obscure title", "u1")
	require.NoError(t, err)
	assert.Equal(t, ReasonBelowHeat, d.Reason)
	assert.False(t, d.Enqueued)
	assert.Empty(t, pub.jobs)
	assert.EqualValues(t, 1, st.stats[d.NormalizedKey].TotalSearches)
}

func TestGateHotQueryEnqueuesOnce(t *testing.T) {
	st := newMemStatStore()
	pub := &gatePub{}
	g := newTestGate(st, pub, &gateGuard{})
	ctx := context.Background()

	first, err := g.RecordSearch(ctx, "one piece 1105", "u1")
	require.NoError(t, err)
	assert.Equal(t, ReasonBelowHeat, first.Reason)

	second, err := g.RecordSearch(ctx, "One-Piece 1105!", "u2")
	require.NoError(t, err)
	assert.True(t, second.Enqueued)
	assert.Equal(t, ReasonEnqueued, second.Reason)

	require.Len(t, pub.jobs, 1)
	assert.Equal(t, queue.TopicDiscovery, pub.jobs[0].topic)
	assert.Equal(t, "discovery:"+second.NormalizedKey, pub.jobs[0].key)
	assert.True(t, st.stats[second.NormalizedKey].Pending)
}

func TestGateCooldownBlocksRepeatCrawl(t *testing.T) {
	st := newMemStatStore()
	pub := &gatePub{}
	g := newTestGate(st, pub, &gateGuard{})
	ctx := context.Background()

	_, err := g.RecordSearch(ctx, "one piece", "u1")
	require.NoError(t, err)
	d, err := g.RecordSearch(ctx, "one piece", "u2")
	require.NoError(t, err)
	require.True(t, d.Enqueued)

	// The crawl resolved; the key is no longer pending but the window
	// has not elapsed.
	require.NoError(t, st.ClearPending(ctx, d.NormalizedKey, true))

	d, err = g.RecordSearch(ctx, "one piece", "u3")
	require.NoError(t, err)
	assert.Equal(t, ReasonCooldown, d.Reason)
	assert.Len(t, pub.jobs, 1)

	// Past the window the key is eligible again.
	g.nowFn = func() time.Time { return time.Now().Add(time.Minute) }
	d, err = g.RecordSearch(ctx, "one piece", "u4")
	require.NoError(t, err)
	assert.True(t, d.Enqueued)
	assert.Len(t, pub.jobs, 2)
}

func TestGateInFlightCrawlBlocksEnqueue(t *testing.T) {
	st := newMemStatStore()
	pub := &gatePub{}
	g := newTestGate(st, pub, &gateGuard{})
	ctx := context.Background()

	_, err := g.RecordSearch(ctx, "one piece", "u1")
	require.NoError(t, err)
	d, err := g.RecordSearch(ctx, "one piece", "u2")
	require.NoError(t, err)
	require.True(t, d.Enqueued)

	// Still pending and past cooldown: the pending check, not the
	// cooldown, must refuse.
	g.nowFn = func() time.Time { return time.Now().Add(time.Minute) }
	d, err = g.RecordSearch(ctx, "one piece", "u3")
	require.NoError(t, err)
	assert.Equal(t, ReasonInFlight, d.Reason)
	assert.Len(t, pub.jobs, 1)
}

func TestGateStalePendingClaimIsReclaimed(t *testing.T) {
	st := newMemStatStore()
	pub := &gatePub{}
	g := newTestGate(st, pub, &gateGuard{})
	ctx := context.Background()

	_, err := g.RecordSearch(ctx, "one piece", "u1")
	require.NoError(t, err)
	d, err := g.RecordSearch(ctx, "one piece", "u2")
	require.NoError(t, err)
	require.True(t, d.Enqueued)

	// The claim holder dies before ClearPending: the key stays pending
	// with no crawl in flight. Inside the stale window it still refuses.
	g.nowFn = func() time.Time { return time.Now().Add(5 * time.Minute) }
	d, err = g.RecordSearch(ctx, "one piece", "u3")
	require.NoError(t, err)
	assert.Equal(t, ReasonInFlight, d.Reason)

	// Past the window the claim is written off and the crawl re-runs.
	g.nowFn = func() time.Time { return time.Now().Add(15 * time.Minute) }
	d, err = g.RecordSearch(ctx, "one piece", "u4")
	require.NoError(t, err)
	assert.True(t, d.Enqueued, "a dead holder must not wedge the key forever")
	assert.Len(t, pub.jobs, 2)
}

func TestGateBackpressureRefusesBeforeClaim(t *testing.T) {
	st := newMemStatStore()
	pub := &gatePub{}
	guard := &gateGuard{saturated: true}
	g := newTestGate(st, pub, guard)
	ctx := context.Background()

	_, err := g.RecordSearch(ctx, "one piece", "u1")
	require.NoError(t, err)
	d, err := g.RecordSearch(ctx, "one piece", "u2")
	require.NoError(t, err)
	assert.Equal(t, ReasonBackpressure, d.Reason)
	assert.Zero(t, st.casCalls, "saturated queue must refuse before claiming pending")
	assert.Empty(t, pub.jobs)
}

func TestGateUnknownQueueHealthFailsClosed(t *testing.T) {
	st := newMemStatStore()
	pub := &gatePub{}
	g := newTestGate(st, pub, &gateGuard{err: errors.New("jetstream down")})
	ctx := context.Background()

	_, err := g.RecordSearch(ctx, "one piece", "u1")
	require.NoError(t, err)
	d, err := g.RecordSearch(ctx, "one piece", "u2")
	require.NoError(t, err)
	assert.Equal(t, ReasonBackpressure, d.Reason)
	assert.Empty(t, pub.jobs)
}

func TestGatePublishFailureRollsBackClaim(t *testing.T) {
	st := newMemStatStore()
	pub := &gatePub{err: errors.New("nats publish failed")}
	g := newTestGate(st, pub, &gateGuard{})
	ctx := context.Background()

	_, err := g.RecordSearch(ctx, "one piece", "u1")
	require.NoError(t, err)
	_, err = g.RecordSearch(ctx, "one piece", "u2")
	require.Error(t, err)

	key := NormalizeQuery("one piece")
	assert.False(t, st.stats[key].Pending, "failed publish must release the claim")
	assert.Equal(t, []bool{false}, st.clearCalls)
}

func TestGateCrawlStormCollapsesToOneJob(t *testing.T) {
	st := newMemStatStore()
	pub := &gatePub{}
	g := newTestGate(st, pub, &gateGuard{})
	ctx := context.Background()

	var wg sync.WaitGroup
	enqueued := make(chan struct{}, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := g.RecordSearch(ctx, "Trending Title 42", fmt.Sprintf("user-%d", i))
			if err == nil && d.Enqueued {
				enqueued <- struct{}{}
			}
		}(i)
	}
	wg.Wait()
	close(enqueued)

	assert.Len(t, pub.jobs, len(enqueued))
	assert.LessOrEqual(t, len(pub.jobs), 1, "a storm inside one window collapses to at most one job")

	key := NormalizeQuery("Trending Title 42")
	assert.EqualValues(t, 200, st.stats[key].TotalSearches, "every search still counts")
}

func TestGateUniqueUsersApproximation(t *testing.T) {
	st := newMemStatStore()
	g := newTestGate(st, &gatePub{}, &gateGuard{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := g.RecordSearch(ctx, "solo reader series", "same-user")
		require.NoError(t, err)
	}
	key := NormalizeQuery("solo reader series")
	assert.EqualValues(t, 3, st.stats[key].TotalSearches)
	assert.EqualValues(t, 1, st.stats[key].UniqueUsers, "repeat searches by one user count once")

	_, err := g.RecordSearch(ctx, "solo reader series", "other-user")
	require.NoError(t, err)
	assert.EqualValues(t, 2, st.stats[key].UniqueUsers)
}
