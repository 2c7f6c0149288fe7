// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package chapter

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkojima/shiori/internal/models"
)

// memStore mimics the Postgres upsert semantics: created is true for
// exactly one caller per unique key, however many goroutines race.
type memStore struct {
	mu       sync.Mutex
	nextID   int64
	series   map[int64]*models.Series
	sources  map[int64]*models.SeriesSource
	chapters map[string]*models.LogicalChapter // seriesID|key
	evidence map[string]*models.ChapterSource  // chapterID|sourceID
}

func newMemStore() *memStore {
	return &memStore{
		series:   make(map[int64]*models.Series),
		sources:  make(map[int64]*models.SeriesSource),
		chapters: make(map[string]*models.LogicalChapter),
		evidence: make(map[string]*models.ChapterSource),
	}
}

func (m *memStore) GetSeries(_ context.Context, id int64) (*models.Series, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.series[id]
	if !ok {
		return nil, fmt.Errorf("series %d not found", id)
	}
	return s, nil
}

func (m *memStore) GetSeriesSource(_ context.Context, id int64) (*models.SeriesSource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sources[id]
	if !ok {
		return nil, fmt.Errorf("series source %d not found", id)
	}
	return s, nil
}

func (m *memStore) UpsertLogicalChapter(_ context.Context, seriesID int64, key, title string) (*models.LogicalChapter, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mk := fmt.Sprintf("%d|%s", seriesID, key)
	if ch, ok := m.chapters[mk]; ok {
		cp := *ch
		return &cp, false, nil
	}
	m.nextID++
	ch := &models.LogicalChapter{
		ID: m.nextID, SeriesID: seriesID, ChapterKey: key, Title: title,
		FirstSeenAt: time.Now().UTC(),
	}
	m.chapters[mk] = ch
	cp := *ch
	return &cp, true, nil
}

func (m *memStore) UpsertChapterSource(_ context.Context, up SourceUpsert) (*models.ChapterSource, bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mk := fmt.Sprintf("%d|%d", up.LogicalChapterID, up.SeriesSourceID)
	if cs, ok := m.evidence[mk]; ok {
		changed := cs.URL != up.URL || cs.IsAvailable != up.IsAvailable
		cs.URL = up.URL
		cs.IsAvailable = up.IsAvailable
		if changed {
			cs.AnnouncedAt = nil
		}
		cp := *cs
		return &cp, false, changed, nil
	}
	m.nextID++
	cs := &models.ChapterSource{
		ID: m.nextID, LogicalChapterID: up.LogicalChapterID, SeriesSourceID: up.SeriesSourceID,
		URL: up.URL, Language: up.Language, ScanlationGroup: up.ScanlationGroup,
		SourceChapterID: up.SourceChapterID, IsAvailable: up.IsAvailable,
		DetectedAt: time.Now().UTC(),
	}
	m.evidence[mk] = cs
	cp := *cs
	return &cp, true, false, nil
}

func (m *memStore) MarkChapterAnnounced(_ context.Context, chapterID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.chapters {
		if ch.ID == chapterID {
			now := time.Now().UTC()
			ch.AnnouncedAt = &now
		}
	}
	return nil
}

func (m *memStore) MarkChapterSourceAnnounced(_ context.Context, chapterSourceID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cs := range m.evidence {
		if cs.ID == chapterSourceID {
			now := time.Now().UTC()
			cs.AnnouncedAt = &now
		}
	}
	return nil
}

type recEvents struct {
	mu         sync.Mutex
	discovered []models.ChapterDiscovered
	added      []models.ChapterSourceAdded

	// failDiscovered / failAdded make the next N emits fail, for
	// redelivery scenarios.
	failDiscovered int
	failAdded      int
}

func (e *recEvents) ChapterDiscovered(_ context.Context, ev models.ChapterDiscovered) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failDiscovered > 0 {
		e.failDiscovered--
		return fmt.Errorf("nats publish failed")
	}
	e.discovered = append(e.discovered, ev)
	return nil
}

func (e *recEvents) ChapterSourceAdded(_ context.Context, ev models.ChapterSourceAdded) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failAdded > 0 {
		e.failAdded--
		return fmt.Errorf("nats publish failed")
	}
	e.added = append(e.added, ev)
	return nil
}

func reconcilerFixture(t *testing.T) (*Reconciler, *memStore, *recEvents) {
	t.Helper()
	st := newMemStore()
	st.series[1] = &models.Series{ID: 1, Title: "Test Series"}
	st.sources[10] = &models.SeriesSource{ID: 10, SeriesID: 1, SourceName: "comiket-api", TrustScore: 0.9}
	st.sources[11] = &models.SeriesSource{ID: 11, SeriesID: 1, SourceName: "scanfeed", TrustScore: 0.4}
	events := &recEvents{}
	return NewReconciler(st, events, nil), st, events
}

func ingestJob(sourceID int64, number, url string) models.IngestJob {
	return models.IngestJob{
		SeriesID:       1,
		SeriesSourceID: sourceID,
		Report:         models.ChapterReport{ChapterNumber: number, URL: url},
		EnqueuedAt:     time.Now().UTC(),
	}
}

func TestReconcileNewChapterEmitsOneDiscovery(t *testing.T) {
	r, _, events := reconcilerFixture(t)

	res, err := r.Reconcile(context.Background(), ingestJob(10, "1105.5", "https://example.com/c/1105.5"))
	require.NoError(t, err)
	assert.Equal(t, ResultChapterCreated, res)

	require.Len(t, events.discovered, 1)
	ev := events.discovered[0]
	assert.Equal(t, "Test Series", ev.SeriesTitle)
	assert.Equal(t, "1105.5", ev.ChapterKey)
	assert.Equal(t, "comiket-api", ev.SourceName)
	assert.NotEmpty(t, ev.EventID)
	assert.Empty(t, events.added, "first report is a discovery, not a source addition")
}

func TestReconcileReplayIsIdempotent(t *testing.T) {
	r, st, events := reconcilerFixture(t)
	job := ingestJob(10, "7", "https://example.com/c/7")
	ctx := context.Background()

	_, err := r.Reconcile(ctx, job)
	require.NoError(t, err)

	res, err := r.Reconcile(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, ResultUnchanged, res)
	assert.Len(t, events.discovered, 1)
	assert.Empty(t, events.added)
	assert.Len(t, st.chapters, 1)
	assert.Len(t, st.evidence, 1)
}

func TestReconcileSecondSourceAttachesToExistingChapter(t *testing.T) {
	r, st, events := reconcilerFixture(t)
	ctx := context.Background()

	_, err := r.Reconcile(ctx, ingestJob(10, "7", "https://example.com/c/7"))
	require.NoError(t, err)

	res, err := r.Reconcile(ctx, ingestJob(11, "Chapter 7", "https://scanfeed.example/c/7"))
	require.NoError(t, err)
	assert.Equal(t, ResultSourceAdded, res)

	assert.Len(t, st.chapters, 1, "equivalent designators must collapse to one logical chapter")
	assert.Len(t, st.evidence, 2)
	assert.Len(t, events.discovered, 1, "only the first source discovers")
	require.Len(t, events.added, 1)
	assert.Equal(t, "scanfeed", events.added[0].SourceName)
}

func TestReconcileDesignatorVariantsCollapse(t *testing.T) {
	r, st, _ := reconcilerFixture(t)
	ctx := context.Background()

	for i, number := range []string{"007", "7", "7.0", "ch. 7", "#7"} {
		sourceID := int64(10)
		if i%2 == 1 {
			sourceID = 11
		}
		_, err := r.Reconcile(ctx, ingestJob(sourceID, number, "https://example.com/c/7"))
		require.NoError(t, err, "number=%q", number)
	}
	assert.Len(t, st.chapters, 1)
}

func TestReconcileURLChangeIsSourceAdded(t *testing.T) {
	r, _, events := reconcilerFixture(t)
	ctx := context.Background()

	_, err := r.Reconcile(ctx, ingestJob(10, "7", "https://example.com/c/7"))
	require.NoError(t, err)

	res, err := r.Reconcile(ctx, ingestJob(10, "7", "https://example.com/c/7-mirror"))
	require.NoError(t, err)
	assert.Equal(t, ResultSourceAdded, res)
	assert.Len(t, events.discovered, 1)
	assert.Len(t, events.added, 1)
}

func TestReconcileMalformedPayloadIsDeadLettered(t *testing.T) {
	r, _, events := reconcilerFixture(t)
	ctx := context.Background()

	// Missing URL.
	_, err := r.Reconcile(ctx, models.IngestJob{
		SeriesID: 1, SeriesSourceID: 10,
		Report: models.ChapterReport{ChapterNumber: "7"},
	})
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	// Designator that normalizes to nothing.
	_, err = r.Reconcile(ctx, ingestJob(10, "!!!", "https://example.com/c/x"))
	require.Error(t, err)
	assert.True(t, IsValidation(err))

	assert.Empty(t, events.discovered)
}

func TestReconcileConcurrentRacersEmitOneDiscovery(t *testing.T) {
	r, st, events := reconcilerFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		sourceID := int64(10)
		if i%2 == 1 {
			sourceID = 11
		}
		wg.Add(1)
		go func(sourceID int64) {
			defer wg.Done()
			_, err := r.Reconcile(ctx, ingestJob(sourceID, "1105", "https://example.com/c/1105"))
			assert.NoError(t, err)
		}(sourceID)
	}
	wg.Wait()

	assert.Len(t, st.chapters, 1)
	require.NotEmpty(t, events.discovered)
	for _, ev := range events.discovered {
		assert.Equal(t, events.discovered[0].ChapterID, ev.ChapterID,
			"racers may re-emit, but only for the one logical chapter; the deterministic event id collapses duplicates downstream")
	}
}

func TestReconcileEmitFailureIsReplayable(t *testing.T) {
	r, _, events := reconcilerFixture(t)
	events.failDiscovered = 1
	job := ingestJob(10, "7", "https://example.com/c/7")
	ctx := context.Background()

	_, err := r.Reconcile(ctx, job)
	require.Error(t, err, "a failed emit must surface so the broker redelivers")
	assert.False(t, IsValidation(err), "emit failures retry, they do not dead-letter")
	assert.Empty(t, events.discovered)

	// Redelivery: the rows already exist, but the announced marker is
	// still clear, so the event goes out now.
	res, err := r.Reconcile(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, ResultChapterCreated, res)
	require.Len(t, events.discovered, 1)
	assert.Equal(t, "7", events.discovered[0].ChapterKey)

	// A further replay owes nothing.
	res, err = r.Reconcile(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, ResultUnchanged, res)
	assert.Len(t, events.discovered, 1)
}

func TestReconcileSourceAddedEmitFailureIsReplayable(t *testing.T) {
	r, _, events := reconcilerFixture(t)
	ctx := context.Background()

	_, err := r.Reconcile(ctx, ingestJob(10, "7", "https://example.com/c/7"))
	require.NoError(t, err)

	events.failAdded = 1
	job := ingestJob(11, "7", "https://scanfeed.example/c/7")
	_, err = r.Reconcile(ctx, job)
	require.Error(t, err)
	assert.Empty(t, events.added)

	res, err := r.Reconcile(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, ResultSourceAdded, res)
	require.Len(t, events.added, 1)
	assert.Equal(t, "scanfeed", events.added[0].SourceName)
	assert.Len(t, events.discovered, 1, "the chapter was already announced")
}
