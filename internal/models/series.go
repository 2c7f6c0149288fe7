// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package models

import "time"

// CatalogTier classifies how aggressively a series is polled.
type CatalogTier string

const (
	// TierA series are hot: polled every 30-60 minutes depending on heat.
	TierA CatalogTier = "A"
	// TierB series are warm: polled every 6-12 hours depending on heat.
	TierB CatalogTier = "B"
	// TierC series are cold: never polled.
	TierC CatalogTier = "C"
)

// Valid reports whether the tier is one of A, B, C.
func (t CatalogTier) Valid() bool {
	return t == TierA || t == TierB || t == TierC
}

// Heat is the sub-classification within a tier that picks the exact
// polling interval.
type Heat string

const (
	HeatHot  Heat = "HOT"
	HeatWarm Heat = "WARM"
	HeatCold Heat = "COLD"
)

// SourceStatus is the lifecycle state of a SeriesSource.
type SourceStatus string

const (
	// SourceActive sources are eligible for scheduling.
	SourceActive SourceStatus = "active"
	// SourceDisabled sources are excluded from scheduling and browse.
	// A source is disabled after repeated hard failures or when the
	// remote entity disappears (NotFound).
	SourceDisabled SourceStatus = "disabled"
)

// Series is one tracked serialized title.
//
// catalog_tier is written only by the tier classifier's maintenance
// pass; the poller never mutates a series row.
type Series struct {
	ID          int64       `json:"id"`
	Title       string      `json:"title"`
	CatalogTier CatalogTier `json:"catalog_tier"`
	Heat        Heat        `json:"heat"`

	// Engagement signals consumed by the tier classifier. Produced by
	// the external analytics layer.
	RecentReads   int64 `json:"recent_reads"`
	RecentFollows int64 `json:"recent_follows"`
	SearchHeat    int64 `json:"search_heat"`

	// DemotionStreak counts consecutive maintenance passes in which the
	// activity score sat below the demotion bar. Hysteresis state.
	DemotionStreak int `json:"demotion_streak"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SeriesSource binds a series to one external source. The
// (series_id, source_name) pair is unique.
type SeriesSource struct {
	ID       int64  `json:"id"`
	SeriesID int64  `json:"series_id"`
	// SourceName identifies the external source ("comiket-api",
	// "scanfeed", ...). It selects the source client and the rate
	// bucket.
	SourceName string `json:"source_name"`

	// ExternalID is the source-specific identifier for the series.
	// Observed up to ~4000 characters for opaque scraped identifiers.
	ExternalID string `json:"external_id"`
	URL        string `json:"url"`

	// TrustScore in [0,1] breaks ties for chapter display only. It is
	// never part of reconciliation identity.
	TrustScore float64 `json:"trust_score"`

	FailureCount int          `json:"failure_count"`
	Status       SourceStatus `json:"source_status"`
	LastPolledAt *time.Time   `json:"last_polled_at,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// LogicalChapter is the canonical, source-independent identity of one
// chapter: exactly one row per (series_id, chapter_key).
type LogicalChapter struct {
	ID       int64 `json:"id"`
	SeriesID int64 `json:"series_id"`

	// ChapterKey is the normalized chapter number ("1105.5", "7") or a
	// verbatim non-numeric designator ("extra-1"). See chapter.Normalize.
	ChapterKey string `json:"chapter_key"`

	Title string `json:"title,omitempty"`

	// FirstSeenAt is set once at creation and never updated; it is the
	// feed/discovery cursor.
	FirstSeenAt time.Time `json:"first_seen_at"`

	// AnnouncedAt is set after the discovery event for this chapter
	// reached the broker. Nil means the event still owes delivery and a
	// redelivered ingest job must re-emit it.
	AnnouncedAt *time.Time `json:"announced_at,omitempty"`
}

// ChapterSource records that one source reported one logical chapter.
// One row per (logical_chapter_id, series_source_id).
type ChapterSource struct {
	ID               int64  `json:"id"`
	LogicalChapterID int64  `json:"logical_chapter_id"`
	SeriesSourceID   int64  `json:"series_source_id"`
	URL              string `json:"url"`
	Language         string `json:"language,omitempty"`
	ScanlationGroup  string `json:"scanlation_group,omitempty"`

	// SourceChapterID is the source's own chapter identifier. Optional;
	// carried for audit only, never used for matching.
	SourceChapterID *string `json:"source_chapter_id,omitempty"`

	IsAvailable bool      `json:"is_available"`
	DetectedAt  time.Time `json:"detected_at"`

	// AnnouncedAt is cleared whenever the row materially changes and set
	// once the matching event reached the broker.
	AnnouncedAt *time.Time `json:"announced_at,omitempty"`
}

// QueryStat aggregates search demand per normalized query key. It
// drives the search intent gate's heat and cooldown decisions.
type QueryStat struct {
	NormalizedKey  string     `json:"normalized_key"`
	TotalSearches  int64      `json:"total_searches"`
	UniqueUsers    int64      `json:"unique_users"`
	Resolved       int64      `json:"resolved"`
	Deferred       int64      `json:"deferred"`
	Pending        bool       `json:"pending"`
	LastSearchedAt time.Time  `json:"last_searched_at"`
	LastEnqueuedAt *time.Time `json:"last_enqueued_at,omitempty"`
}
