// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package models

import "time"

// Event topics consumed by the external feed/notification fan-out.
const (
	TopicChapterDiscovered   = "chapters.discovered"
	TopicChapterSourceAdded  = "chapters.source_added"
	TopicSourceAutoDisabled  = "sources.disabled"
)

// ChapterDiscovered is emitted exactly once per brand-new logical
// chapter, when its first chapter source attaches. Additional sources
// on a known chapter emit ChapterSourceAdded instead - never a second
// discovery event.
type ChapterDiscovered struct {
	EventID        string    `json:"event_id"`
	SeriesID       int64     `json:"series_id"`
	SeriesTitle    string    `json:"series_title"`
	ChapterID      int64     `json:"chapter_id"`
	ChapterKey     string    `json:"chapter_key"`
	ChapterTitle   string    `json:"chapter_title,omitempty"`
	SourceName     string    `json:"source_name"`
	SourceURL      string    `json:"source_url"`
	DiscoveredAt   time.Time `json:"discovered_at"`
}

// ChapterSourceAdded is emitted when an additional source reports an
// already-known chapter, or an existing source's availability flips.
type ChapterSourceAdded struct {
	EventID    string    `json:"event_id"`
	SeriesID   int64     `json:"series_id"`
	ChapterID  int64     `json:"chapter_id"`
	ChapterKey string    `json:"chapter_key"`
	SourceName string    `json:"source_name"`
	SourceURL  string    `json:"source_url"`
	Available  bool      `json:"available"`
	DetectedAt time.Time `json:"detected_at"`
}

// SourceAutoDisabled is emitted when the poller disables a series
// source after repeated hard failures, so operators can follow up.
type SourceAutoDisabled struct {
	EventID        string    `json:"event_id"`
	SeriesID       int64     `json:"series_id"`
	SeriesSourceID int64     `json:"series_source_id"`
	SourceName     string    `json:"source_name"`
	Reason         string    `json:"reason"`
	FailureCount   int       `json:"failure_count"`
	DisabledAt     time.Time `json:"disabled_at"`
}
