// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package models

import "time"

// ChapterReport is the source-agnostic result of one fetch: one chapter
// as reported by one source. Every source client normalizes into this
// shape; the reconciler consumes it.
type ChapterReport struct {
	// ChapterNumber is the raw chapter designator as the source
	// reported it ("1105.5", "007", "Extra 1"). Normalization happens
	// in the reconciler, not in source clients.
	ChapterNumber string `json:"chapter_number" validate:"required,max=64"`

	Title string `json:"title,omitempty" validate:"max=1024"`
	URL   string `json:"url" validate:"required,url,max=4096"`

	// SourceChapterID may be absent for sources without stable ids.
	SourceChapterID *string    `json:"source_chapter_id,omitempty" validate:"omitempty,max=4096"`
	Language        string     `json:"language,omitempty" validate:"max=16"`
	ScanlationGroup string     `json:"scanlation_group,omitempty" validate:"max=256"`
	PublishedAt     *time.Time `json:"published_at,omitempty"`
}
