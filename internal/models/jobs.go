// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package models

import (
	"fmt"
	"time"
)

// Queue job payloads. Jobs are ephemeral and queue-resident; each job
// id is a deterministic function of the target key so duplicate
// enqueues collapse in the queue engine instead of duplicating work.

// PollJob targets one (series, source) pair for a polling pass.
type PollJob struct {
	SeriesSourceID int64     `json:"series_source_id" validate:"required,gt=0"`
	SeriesID       int64     `json:"series_id" validate:"required,gt=0"`
	EnqueuedAt     time.Time `json:"enqueued_at"`

	// Trigger records what caused the enqueue: "schedule", "admin" or
	// "discovery". Informational only.
	Trigger string `json:"trigger" validate:"required,oneof=schedule admin discovery"`
}

// JobID returns the deterministic queue id for this poll target.
func (j PollJob) JobID() string {
	return fmt.Sprintf("poll:%d", j.SeriesSourceID)
}

// IngestJob carries one chapter report from a completed poll into the
// reconciler. Reconciliation is queued, never inline, so one series'
// chapter volume cannot stall the poll pass for others.
type IngestJob struct {
	SeriesID       int64         `json:"series_id" validate:"required,gt=0"`
	SeriesSourceID int64         `json:"series_source_id" validate:"required,gt=0"`
	Report         ChapterReport `json:"report" validate:"required"`
	EnqueuedAt     time.Time     `json:"enqueued_at"`
}

// JobID returns the deterministic queue id for this (source, chapter)
// report. chapterKey must already be normalized.
func IngestJobID(seriesSourceID int64, chapterKey string) string {
	return fmt.Sprintf("ingest:%d:%s", seriesSourceID, chapterKey)
}

// DiscoveryJob asks the discovery consumer to crawl external sources
// for a user search query that passed the intent gate.
type DiscoveryJob struct {
	NormalizedQuery string    `json:"normalized_query" validate:"required,max=256"`
	RawQuery        string    `json:"raw_query" validate:"required,max=512"`
	Intent          string    `json:"intent" validate:"required,oneof=search browse"`
	Trigger         string    `json:"trigger" validate:"required,oneof=user admin"`
	EnqueuedAt      time.Time `json:"enqueued_at"`
}

// JobID returns the deterministic queue id for this query. One job per
// normalized key per dedup window, however many users search it.
func (j DiscoveryJob) JobID() string {
	return "discovery:" + j.NormalizedQuery
}
