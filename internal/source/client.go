// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

/*
Package source implements the polymorphic source clients.

A source is any external site that lists chapters for tracked series.
Two families exist: structured APIs (JSON, stable ids, generous rate
limits) and scraped HTML pages (no ids, conservative limits). Both
normalize their output into []models.ChapterReport so nothing
downstream knows which family a report came from.

Every client is wrapped in a per-source circuit breaker (Breaker) that
fails fast after repeated failures, independent of the rate limiter.
*/
package source

import (
	"context"

	"github.com/mkojima/shiori/internal/models"
)

// Kind distinguishes the two client families.
type Kind string

const (
	KindAPI     Kind = "api"
	KindScraped Kind = "scraped"
)

// Ref identifies the series to fetch on one source.
type Ref struct {
	SourceName string
	// ExternalID is the source's identifier for the series. May be an
	// opaque scraped token of several kilobytes.
	ExternalID string
	// URL is the chapter listing page (scraped sources).
	URL string
}

// Client performs one fetch against one source.
type Client interface {
	// Name returns the source name the client serves.
	Name() string
	// Kind returns the client family, which selects the rate profile.
	Kind() Kind
	// Fetch returns every chapter the source currently lists for the
	// series. Errors use the package taxonomy.
	Fetch(ctx context.Context, ref Ref) ([]models.ChapterReport, error)
}

// SeriesHit is one search result from a searchable source.
type SeriesHit struct {
	Title      string `json:"title"`
	ExternalID string `json:"external_id"`
	URL        string `json:"url"`
}

// Searcher is implemented by API sources that support title search.
// The discovery consumer uses it to resolve user queries into new
// series/source registrations.
type Searcher interface {
	Search(ctx context.Context, query string) ([]SeriesHit, error)
}

// SearchClient is a full client that also supports title search.
type SearchClient interface {
	Client
	Searcher
}
