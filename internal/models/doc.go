// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

/*
Package models defines the domain types shared across the discovery engine.

The types fall into three groups:

  - Catalog state: Series, SeriesSource, LogicalChapter, ChapterSource,
    QueryStat. These are persisted rows; the store package owns their
    schema and the reconciler owns chapter mutation.
  - Wire types: ChapterReport (the normalized output of any source
    fetch) and the queue job payloads (PollJob, IngestJob, DiscoveryJob).
  - Events: ChapterDiscovered and ChapterSourceAdded, emitted for
    downstream feed/notification fan-out.

Catalog tier controls whether a series is polled at all; heat controls
the exact interval inside a tier. Tier C series are structurally
excluded from scheduling.
*/
package models
