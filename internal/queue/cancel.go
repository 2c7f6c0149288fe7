// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package queue

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/mkojima/shiori/internal/logging"
)

// Canceller removes queued poll work for a series. Poll subjects embed
// the series id, so cancellation is a subject-filtered purge of the
// jobs stream. In-flight jobs are not interrupted; they finish and
// their results are simply stale.
type Canceller struct {
	js jetstream.JetStream
}

// NewCanceller creates a canceller.
func NewCanceller(js jetstream.JetStream) *Canceller {
	return &Canceller{js: js}
}

// CancelSeries purges every queued poll job for the series and returns
// how many were removed.
func (c *Canceller) CancelSeries(ctx context.Context, seriesID int64) (uint64, error) {
	stream, err := c.js.Stream(ctx, StreamJobs)
	if err != nil {
		return 0, fmt.Errorf("open stream %s: %w", StreamJobs, err)
	}

	filter := SeriesPollSubjectFilter(seriesID)

	before, err := stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("stream info: %w", err)
	}

	if err := stream.Purge(ctx, jetstream.WithPurgeSubject(filter)); err != nil {
		return 0, fmt.Errorf("purge %s: %w", filter, err)
	}

	after, err := stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("stream info after purge: %w", err)
	}

	var removed uint64
	if before.State.Msgs > after.State.Msgs {
		removed = before.State.Msgs - after.State.Msgs
	}

	logging.Info().
		Int64("series_id", seriesID).
		Uint64("removed", removed).
		Msg("Cancelled queued poll jobs")
	return removed, nil
}
