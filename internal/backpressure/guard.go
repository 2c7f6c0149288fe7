// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

// Package backpressure gates producers on queue depth. The scheduler
// skips enqueue passes and the search gate defers discovery crawls
// while their target queue sits above its threshold, so a slow source
// degrades freshness instead of growing an unbounded backlog.
package backpressure

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mkojima/shiori/internal/logging"
	"github.com/mkojima/shiori/internal/queue"
)

// DepthReader reports the current depth of one logical queue.
type DepthReader interface {
	Depth(ctx context.Context, q queue.Queue) (queue.Depth, error)
}

// Thresholds maps each queue to its maximum tolerated load, counting
// waiting plus active jobs. Zero or a missing entry means unguarded.
type Thresholds map[queue.Queue]int64

// DefaultThresholds returns production defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		queue.QueuePoll:      5000,
		queue.QueueIngest:    20000,
		queue.QueueDiscovery: 500,
	}
}

// Guard answers saturation checks for producers.
type Guard struct {
	reader     DepthReader
	thresholds Thresholds
	log        zerolog.Logger
}

// New creates a guard.
func New(reader DepthReader, thresholds Thresholds) *Guard {
	if thresholds == nil {
		thresholds = DefaultThresholds()
	}
	return &Guard{
		reader:     reader,
		thresholds: thresholds,
		log:        logging.With().Str("component", "backpressure").Logger(),
	}
}

// Saturated reports whether the queue's load exceeds its threshold.
// A depth read failure is reported as an error; the caller decides
// whether to fail open or closed.
func (g *Guard) Saturated(ctx context.Context, q queue.Queue) (bool, error) {
	threshold, ok := g.thresholds[q]
	if !ok || threshold <= 0 {
		return false, nil
	}

	depth, err := g.reader.Depth(ctx, q)
	if err != nil {
		return false, fmt.Errorf("read depth of %s: %w", q, err)
	}

	load := depth.Waiting + depth.Active
	if load > threshold {
		g.log.Warn().
			Str("queue", string(q)).
			Int64("load", load).
			Int64("threshold", threshold).
			Msg("Queue saturated")
		return true, nil
	}
	return false, nil
}
