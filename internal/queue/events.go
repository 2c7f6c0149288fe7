// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package queue

import (
	"context"
	"fmt"

	"github.com/mkojima/shiori/internal/models"
)

// EventPublisher fans domain events out on the EVENTS stream. Emission
// is at-least-once; deterministic message ids let the stream's
// deduplication window absorb replays, so a chapter discovered twice
// by racing reconcilers still reaches subscribers once.
type EventPublisher struct {
	pub *Publisher
}

// NewEventPublisher wraps a Publisher for event fan-out.
func NewEventPublisher(pub *Publisher) *EventPublisher {
	return &EventPublisher{pub: pub}
}

// ChapterDiscovered publishes the once-per-chapter discovery event.
func (e *EventPublisher) ChapterDiscovered(ctx context.Context, ev models.ChapterDiscovered) error {
	key := fmt.Sprintf("discovered:%d", ev.ChapterID)
	return e.pub.Submit(ctx, models.TopicChapterDiscovered, key, ev)
}

// ChapterSourceAdded publishes an additional-source event.
func (e *EventPublisher) ChapterSourceAdded(ctx context.Context, ev models.ChapterSourceAdded) error {
	key := fmt.Sprintf("source_added:%d:%s", ev.ChapterID, ev.SourceName)
	return e.pub.Submit(ctx, models.TopicChapterSourceAdded, key, ev)
}

// SourceAutoDisabled publishes an operator-facing disable notice.
func (e *EventPublisher) SourceAutoDisabled(ctx context.Context, ev models.SourceAutoDisabled) error {
	key := fmt.Sprintf("disabled:%d", ev.SeriesSourceID)
	return e.pub.Submit(ctx, models.TopicSourceAutoDisabled, key, ev)
}
