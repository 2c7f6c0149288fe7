// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package queue

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/mkojima/shiori/internal/metrics"
)

// Depth is a point-in-time reading of one logical queue.
type Depth struct {
	Queue   Queue `json:"queue"`
	Waiting int64 `json:"waiting"`
	Active  int64 `json:"active"`
	Failed  int64 `json:"failed"`
}

// DepthInspector reads queue depths from JetStream consumer state.
// Waiting is the consumer's pending count, active is the unacked
// in-flight count, and failed is the poison stream's message count
// attributed to the queue's topic.
type DepthInspector struct {
	js jetstream.JetStream
}

// NewDepthInspector creates an inspector.
func NewDepthInspector(js jetstream.JetStream) *DepthInspector {
	return &DepthInspector{js: js}
}

// durableFor maps logical queues to their durable consumer names.
func durableFor(q Queue) (string, error) {
	switch q {
	case QueuePoll:
		return DurablePoll, nil
	case QueueIngest:
		return DurableIngest, nil
	case QueueDiscovery:
		return DurableDiscovery, nil
	default:
		return "", fmt.Errorf("unknown queue %q", q)
	}
}

// Depth returns the current depth of one queue and refreshes its
// gauges.
func (d *DepthInspector) Depth(ctx context.Context, q Queue) (Depth, error) {
	durable, err := durableFor(q)
	if err != nil {
		return Depth{}, err
	}

	stream, err := d.js.Stream(ctx, StreamJobs)
	if err != nil {
		return Depth{}, fmt.Errorf("open stream %s: %w", StreamJobs, err)
	}

	consumer, err := stream.Consumer(ctx, durable)
	if err != nil {
		return Depth{}, fmt.Errorf("open consumer %s: %w", durable, err)
	}

	info, err := consumer.Info(ctx)
	if err != nil {
		return Depth{}, fmt.Errorf("consumer info %s: %w", durable, err)
	}

	depth := Depth{
		Queue:   q,
		Waiting: int64(info.NumPending),
		Active:  int64(info.NumAckPending),
	}

	if failed, err := d.poisonCount(ctx); err == nil {
		depth.Failed = failed
	}

	metrics.SetQueueDepth(string(q), depth.Waiting, depth.Active, depth.Failed)
	return depth, nil
}

// All returns depths for every logical queue.
func (d *DepthInspector) All(ctx context.Context) ([]Depth, error) {
	queues := []Queue{QueuePoll, QueueIngest, QueueDiscovery}
	depths := make([]Depth, 0, len(queues))
	for _, q := range queues {
		depth, err := d.Depth(ctx, q)
		if err != nil {
			return nil, err
		}
		depths = append(depths, depth)
	}
	return depths, nil
}

func (d *DepthInspector) poisonCount(ctx context.Context) (int64, error) {
	stream, err := d.js.Stream(ctx, StreamPoison)
	if err != nil {
		return 0, err
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return 0, err
	}
	return int64(info.State.Msgs), nil
}
