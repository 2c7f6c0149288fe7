// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package backpressure

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkojima/shiori/internal/queue"
)

type fakeDepthReader struct {
	depths map[queue.Queue]queue.Depth
	err    error
}

func (f *fakeDepthReader) Depth(_ context.Context, q queue.Queue) (queue.Depth, error) {
	if f.err != nil {
		return queue.Depth{}, f.err
	}
	return f.depths[q], nil
}

func TestSaturated(t *testing.T) {
	reader := &fakeDepthReader{depths: map[queue.Queue]queue.Depth{
		queue.QueuePoll:      {Queue: queue.QueuePoll, Waiting: 90, Active: 20},
		queue.QueueDiscovery: {Queue: queue.QueueDiscovery, Waiting: 10, Active: 0},
	}}
	guard := New(reader, Thresholds{
		queue.QueuePoll:      100,
		queue.QueueDiscovery: 100,
	})
	ctx := context.Background()

	saturated, err := guard.Saturated(ctx, queue.QueuePoll)
	require.NoError(t, err)
	assert.True(t, saturated, "waiting+active above threshold")

	saturated, err = guard.Saturated(ctx, queue.QueueDiscovery)
	require.NoError(t, err)
	assert.False(t, saturated)
}

func TestLoadAtThresholdIsNotSaturated(t *testing.T) {
	reader := &fakeDepthReader{depths: map[queue.Queue]queue.Depth{
		queue.QueuePoll: {Waiting: 100, Active: 0},
	}}
	guard := New(reader, Thresholds{queue.QueuePoll: 100})

	saturated, err := guard.Saturated(context.Background(), queue.QueuePoll)
	require.NoError(t, err)
	assert.False(t, saturated)
}

func TestUnconfiguredQueueIsUnguarded(t *testing.T) {
	reader := &fakeDepthReader{err: errors.New("should not be called")}
	guard := New(reader, Thresholds{})

	saturated, err := guard.Saturated(context.Background(), queue.QueueIngest)
	require.NoError(t, err)
	assert.False(t, saturated)
}

func TestDepthErrorIsSurfaced(t *testing.T) {
	reader := &fakeDepthReader{err: errors.New("nats down")}
	guard := New(reader, DefaultThresholds())

	_, err := guard.Saturated(context.Background(), queue.QueuePoll)
	assert.Error(t, err)
}
