// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamContext is the subset of jetstream.JetStream the stream
// initializer uses, narrowed for testing.
type JetStreamContext interface {
	Stream(ctx context.Context, name string) (jetstream.Stream, error)
	CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	UpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

// StreamInitializer provisions the three streams before publishers and
// consumers start. Initialization is idempotent: existing streams are
// updated to the configured settings.
type StreamInitializer struct {
	js  JetStreamContext
	cfg Config
}

// NewStreamInitializer creates an initializer.
func NewStreamInitializer(js JetStreamContext, cfg Config) (*StreamInitializer, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context required")
	}
	return &StreamInitializer{js: js, cfg: cfg}, nil
}

// EnsureStreams creates or updates the JOBS, POISON and EVENTS streams.
func (s *StreamInitializer) EnsureStreams(ctx context.Context) error {
	streams := []jetstream.StreamConfig{
		{
			Name:       StreamJobs,
			Subjects:   []string{TopicPollWildcard, TopicIngest, TopicDiscovery},
			Retention:  jetstream.WorkQueuePolicy,
			MaxAge:     s.cfg.StreamMaxAge,
			MaxMsgs:    s.cfg.StreamMaxMsgs,
			Duplicates: s.cfg.DedupWindow,
			Replicas:   s.cfg.StreamReplicas,
			Storage:    jetstream.FileStorage,
			Discard:    jetstream.DiscardOld,
		},
		{
			Name:      StreamPoison,
			Subjects:  []string{TopicPoison},
			Retention: jetstream.LimitsPolicy,
			MaxAge:    7 * s.cfg.StreamMaxAge,
			MaxMsgs:   s.cfg.StreamMaxMsgs,
			Replicas:  s.cfg.StreamReplicas,
			Storage:   jetstream.FileStorage,
			Discard:   jetstream.DiscardOld,
		},
		{
			Name:       StreamEvents,
			Subjects:   []string{"chapters.>", "sources.>"},
			Retention:  jetstream.LimitsPolicy,
			MaxAge:     s.cfg.StreamMaxAge,
			MaxMsgs:    s.cfg.StreamMaxMsgs,
			Duplicates: s.cfg.DedupWindow,
			Replicas:   s.cfg.StreamReplicas,
			Storage:    jetstream.FileStorage,
			Discard:    jetstream.DiscardOld,
		},
	}

	for _, streamCfg := range streams {
		if err := s.ensure(ctx, streamCfg); err != nil {
			return err
		}
	}
	return nil
}

func (s *StreamInitializer) ensure(ctx context.Context, cfg jetstream.StreamConfig) error {
	_, err := s.js.Stream(ctx, cfg.Name)
	if err == nil {
		if _, err := s.js.UpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("update stream %s: %w", cfg.Name, err)
		}
		return nil
	}

	if errors.Is(err, jetstream.ErrStreamNotFound) {
		if _, err := s.js.CreateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
		return nil
	}

	return fmt.Errorf("check stream %s: %w", cfg.Name, err)
}
