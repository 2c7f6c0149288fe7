// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"

	"github.com/mkojima/shiori/internal/metrics"
)

// Publisher publishes jobs and events with deterministic message ids.
// A Submit with a key that is already pending inside the stream's
// deduplication window is a server-side no-op.
type Publisher struct {
	publisher message.Publisher
	mu        sync.RWMutex
	closed    bool
}

// NewPublisher creates a JetStream publisher with reconnect handling.
func NewPublisher(cfg Config, logger watermill.LoggerAdapter) (*Publisher, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	wmConfig := wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:      false,
			AutoProvision: false, // streams are pre-created by StreamInitializer
			TrackMsgId:    true,  // deterministic job id dedup
		},
	}

	pub, err := wmNats.NewPublisher(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill publisher: %w", err)
	}

	return &Publisher{publisher: pub}, nil
}

// NewPublisherFromWatermill wraps an existing Watermill publisher.
// Used by tests with the in-memory pub/sub.
func NewPublisherFromWatermill(pub message.Publisher) *Publisher {
	return &Publisher{publisher: pub}
}

// Submit marshals payload and publishes it under the deterministic
// key. The key becomes both the Watermill UUID and the Nats-Msg-Id.
func (p *Publisher) Submit(ctx context.Context, topic, key string, payload any) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("publisher is closed")
	}
	p.mu.RUnlock()

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %s: %w", key, err)
	}

	msg := message.NewMessage(key, data)
	msg.Metadata.Set(natsgo.MsgIdHdr, key)

	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s to %s: %w", key, topic, err)
	}

	metrics.JobsPublished.WithLabelValues(topic).Inc()
	return nil
}

// Close gracefully shuts the publisher down.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.publisher.Close()
}

// WatermillPublisher exposes the native publisher for router wiring
// (poison queue middleware in particular).
func (p *Publisher) WatermillPublisher() message.Publisher {
	return p.publisher
}
