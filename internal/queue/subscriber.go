// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package queue

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"
)

// Subscriber wraps a durable JetStream subscriber bound to one of the
// pre-created streams. Workers sharing a durable name form a queue
// group, so jobs are load-balanced across the fleet.
type Subscriber struct {
	subscriber message.Subscriber
	durable    string
}

// NewSubscriber creates a durable subscriber for the named stream.
// Durable names map one-to-one to logical queues (pollers, ingesters,
// discoverers).
func NewSubscriber(cfg Config, stream, durable string, logger watermill.LoggerAdapter) (*Subscriber, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("Subscriber disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("Subscriber reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	subOpts := []natsgo.SubOpt{
		natsgo.MaxDeliver(cfg.MaxDeliver),
		natsgo.MaxAckPending(cfg.MaxAckPending),
		natsgo.AckWait(cfg.AckWait),
		natsgo.DeliverAll(),
		// Streams are created up front; BindStream is required because
		// poll subjects are wildcards and cannot name a stream.
		natsgo.BindStream(stream),
	}

	wmConfig := wmNats.SubscriberConfig{
		URL:              cfg.URL,
		QueueGroupPrefix: durable,
		SubscribersCount: cfg.SubscribersCount,
		AckWaitTimeout:   cfg.AckWait,
		CloseTimeout:     cfg.CloseTimeout,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled:         false,
			AutoProvision:    false,
			AckAsync:         false,
			SubscribeOptions: subOpts,
			DurablePrefix:    durable,
		},
	}

	sub, err := wmNats.NewSubscriber(wmConfig, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill subscriber: %w", err)
	}

	return &Subscriber{subscriber: sub, durable: durable}, nil
}

// Subscribe returns the message channel for a topic. The channel
// closes when the context is cancelled or the subscriber is closed.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return s.subscriber.Subscribe(ctx, topic)
}

// WatermillSubscriber exposes the native subscriber for router wiring.
func (s *Subscriber) WatermillSubscriber() message.Subscriber {
	return s.subscriber
}

// Close gracefully shuts down the subscriber.
func (s *Subscriber) Close() error {
	return s.subscriber.Close()
}
