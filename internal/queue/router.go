// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/mkojima/shiori/internal/metrics"
)

// RouterConfig holds retry and poison-queue settings for the job
// router.
type RouterConfig struct {
	CloseTimeout time.Duration

	RetryMaxRetries      int
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMultiplier      float64

	PoisonQueueTopic string

	// IsPermanent classifies handler errors that must not be retried
	// (malformed payloads). Such messages go straight to the poison
	// queue. Nil disables the fast path.
	IsPermanent func(error) bool
}

// DefaultRouterConfig returns production defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		CloseTimeout:         30 * time.Second,
		RetryMaxRetries:      5,
		RetryInitialInterval: time.Second,
		RetryMaxInterval:     time.Minute,
		RetryMultiplier:      2.0,
		PoisonQueueTopic:     TopicPoison,
	}
}

// Router wraps the Watermill router with the engine's standard
// middleware chain: panic recovery, exponential-backoff retry, and
// poison-queue routing for messages that exhaust their retries.
type Router struct {
	router  *message.Router
	config  RouterConfig
	logger  watermill.LoggerAdapter
	running bool
}

// NewRouter builds the router. poisonPublisher receives messages that
// fail permanently; validation errors skip retries and go there
// directly (see handler wiring in the consumers).
func NewRouter(cfg RouterConfig, poisonPublisher message.Publisher, logger watermill.LoggerAdapter) (*Router, error) {
	if logger == nil {
		logger = watermill.NewStdLogger(false, false)
	}

	wmRouter, err := message.NewRouter(message.RouterConfig{CloseTimeout: cfg.CloseTimeout}, logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill router: %w", err)
	}

	r := &Router{router: wmRouter, config: cfg, logger: logger}

	// Middleware order, outer to inner: recoverer, poison queue,
	// permanent-error lift, retry, permanent-error capture. Transient
	// handler errors are retried with backoff and dead-lettered only
	// after exhausting retries; permanent errors skip the retry loop
	// and dead-letter immediately.
	wmRouter.AddMiddleware(middleware.Recoverer)

	if poisonPublisher != nil && cfg.PoisonQueueTopic != "" {
		counted := &countingPublisher{inner: poisonPublisher}
		poisonQueue, err := middleware.PoisonQueue(counted, cfg.PoisonQueueTopic)
		if err != nil {
			return nil, fmt.Errorf("create poison queue middleware: %w", err)
		}
		wmRouter.AddMiddleware(poisonQueue)
	}

	if cfg.IsPermanent != nil {
		wmRouter.AddMiddleware(liftPermanentError)
	}

	retryMiddleware := middleware.Retry{
		MaxRetries:      cfg.RetryMaxRetries,
		InitialInterval: cfg.RetryInitialInterval,
		MaxInterval:     cfg.RetryMaxInterval,
		Multiplier:      cfg.RetryMultiplier,
		Logger:          logger,
	}
	wmRouter.AddMiddleware(retryMiddleware.Middleware)

	if cfg.IsPermanent != nil {
		wmRouter.AddMiddleware(capturePermanentError(cfg.IsPermanent))
	}

	return r, nil
}

// AddConsumerHandler registers a handler that consumes without
// producing output messages.
func (r *Router) AddConsumerHandler(name, topic string, subscriber message.Subscriber, handler message.NoPublishHandlerFunc) {
	r.router.AddConsumerHandler(name, topic, subscriber, handler)
}

// Run starts the router and blocks until context cancellation or
// Close.
func (r *Router) Run(ctx context.Context) error {
	r.running = true
	defer func() { r.running = false }()
	return r.router.Run(ctx)
}

// Running returns a channel closed once all handlers are consuming.
func (r *Router) Running() <-chan struct{} {
	return r.router.Running()
}

// Close gracefully stops the router, waiting up to CloseTimeout for
// in-flight messages.
func (r *Router) Close() error {
	return r.router.Close()
}

// IsRunning reports whether handlers are processing.
func (r *Router) IsRunning() bool { return r.running }

// metadataPermanentError carries a permanent handler error past the
// retry middleware so the poison middleware still sees a failure.
const metadataPermanentError = "shiori_permanent_error"

// errPermanent is what the poison middleware receives for skipped
// retries; the original error text travels in message metadata.
type errPermanent struct{ reason string }

func (e *errPermanent) Error() string { return "permanent handler error: " + e.reason }

// capturePermanentError sits directly above the handler. It swallows
// permanent errors (returning success so the retry middleware does not
// loop) and stashes the reason in metadata.
func capturePermanentError(isPermanent func(error) bool) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			out, err := h(msg)
			if err != nil && isPermanent(err) {
				msg.Metadata.Set(metadataPermanentError, err.Error())
				return nil, nil
			}
			return out, err
		}
	}
}

// liftPermanentError sits between the poison and retry middleware,
// re-raising a captured permanent error so the message dead-letters.
func liftPermanentError(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		out, err := h(msg)
		if err != nil {
			return out, err
		}
		if reason := msg.Metadata.Get(metadataPermanentError); reason != "" {
			return nil, &errPermanent{reason: reason}
		}
		return out, nil
	}
}

// countingPublisher increments the dead-letter counter for every
// message the poison middleware routes out.
type countingPublisher struct {
	inner message.Publisher
}

func (p *countingPublisher) Publish(topic string, messages ...*message.Message) error {
	if err := p.inner.Publish(topic, messages...); err != nil {
		return err
	}
	for _, msg := range messages {
		metrics.JobsDeadLettered.WithLabelValues(msg.Metadata.Get(middleware.PoisonedTopicKey)).Inc()
	}
	return nil
}

func (p *countingPublisher) Close() error { return p.inner.Close() }
