// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package chapter

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/mkojima/shiori/internal/metrics"
	"github.com/mkojima/shiori/internal/models"
	"github.com/mkojima/shiori/internal/queue"
)

// Handle is the watermill consumer entry point for ingest jobs.
func (r *Reconciler) Handle(msg *message.Message) error {
	if err := r.waitForCapacity(msg.Context()); err != nil {
		return err
	}

	var job models.IngestJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		return &ValidationError{Cause: fmt.Errorf("decode ingest job: %w", err)}
	}
	_, err := r.Reconcile(msg.Context(), job)
	return err
}

// waitForCapacity holds one job while the ingest queue sits above its
// threshold: one in-process delay and re-check, then a retryable error
// so the broker redelivers later. No work is dropped; processing just
// slows until the backlog drains. Depth read failures fail open - an
// unobservable queue must not stall ingestion.
func (r *Reconciler) waitForCapacity(ctx context.Context) error {
	if r.guard == nil {
		return nil
	}
	for attempt := 0; ; attempt++ {
		saturated, err := r.guard.Saturated(ctx, queue.QueueIngest)
		if err != nil {
			r.log.Warn().Err(err).Msg("Ingest queue health unknown, processing anyway")
			return nil
		}
		if !saturated {
			return nil
		}
		if attempt >= 1 {
			metrics.ReconcileResults.WithLabelValues("deferred").Inc()
			return fmt.Errorf("ingest queue saturated, deferring")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.recheckDelay):
		}
	}
}
