// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

/*
Package queue provides the job and event pipeline on NATS JetStream via
Watermill.

Three durable work queues live on the JOBS stream: poll jobs
(jobs.poll.<series>.<source>), ingest jobs (jobs.ingest) and discovery
jobs (jobs.discovery). Outbound events for the feed/notification
fan-out live on the EVENTS stream (chapters.>, sources.>). Jobs that
exhaust their retries land on the POISON stream (jobs.poison).

Deterministic job ids: every job is published with its id as the
JetStream Nats-Msg-Id, so duplicate submissions inside the stream's
deduplication window collapse server-side. Submit(key, payload) is a
no-op if the key is already pending - no application-level locking
involved.

Poll jobs carry the series id in their subject so that all waiting and
delayed jobs for a deleted series can be purged by subject filter
without touching other work.
*/
package queue
