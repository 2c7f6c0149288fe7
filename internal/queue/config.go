// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package queue

import (
	"fmt"
	"time"
)

// Stream and subject layout.
const (
	StreamJobs   = "SHIORI_JOBS"
	StreamPoison = "SHIORI_POISON"
	StreamEvents = "SHIORI_EVENTS"

	// TopicPollPrefix is the subject prefix for poll jobs; the full
	// subject is jobs.poll.<seriesID>.<seriesSourceID>.
	TopicPollPrefix = "jobs.poll"
	// TopicPollWildcard is what the poll consumer subscribes to.
	TopicPollWildcard = "jobs.poll.>"

	TopicIngest    = "jobs.ingest"
	TopicDiscovery = "jobs.discovery"
	TopicPoison    = "jobs.poison"
)

// Queue is a logical queue name used by the backpressure guard and
// depth metrics.
type Queue string

const (
	QueuePoll      Queue = "poll"
	QueueIngest    Queue = "ingest"
	QueueDiscovery Queue = "discovery"
)

// Durable consumer names, one per queue. Workers join the consumer's
// queue group so jobs are load-balanced across the fleet.
const (
	DurablePoll      = "pollers"
	DurableIngest    = "ingesters"
	DurableDiscovery = "discoverers"
)

// PollSubject builds the subject for one poll target.
func PollSubject(seriesID, seriesSourceID int64) string {
	return fmt.Sprintf("%s.%d.%d", TopicPollPrefix, seriesID, seriesSourceID)
}

// SeriesPollSubjectFilter matches every poll subject for one series,
// used when purging cancelled work.
func SeriesPollSubjectFilter(seriesID int64) string {
	return fmt.Sprintf("%s.%d.>", TopicPollPrefix, seriesID)
}

// Config holds the NATS/JetStream connection and stream settings.
type Config struct {
	URL              string
	MaxReconnects    int
	ReconnectWait    time.Duration
	SubscribersCount int
	AckWait          time.Duration
	MaxDeliver       int
	MaxAckPending    int
	CloseTimeout     time.Duration

	// DedupWindow is the JetStream duplicate-tracking window. Job ids
	// collapse inside this window; it also bounds the search gate's
	// queue-side deduplication.
	DedupWindow time.Duration

	StreamMaxAge   time.Duration
	StreamMaxMsgs  int64
	StreamReplicas int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		URL:              "nats://127.0.0.1:4222",
		MaxReconnects:    -1,
		ReconnectWait:    2 * time.Second,
		SubscribersCount: 4,
		AckWait:          90 * time.Second,
		MaxDeliver:       5,
		MaxAckPending:    256,
		CloseTimeout:     30 * time.Second,
		DedupWindow:      10 * time.Minute,
		StreamMaxAge:     24 * time.Hour,
		StreamMaxMsgs:    1_000_000,
		StreamReplicas:   1,
	}
}
