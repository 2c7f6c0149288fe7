// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package poller

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// SeenCache remembers which (source, chapter) reports have already
// been forwarded to the ingest queue, keyed by a fingerprint of the
// report's mutable fields. A report whose fingerprint matches the
// cached one is skipped; the reconciler's upserts stay the source of
// truth, this cache only cuts ingest volume for unchanged reports.
//
// Entries carry a TTL so a wiped database or long-disabled source
// re-ingests naturally. Losing the cache is safe: worst case is a
// burst of unchanged ingest jobs that reconcile to no-ops.
type SeenCache struct {
	db  *badger.DB
	ttl time.Duration
}

// NewSeenCache opens a badger-backed cache at dir. An empty dir opens
// an in-memory cache (used in tests and standalone mode).
func NewSeenCache(dir string, ttl time.Duration) (*SeenCache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open seen cache: %w", err)
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &SeenCache{db: db, ttl: ttl}, nil
}

// Close releases the cache.
func (c *SeenCache) Close() error { return c.db.Close() }

func seenKey(seriesSourceID int64, chapterKey string) []byte {
	return []byte(fmt.Sprintf("seen:%d:%s", seriesSourceID, chapterKey))
}

func fingerprint(url string, available bool) []byte {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%t", url, available)))
	return []byte(hex.EncodeToString(h[:16]))
}

// Unchanged reports whether this exact report was already forwarded.
func (c *SeenCache) Unchanged(seriesSourceID int64, chapterKey, url string, available bool) bool {
	want := fingerprint(url, available)
	var match bool
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(seenKey(seriesSourceID, chapterKey))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return item.Value(func(val []byte) error {
			match = string(val) == string(want)
			return nil
		})
	})
	if err != nil {
		return false
	}
	return match
}

// Remember records a forwarded report's fingerprint.
func (c *SeenCache) Remember(seriesSourceID int64, chapterKey, url string, available bool) error {
	entry := badger.NewEntry(seenKey(seriesSourceID, chapterKey), fingerprint(url, available)).WithTTL(c.ttl)
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("remember seen report: %w", err)
	}
	return nil
}
