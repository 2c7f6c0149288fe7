// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package source

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Failure taxonomy surfaced to the poller. The poller classifies these
// to decide between retry, backoff, and source disable.
var (
	// ErrNotFound: the remote series entity is gone. Non-retryable;
	// repeated occurrences disable the series source.
	ErrNotFound = errors.New("source entity not found")

	// ErrProxyBlocked: the source is refusing our exit address.
	// Retryable after cooldown; counts toward the circuit breaker.
	ErrProxyBlocked = errors.New("source blocked proxy")

	// ErrDNS: name resolution failed. Retryable with backoff.
	ErrDNS = errors.New("dns resolution failed")

	// ErrTransient: generic network/5xx failure. Retryable with backoff.
	ErrTransient = errors.New("transient source error")

	// ErrCircuitOpen: the per-source breaker is open; the call was
	// short-circuited without a network attempt.
	ErrCircuitOpen = errors.New("source circuit breaker open")
)

// RateLimitedError reports a 429 from the source, with the retry-after
// hint when the source provided one.
type RateLimitedError struct {
	Source     string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("source %s rate limited, retry after %s", e.Source, e.RetryAfter)
	}
	return fmt.Sprintf("source %s rate limited", e.Source)
}

// IsRateLimited reports whether err is a source-side 429 and returns
// the hint.
func IsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// Retryable reports whether the poll attempt should be retried later.
// NotFound is the only terminal classification; everything else in the
// taxonomy resolves on its own given time.
func Retryable(err error) bool {
	return !errors.Is(err, ErrNotFound)
}

// Classify maps an error to its taxonomy label for logs and metrics.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrProxyBlocked):
		return "proxy_blocked"
	case errors.Is(err, ErrDNS):
		return "dns"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		if _, ok := IsRateLimited(err); ok {
			return "rate_limited"
		}
		return "unknown"
	}
}

// classifyNetErr folds a transport error into the taxonomy.
func classifyNetErr(err error) error {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return fmt.Errorf("%w: %s", ErrDNS, dnsErr.Name)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
