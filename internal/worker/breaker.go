// Copyright 2026 The MarketLab Authors
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"time"

	"github.com/blanqspace/marketlab/lib/clock"
)

// breaker is a sliding-window failure counter: it trips once more than
// threshold handler failures have landed within window. Grounded on
// the Python reference implementation's Worker._record_error /
// _trip_breaker / _reset_breaker, which keep a deque of failure
// timestamps and trim it to the window on every check.
type breaker struct {
	clock     clock.Clock
	threshold int
	window    time.Duration

	failures []time.Time
	tripped  bool
}

func newBreaker(clk clock.Clock, threshold int, window time.Duration) *breaker {
	return &breaker{clock: clk, threshold: threshold, window: window}
}

// recordFailure appends a failure timestamp and reports whether the
// breaker has just tripped as a result (i.e. this call is the one that
// crossed the threshold).
func (b *breaker) recordFailure() (justTripped bool) {
	now := b.clock.Now()
	b.failures = append(b.failures, now)
	b.trim(now)
	if !b.tripped && len(b.failures) > b.threshold {
		b.tripped = true
		return true
	}
	return false
}

// trim drops failure timestamps older than window relative to now.
func (b *breaker) trim(now time.Time) {
	cutoff := now.Add(-b.window)
	i := 0
	for i < len(b.failures) && b.failures[i].Before(cutoff) {
		i++
	}
	b.failures = b.failures[i:]
}

// Tripped reports the breaker's current state, trimming the window
// first so a long-idle breaker can recover on its own.
func (b *breaker) Tripped() bool {
	b.trim(b.clock.Now())
	if b.tripped && len(b.failures) == 0 {
		b.tripped = false
	}
	return b.tripped
}

// Reset clears the breaker's failure history and tripped state,
// called after an operator acknowledges a kill-switch and resumes.
func (b *breaker) Reset() {
	b.failures = nil
	b.tripped = false
}
