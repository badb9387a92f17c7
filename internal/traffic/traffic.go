// Package traffic keeps sliding windows of weather request outcomes. The
// health handler reads the error rate from it and the metrics registry
// exposes request and denial counts.
package traffic

import (
	"sync"
	"time"

	"github.com/volt772/stormbeaver/internal/clock"
)

// DefaultRetention is how long outcomes are kept when NewTracker gets zero.
const DefaultRetention = 5 * time.Minute

// Tracker records outcome timestamps. Safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	clock     clock.Clock
	retention time.Duration
	successes []time.Time
	errors    []time.Time
	denials   []time.Time
}

// NewTracker returns a Tracker keeping outcomes for retention. Windows longer
// than retention undercount.
func NewTracker(retention time.Duration) *Tracker {
	return NewTrackerWithClock(retention, clock.System{})
}

// NewTrackerWithClock is NewTracker with an injected clock.
func NewTrackerWithClock(retention time.Duration, c clock.Clock) *Tracker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Tracker{clock: c, retention: retention}
}

// RecordSuccess records a request that produced a response.
func (t *Tracker) RecordSuccess() {
	t.record(&t.successes)
}

// RecordError records a request that failed on the service side (5xx).
func (t *Tracker) RecordError() {
	t.record(&t.errors)
}

// RecordDenied records a rate-limit denial.
func (t *Tracker) RecordDenied() {
	t.record(&t.denials)
}

func (t *Tracker) record(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock.Now()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// RequestCount returns successes, errors and denials within window.
func (t *Tracker) RequestCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock.Now().Add(-window)
	return countSince(t.successes, cutoff) + countSince(t.errors, cutoff) + countSince(t.denials, cutoff)
}

// DenialCount returns the rate-limit denials within window.
func (t *Tracker) DenialCount(window time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return countSince(t.denials, t.clock.Now().Add(-window))
}

// ErrorRate returns the error count and the success+error total within
// window. Denials are not part of the denominator.
func (t *Tracker) ErrorRate(window time.Duration) (errs, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock.Now().Add(-window)
	errs = countSince(t.errors, cutoff)
	return errs, errs + countSince(t.successes, cutoff)
}

// Reset clears all outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.successes = nil
	t.errors = nil
	t.denials = nil
}

func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops outcomes older than the retention. Slices are in
// append order, so the expired ones form a prefix.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.retention)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for i < len(times) && times[i].Before(cutoff) {
			i++
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.successes)
	prune(&t.errors)
	prune(&t.denials)
}
