// Package actiontimer implements the bounded retry/poll schedule described
// in spec.md §4.4: an ordered list of delays, a current index, and the next
// fire time. The jittered-exponential-backoff constructor is grounded in
// internal/bmc/retry.go's doWithRetry from the teacher
// (mattcburns-shoal-provision), generalized from "compute the next sleep
// inline" into a reusable schedule value that the caller advances
// externally between main-loop ticks (spec.md §5: "the await point becomes
// produce an ActionTimer and return to main loop").
package actiontimer

import (
	"math/rand"
	"time"
)

// Timer is the spec's ActionTimer value: delays, index, due time, and a
// fire count.
type Timer struct {
	delays    []time.Duration
	index     int
	dueAt     *time.Time
	num       int
	noExhaust bool
}

// New builds a Timer over the given fixed delay list.
func New(delays []time.Duration) *Timer {
	return &Timer{delays: append([]time.Duration(nil), delays...)}
}

// NewNoExhaust builds a Timer that keeps returning the last delay once the
// list is exhausted, instead of reporting done.
func NewNoExhaust(delays []time.Duration) *Timer {
	t := New(delays)
	t.noExhaust = true
	return t
}

// ExponentialBackoff builds a Timer whose delays are computed
// exponentially (base * 2^n, capped at max) with +/- jitterFrac jitter,
// for `attempts` steps -- the schedule-as-a-value generalization of the
// teacher's inline doWithRetry backoff computation.
func ExponentialBackoff(base, max time.Duration, attempts int, jitterFrac float64) *Timer {
	delays := make([]time.Duration, 0, attempts)
	for i := 0; i < attempts; i++ {
		exp := i
		if exp > 10 {
			exp = 10
		}
		backoff := base * (1 << exp)
		if backoff > max {
			backoff = max
		}
		jitter := time.Duration(rand.Float64() * jitterFrac * float64(backoff) * 2)
		sleep := backoff - time.Duration(jitterFrac*float64(backoff)) + jitter
		if sleep < 0 {
			sleep = 0
		}
		if sleep > max {
			sleep = max
		}
		delays = append(delays, sleep)
	}
	return New(delays)
}

// Next advances the timer: if more delays remain it sets DueAt = now +
// delays[index], increments index, and returns true. Once exhausted it
// returns false, unless noExhaust is set, in which case it keeps returning
// the final delay.
func (t *Timer) Next(now time.Time) bool {
	if t.index < len(t.delays) {
		d := t.delays[t.index]
		due := now.Add(d)
		t.dueAt = &due
		t.index++
		t.num++
		return true
	}
	if t.noExhaust && len(t.delays) > 0 {
		d := t.delays[len(t.delays)-1]
		due := now.Add(d)
		t.dueAt = &due
		t.num++
		return true
	}
	return false
}

// ReachedDue reports whether now has reached or passed the due time; false
// if the timer was never armed.
func (t *Timer) ReachedDue(now time.Time) bool {
	return t.dueAt != nil && !now.Before(*t.dueAt)
}

// DueAt returns the current due time, if armed.
func (t *Timer) DueAt() (time.Time, bool) {
	if t.dueAt == nil {
		return time.Time{}, false
	}
	return *t.dueAt, true
}

// Reset clears the index, due time, and fire count, returning the timer to
// its initial unarmed state.
func (t *Timer) Reset() {
	t.index = 0
	t.dueAt = nil
	t.num = 0
}

// Num returns how many times Next has successfully armed the timer.
func (t *Timer) Num() int { return t.num }

// Exhausted reports whether the timer has used up all configured delays
// (always false for a noExhaust timer).
func (t *Timer) Exhausted() bool {
	return !t.noExhaust && t.index >= len(t.delays)
}

// Delays returns the configured delay list.
func (t *Timer) Delays() []time.Duration { return append([]time.Duration(nil), t.delays...) }
