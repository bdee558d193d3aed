package sched

import "time"

// breakerState is the circuit state for one device.
type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// breaker suspends probing of a persistently failing device: five
// consecutive failures open it, after 60 seconds one half-open probe is
// allowed, and its outcome decides between re-open and close.
type breaker struct {
	threshold   int
	openTimeout time.Duration

	state       breakerState
	failures    int
	lastFailure time.Time
}

func newBreaker(threshold int, openTimeout time.Duration) *breaker {
	return &breaker{threshold: threshold, openTimeout: openTimeout}
}

// ready reports whether a dispatch would be allowed at now, without
// consuming the half-open permit.
func (b *breaker) ready(now time.Time) bool {
	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		return now.Sub(b.lastFailure) >= b.openTimeout
	default: // half-open probe already in flight
		return false
	}
}

// allow consumes a dispatch permit. Must only be called when ready.
func (b *breaker) allow(now time.Time) {
	if b.state == breakerOpen && now.Sub(b.lastFailure) >= b.openTimeout {
		b.state = breakerHalfOpen
	}
}

// onSuccess closes the breaker and clears the failure count.
func (b *breaker) onSuccess() {
	b.state = breakerClosed
	b.failures = 0
}

// onFailure counts a failure; the half-open probe failing re-opens
// immediately, otherwise the threshold applies.
func (b *breaker) onFailure(now time.Time) {
	b.failures++
	b.lastFailure = now
	if b.state == breakerHalfOpen || b.failures >= b.threshold {
		b.state = breakerOpen
	}
}

func (b *breaker) open() bool { return b.state == breakerOpen || b.state == breakerHalfOpen }
