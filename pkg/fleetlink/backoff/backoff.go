// Package backoff decides whether and when a dropped connection is retried.
//
// The policy is a pure function of the reconnect counters so it can be
// exercised without a network:
//
//	c := backoff.NewCounters().Failed() // first failure
//	d := backoff.Next(c)                // d.Delay == 1s, d.Retry == true
package backoff

import (
	"math"
	"time"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 1 * time.Second
	DefaultMaxDelay    = 30 * time.Second
)

// Counters holds the reconnect bookkeeping for one client. Attempts counts
// consecutive failures since the last successful open.
type Counters struct {
	Attempts    int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// NewCounters returns zeroed counters with the default limits.
func NewCounters() Counters {
	return Counters{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// Failed returns a copy with one more failed attempt recorded.
func (c Counters) Failed() Counters {
	c.Attempts++
	return c
}

// Reset returns a copy with the attempt count cleared.
func (c Counters) Reset() Counters {
	c.Attempts = 0
	return c
}

// Exhausted reports whether no further automatic retry is allowed.
func (c Counters) Exhausted() bool {
	return c.Attempts >= c.maxAttempts()
}

func (c Counters) maxAttempts() int {
	if c.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return c.MaxAttempts
}

func (c Counters) baseDelay() time.Duration {
	if c.BaseDelay <= 0 {
		return DefaultBaseDelay
	}
	return c.BaseDelay
}

func (c Counters) maxDelay() time.Duration {
	if c.MaxDelay <= 0 {
		return DefaultMaxDelay
	}
	return c.MaxDelay
}

// Decision is the outcome of consulting the policy.
type Decision struct {
	Delay time.Duration
	Retry bool
}

// Next computes the delay before the next attempt from counters that already
// include the failure just observed. The delay doubles from BaseDelay with
// every attempt and is capped at MaxDelay. Retry is false once Attempts has
// reached MaxAttempts.
func Next(c Counters) Decision {
	if c.Exhausted() {
		return Decision{Retry: false}
	}
	if c.Attempts <= 0 {
		return Decision{Delay: 0, Retry: true}
	}

	base := c.baseDelay()
	limit := c.maxDelay()

	// 2^62 ns is far beyond any sane cap, stop shifting before overflow
	shift := c.Attempts - 1
	if shift > 62 {
		shift = 62
	}

	delay := float64(base) * math.Pow(2, float64(shift))
	if delay > float64(limit) || math.IsInf(delay, 0) {
		return Decision{Delay: limit, Retry: true}
	}

	return Decision{Delay: time.Duration(delay), Retry: true}
}

// Jittered spreads the delay by up to factor in either direction. r must be
// in [0, 1); callers pass a random value so the computation stays pure.
// A factor outside (0, 1] leaves the decision unchanged.
func (d Decision) Jittered(factor, r float64) Decision {
	if !d.Retry || factor <= 0 || factor > 1 || d.Delay <= 0 {
		return d
	}

	deviation := float64(d.Delay) * factor
	d.Delay = time.Duration(float64(d.Delay) - deviation + 2*deviation*r)
	return d
}
