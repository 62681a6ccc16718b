// Package backoff computes retry delays for failed task attempts.
//
// Policies only compute durations. Actual scheduling is the queue's job;
// nothing in this package sleeps.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy describes how a task retries.
type Policy struct {
	// MaxRetries is the number of re-attempts after the first try.
	// Zero means the first failure is final.
	MaxRetries int

	// Base is the delay before the first retry.
	Base time.Duration

	// Max caps the computed delay before jitter.
	Max time.Duration

	// Jitter spreads the capped delay uniformly over [0.5d, 1.5d] so
	// simultaneous failures do not retry in lockstep.
	Jitter bool
}

// Default returns the engine-wide retry policy: three retries, doubling
// from one second, capped at sixty seconds, with jitter.
func Default() Policy {
	return Policy{
		MaxRetries: 3,
		Base:       time.Second,
		Max:        60 * time.Second,
		Jitter:     true,
	}
}

// None returns a policy that never retries.
func None() Policy {
	return Policy{MaxRetries: 0, Base: time.Second, Max: time.Second}
}

// Delay returns the wait before retry number attempt (1-based). It doubles
// per attempt and is capped at Max; with Jitter on, the result is drawn
// uniformly from [0.5d, 1.5d] around the capped value.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base) * math.Pow(2, float64(attempt-1))
	if max := float64(p.Max); p.Max > 0 && d > max {
		d = max
	}
	if p.Jitter {
		d = d * (0.5 + rand.Float64())
	}
	return time.Duration(d)
}

// Exhausted reports whether retry number attempt exceeds the budget.
func (p Policy) Exhausted(attempt int) bool {
	return attempt > p.MaxRetries
}
