// Package backoff computes retry timing for reconnection attempts.
// It is a pure function of the attempt count so the session manager's
// timer wiring can be tested separately from the schedule itself.
package backoff

import (
	"math"
	"time"
)

type Policy struct {
	Initial     time.Duration
	Multiplier  float64
	Max         time.Duration
	MaxAttempts int
}

func Default() Policy {
	return Policy{
		Initial:     time.Second,
		Multiplier:  1.5,
		Max:         30 * time.Second,
		MaxAttempts: 10,
	}
}

// Delay returns the wait before the given attempt, counted from 1.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

// Exhausted reports whether the attempt count has passed the point where
// automatic retries should stop.
func (p Policy) Exhausted(attempt int) bool {
	return attempt > p.MaxAttempts
}
