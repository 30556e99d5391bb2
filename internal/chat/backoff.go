// Package chat implements the realtime channel messaging synchronization core.
// This file provides the bounded exponential backoff used by the subscription
// manager when re-establishing a dropped change-feed subscription.
package chat

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy defines the parameters for exponential backoff calculation.
type BackoffPolicy struct {
	// Base is the delay before the first reconnect attempt.
	Base time.Duration
	// Max caps the computed delay.
	Max time.Duration
	// Jitter is the randomization factor in [0,1] applied on top of the
	// exponential delay.
	Jitter float64
}

// DefaultBackoff returns the policy used when none is configured:
// 1s base, 30s cap, 10% jitter.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{Base: time.Second, Max: 30 * time.Second, Jitter: 0.1}
}

// Delay computes the wait before reconnect attempt number attempt (1-indexed):
// min(Base * 2^(attempt-1) + jitter, Max), where jitter is a random fraction
// of the exponential term. The result is never below min(Base*2^(attempt-1), Max),
// so tests can assert a lower bound deterministically.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// DelayWithRand is Delay with the random value supplied by the caller,
// useful for deterministic tests. randomValue should be in [0,1).
func (p BackoffPolicy) DelayWithRand(attempt int, randomValue float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(p.Base) * math.Pow(2, float64(attempt-1))
	jitter := base * p.Jitter * randomValue
	total := math.Min(float64(p.Max), base+jitter)
	return time.Duration(total)
}
