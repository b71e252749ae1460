// Package backoff computes reconnect delays. It holds no state; callers own the
// attempt counter and schedule a single timer per decision.
package backoff

import (
	"math"
	"time"
)

// NextDelay returns min(base * multiplier^(attempt-1), max). Attempts below one
// are treated as the first attempt and a non-positive max disables the cap.
func NextDelay(attempt int, base, max time.Duration, multiplier float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}
	if multiplier < 1 {
		multiplier = 1
	}

	scaled := float64(base) * math.Pow(multiplier, float64(attempt-1))
	if max > 0 && scaled >= float64(max) {
		return max
	}
	if scaled >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(scaled)
}

// ShouldRetry reports whether another reconnect may be scheduled.
func ShouldRetry(attempt, maxAttempts int, shouldReconnect bool) bool {
	return shouldReconnect && attempt < maxAttempts
}

// Policy bundles the reconnect parameters of one client.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	MaxAttempts int
}

// Aggressive doubles from two seconds. Used by the primary multiplexed client.
func Aggressive() Policy {
	return Policy{
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
		MaxAttempts: 5,
	}
}

// Gentle grows by half from one second. Used by the price-only client.
func Gentle() Policy {
	return Policy{
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  1.5,
		MaxAttempts: 10,
	}
}

// Delay returns the wait before the given attempt.
func (p Policy) Delay(attempt int) time.Duration {
	return NextDelay(attempt, p.BaseDelay, p.MaxDelay, p.Multiplier)
}

// ShouldRetry applies the package level ShouldRetry with the policy's limit.
func (p Policy) ShouldRetry(attempt int, shouldReconnect bool) bool {
	return ShouldRetry(attempt, p.MaxAttempts, shouldReconnect)
}

// Schedule lists the delays of every permitted attempt, in order.
func (p Policy) Schedule() []time.Duration {
	out := make([]time.Duration, 0, p.MaxAttempts)
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		out = append(out, p.Delay(attempt))
	}
	return out
}
