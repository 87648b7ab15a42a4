package session

import (
	"fmt"
	"time"
)

// Breaker blocks sandbox spawning after repeated provisioning failures
// inside a rolling window. The failure count and last-failure timestamp are
// persisted on the sandbox row, so the breaker state survives actor
// eviction; Breaker itself is pure arithmetic over those two values.
type Breaker struct {
	Threshold int
	Window    time.Duration
}

// Evaluate reports whether spawning is blocked given the persisted failure
// state. When the window since the last failure has elapsed the count is
// considered expired and the caller should reset the persisted counter.
func (b Breaker) Evaluate(failures int, lastFailure time.Time, now time.Time) (blocked bool, expired bool) {
	if failures == 0 || lastFailure.IsZero() {
		return false, false
	}
	if now.Sub(lastFailure) >= b.Window {
		return false, true
	}
	return failures >= b.Threshold, false
}

// RetryAfter returns how long until the breaker window expires.
func (b Breaker) RetryAfter(lastFailure time.Time, now time.Time) time.Duration {
	d := b.Window - now.Sub(lastFailure)
	if d < 0 {
		return 0
	}
	return d
}

// ErrSpawnBlocked is returned when the circuit breaker refuses a spawn.
type ErrSpawnBlocked struct {
	Failures   int
	RetryAfter time.Duration
}

func (e *ErrSpawnBlocked) Error() string {
	return fmt.Sprintf("sandbox spawning blocked after %d failures, retry in %s",
		e.Failures, e.RetryAfter.Round(time.Second))
}
