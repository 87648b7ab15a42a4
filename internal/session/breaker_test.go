package session

import (
	"testing"
	"time"
)

func TestBreakerEvaluate(t *testing.T) {
	b := Breaker{Threshold: 3, Window: 5 * time.Minute}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		failures    int
		lastFailure time.Time
		wantBlocked bool
		wantExpired bool
	}{
		{"no failures", 0, time.Time{}, false, false},
		{"zero last-failure time", 2, time.Time{}, false, false},
		{"below threshold", 2, now.Add(-time.Minute), false, false},
		{"at threshold", 3, now.Add(-time.Minute), true, false},
		{"above threshold", 7, now.Add(-time.Minute), true, false},
		{"window elapsed", 3, now.Add(-5 * time.Minute), false, true},
		{"window long past", 10, now.Add(-time.Hour), false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blocked, expired := b.Evaluate(tt.failures, tt.lastFailure, now)
			if blocked != tt.wantBlocked || expired != tt.wantExpired {
				t.Fatalf("Evaluate(%d, %v) = (%v, %v), want (%v, %v)",
					tt.failures, tt.lastFailure, blocked, expired, tt.wantBlocked, tt.wantExpired)
			}
		})
	}
}

func TestBreakerRetryAfter(t *testing.T) {
	b := Breaker{Threshold: 3, Window: 5 * time.Minute}
	now := time.Now()

	if got := b.RetryAfter(now.Add(-2*time.Minute), now); got != 3*time.Minute {
		t.Fatalf("RetryAfter = %v, want 3m", got)
	}
	if got := b.RetryAfter(now.Add(-time.Hour), now); got != 0 {
		t.Fatalf("RetryAfter past window = %v, want 0", got)
	}
}
