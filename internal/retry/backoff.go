// Package retry computes the outbox backoff schedule. Retry policy lives
// entirely here — the delivery client performs exactly one attempt per pass.
package retry

import "time"

const (
	// DefaultBaseDelay is the delay after the first failed attempt.
	DefaultBaseDelay = 2 * time.Minute
	// DefaultMaxDelay caps the backoff regardless of attempt count.
	DefaultMaxDelay = time.Hour
	// DefaultMaxAttempts is the attempt count at which an event goes terminal.
	DefaultMaxAttempts = 5
)

// Schedule is an exponential backoff with a ceiling.
type Schedule struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultSchedule returns the production backoff policy.
func DefaultSchedule() Schedule {
	return Schedule{
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Delay returns the wait before the next attempt, given the number of
// attempts made so far (including the one that just failed):
// min(MaxDelay, BaseDelay * 2^(attempt-1)).
func (s Schedule) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := s.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.MaxDelay {
			return s.MaxDelay
		}
	}
	if d > s.MaxDelay {
		return s.MaxDelay
	}
	return d
}

// NextRetryAt returns the earliest time the event becomes eligible again.
func (s Schedule) NextRetryAt(now time.Time, attempt int) time.Time {
	return now.Add(s.Delay(attempt))
}

// IsTerminal reports whether the attempt count has exhausted the budget.
func (s Schedule) IsTerminal(attempt int) bool {
	return attempt >= s.MaxAttempts
}
