package call

import "time"

// TimeProvider abstracts time operations for deterministic testing.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	// After returns a channel that delivers the current time once d has
	// elapsed. Sessions select on it for the connect-timeout race.
	After(d time.Duration) <-chan time.Time
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since t.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// After defers to time.After.
func (DefaultTimeProvider) After(d time.Duration) <-chan time.Time { return time.After(d) }
