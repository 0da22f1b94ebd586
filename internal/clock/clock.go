package clock

import "time"

// Clock abstracts wall-clock reads so audit look-back windows, cache
// expiry, and watermark arithmetic are testable with a fixed time.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// Real uses the standard library time functions.
type Real struct{}

func (Real) Now() time.Time                  { return time.Now() }
func (Real) Since(t time.Time) time.Duration { return time.Since(t) }
