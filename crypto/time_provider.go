package crypto

import "time"

// TimeProvider abstracts time operations for deterministic testing.
// Implementations must be safe for concurrent use.
type TimeProvider interface {
	Now() time.Time
	Since(t time.Time) time.Duration
}

// DefaultTimeProvider uses the standard library time functions.
type DefaultTimeProvider struct{}

// Now returns the current time.
func (DefaultTimeProvider) Now() time.Time { return time.Now() }

// Since returns the duration since the given time.
func (DefaultTimeProvider) Since(t time.Time) time.Duration { return time.Since(t) }

// Or returns tp, or DefaultTimeProvider when tp is nil.
func Or(tp TimeProvider) TimeProvider {
	if tp == nil {
		return DefaultTimeProvider{}
	}
	return tp
}

// UnixSeconds converts t to fractional seconds since the Unix epoch, the unit
// used for timestamps on the wire.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// FromUnixSeconds is the inverse of UnixSeconds.
func FromUnixSeconds(s float64) time.Time {
	return time.Unix(0, int64(s*float64(time.Second)))
}
