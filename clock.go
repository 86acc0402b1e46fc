package delivery

import "time"

// DefaultLeaseDuration is how long a claim owns a job before another trigger may expire it.
const DefaultLeaseDuration = 60 * time.Second

// Clock supplies wall-clock reads for lease arithmetic and delivery timestamps.
type Clock interface {
	// Now returns the current time.
	Now() time.Time
}

// SystemClock uses the system time in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (fn ClockFunc) Now() time.Time {
	return fn()
}

func leaseExpiry(now time.Time, lease time.Duration) time.Time {
	return now.Add(lease).UTC()
}

// leaseExpired reports whether a PROCESSING delivery has lost its claim at now.
// A missing expiry counts as expired.
func leaseExpired(d *Delivery, now time.Time) bool {
	if d == nil || d.LeaseExpireTime == nil {
		return true
	}

	return !now.Before(*d.LeaseExpireTime)
}
