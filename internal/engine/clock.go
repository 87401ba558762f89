package engine

import "time"

// Clock supplies the wall-clock time used for leases.
//
// Lease freshness compares timestamps written by different processes, so all
// of them must share a reasonably synchronized clock. Tests substitute a
// manual clock to step past the lease window deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the system wall clock in UTC.
type SystemClock struct{}

// Now returns the current time in UTC.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
