// Package clock abstracts wall time so scan timestamps can be pinned
// in tests.
package clock

import "time"

// Clock yields the current time.
type Clock interface {
	Now() time.Time
}

// System reads the host clock in UTC.
type System struct{}

func (System) Now() time.Time {
	return time.Now().UTC()
}

// Fixed always returns the same instant.
type Fixed struct {
	T time.Time
}

func (f Fixed) Now() time.Time {
	return f.T
}
