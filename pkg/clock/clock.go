// Package clock supplies the time source consensus checks timestamps against.
package clock

import (
	"time"

	"github.com/raulk/clock"
)

// Clock defines an interface for fetching time that may be used instead of the
// time module.
type Clock interface {
	Now() time.Time
}

// Mock is a manually driven clock for tests and the devnet.
type Mock = clock.Mock

// NewSystemClock returns a Clock that delegates to the time package.
func NewSystemClock() Clock {
	return clock.New()
}

// NewMock returns a mock clock set to start.
func NewMock(start time.Time) *Mock {
	m := clock.NewMock()
	m.Set(start)
	return m
}

// UnixSeconds returns the block timestamp for t.
func UnixSeconds(t time.Time) uint64 {
	if t.Unix() < 0 {
		return 0
	}
	return uint64(t.Unix())
}

// FromUnixSeconds converts a block timestamp to a time.
func FromUnixSeconds(ts uint64) time.Time {
	return time.Unix(int64(ts), 0)
}
