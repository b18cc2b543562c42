package timesync

import (
	"time"

	"github.com/zoobzio/clockz"
)

// Converter handles conversion from notification timestamps to wall-clock time.
type Converter struct {
	clock clockz.Clock
}

// NewConverter creates a new time converter reading the current time from
// clock. A nil clock uses the real one.
func NewConverter(clock clockz.Clock) *Converter {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Converter{clock: clock}
}

// NanosToWallClock converts Unix epoch nanoseconds to a UTC time. Zero means
// the sender had no timestamp and maps to the current time.
func (c *Converter) NanosToWallClock(nanos int64) time.Time {
	if nanos == 0 {
		return c.clock.Now().UTC()
	}
	return time.Unix(0, nanos).UTC()
}

// Span returns start and end times for a pair of timestamps. When both are
// set, an end before the start is clamped to the start.
func (c *Converter) Span(startNanos, endNanos int64) (time.Time, time.Time) {
	start := c.NanosToWallClock(startNanos)
	end := c.NanosToWallClock(endNanos)
	if startNanos != 0 && endNanos != 0 && end.Before(start) {
		end = start
	}
	return start, end
}
