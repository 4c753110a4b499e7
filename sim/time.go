package sim

import "time"

// VTimeInSec defines a point in time in the unit of second.
type VTimeInSec float64

// TimeTeller can be used to get the current time.
type TimeTeller interface {
	CurrentTime() VTimeInSec
}

// WallClock is a TimeTeller that reports the seconds elapsed since it was
// created.
type WallClock struct {
	start time.Time
}

// NewWallClock creates a WallClock starting at the current instant.
func NewWallClock() *WallClock {
	return &WallClock{start: time.Now()}
}

// CurrentTime returns the seconds elapsed since the clock started.
func (c *WallClock) CurrentTime() VTimeInSec {
	return VTimeInSec(time.Since(c.start).Seconds())
}

// FixedClock is a TimeTeller that always reports the same time. It is useful
// in tests.
type FixedClock VTimeInSec

// CurrentTime returns the fixed time.
func (c FixedClock) CurrentTime() VTimeInSec {
	return VTimeInSec(c)
}
