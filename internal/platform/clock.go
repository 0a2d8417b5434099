// Package platform holds the board-level services the scheduler consumes:
// a monotonic clock and pinning of a core's thread to a physical CPU.
package platform

import (
	"sync/atomic"
	"time"
)

// Clock is a monotonic time source. Readings never go backwards.
type Clock interface {
	Now() time.Duration
}

// Monotonic reads the wall clock's monotonic component relative to boot.
type Monotonic struct {
	boot time.Time
}

// NewMonotonic returns a clock that reads zero now.
func NewMonotonic() *Monotonic {
	return &Monotonic{boot: time.Now()}
}

func (c *Monotonic) Now() time.Duration { return time.Since(c.boot) }

// Manual is a clock that only moves when told to. Deterministic runs use it
// with the running task advancing time as it does work.
type Manual struct {
	now atomic.Int64
}

// NewManual returns a manual clock reading start.
func NewManual(start time.Duration) *Manual {
	c := &Manual{}
	c.now.Store(int64(start))
	return c
}

func (c *Manual) Now() time.Duration { return time.Duration(c.now.Load()) }

// Advance moves the clock forward by d. Negative values are ignored.
func (c *Manual) Advance(d time.Duration) time.Duration {
	if d < 0 {
		d = 0
	}
	return time.Duration(c.now.Add(int64(d)))
}
