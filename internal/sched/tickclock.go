// internal/sched/tickclock.go

package sched

import (
	"sync/atomic"
	"time"
)

// TickClock is a core's timer: it raises the core's timer interrupt at a
// fixed interval and counts the ticks atomically.
type TickClock struct {
	fire  func()
	count atomic.Int64
	stop  chan struct{}
	done  chan struct{}
}

// NewTickClock creates a clock that calls fire on every tick.
func NewTickClock(fire func()) *TickClock {
	return &TickClock{
		fire: fire,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start begins emitting ticks at the given interval.
func (c *TickClock) Start(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer close(c.done)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.count.Add(1)
				c.fire()
			case <-c.stop:
				return
			}
		}
	}()
}

// Stop stops the clock and waits for the last tick to be delivered.
func (c *TickClock) Stop() {
	close(c.stop)
	<-c.done
}

// Count returns the current tick count atomically.
func (c *TickClock) Count() int64 {
	return c.count.Load()
}
