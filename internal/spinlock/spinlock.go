// Package spinlock provides a busy-waiting lock usable from interrupt
// handlers, with helpers that mask the local interrupt line for the length
// of the critical section.
package spinlock

import (
	"runtime"
	"sync/atomic"

	"vtsched/internal/irq"
)

// Lock is a test-and-set spin lock. The zero value is unlocked.
type Lock struct {
	state atomic.Uint32
}

// Lock spins until the lock is acquired.
func (l *Lock) Lock() {
	for !l.state.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

// TryLock acquires the lock if it is free.
func (l *Lock) TryLock() bool {
	return l.state.CompareAndSwap(0, 1)
}

// Unlock releases the lock. Unlocking a free lock is a fatal error.
func (l *Lock) Unlock() {
	if l.state.Swap(0) == 0 {
		panic("spinlock: unlock of unlocked lock")
	}
}

// LockIRQSave masks the interrupt line and then takes the lock.
func (l *Lock) LockIRQSave(line *irq.Local) irq.Flags {
	f := line.Save()
	l.Lock()
	return f
}

// UnlockIRQRestore releases the lock and restores the interrupt line,
// delivering any interrupt latched meanwhile.
func (l *Lock) UnlockIRQRestore(line *irq.Local, f irq.Flags) {
	l.Unlock()
	line.Restore(f)
}
