// Package irq models the local interrupt controller of one core.
//
// A core masks interrupts around every critical section that the interrupt
// handler also touches. An interrupt raised while the core is masked is
// latched and delivered when the outermost Restore unmasks it again.
package irq

import "sync/atomic"

// Flags is the mask depth observed by Save. It is handed back to Restore.
type Flags int32

// Local is the interrupt line of one core. The zero value is unmasked and
// has no handler.
type Local struct {
	depth     atomic.Int32
	pending   atomic.Bool
	handler   atomic.Pointer[func()]
	delivered atomic.Uint64
	deferred  atomic.Uint64
}

// SetHandler installs the interrupt service routine for this line.
func (l *Local) SetHandler(fn func()) {
	if fn == nil {
		l.handler.Store(nil)
		return
	}
	l.handler.Store(&fn)
}

// Save masks interrupts and returns the previous mask depth.
func (l *Local) Save() Flags {
	return Flags(l.depth.Add(1) - 1)
}

// Restore undoes the matching Save. Whoever brings the depth back to zero
// delivers a latched interrupt; with several goroutines sharing the line
// that need not be the holder of f == 0.
func (l *Local) Restore(f Flags) {
	d := l.depth.Add(-1)
	if d < 0 {
		panic("irq: restore without matching save")
	}
	if d == 0 && l.pending.Swap(false) {
		l.Raise()
	}
}

// Disabled reports whether interrupts are currently masked.
func (l *Local) Disabled() bool { return l.depth.Load() > 0 }

// Raise delivers an interrupt. The handler runs with the line masked, the
// way hardware enters an ISR. If the line is already masked the interrupt is
// latched instead.
func (l *Local) Raise() {
	if l.Disabled() {
		l.pending.Store(true)
		l.deferred.Add(1)
		return
	}
	h := l.handler.Load()
	if h == nil {
		return
	}
	f := l.Save()
	l.delivered.Add(1)
	(*h)()
	l.Restore(f)
}

// Delivered is the number of interrupts whose handler ran.
func (l *Local) Delivered() uint64 { return l.delivered.Load() }

// Deferred is the number of interrupts latched while masked.
func (l *Local) Deferred() uint64 { return l.deferred.Load() }
