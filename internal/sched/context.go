package sched

import (
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"

	"vtsched/internal/platform"
)

// machineContext is the saved execution state of a task. Each task runs on
// its own goroutine; while the task is suspended that goroutine is parked in
// save, and restore hands the core back to it.
type machineContext struct {
	resume chan struct{}
}

func newMachineContext() machineContext {
	return machineContext{resume: make(chan struct{}, 1)}
}

// restore transfers the core to the task.
func (c *machineContext) restore() { c.resume <- struct{}{} }

// save parks the calling task until the next restore. It returns false if
// the system halted instead.
func (c *machineContext) save(halt <-chan struct{}) bool {
	select {
	case <-c.resume:
		return true
	case <-halt:
		return false
	}
}

// main is the body of the task goroutine: wait for the first dispatch, run
// the entry function, exit.
func (t *Task) main() {
	if t.sys.cfg.Affinity {
		runtime.LockOSThread()
	}
	if !t.mctx.save(t.sys.halt) {
		return
	}
	t.resumed()
	t.entry(t, t.arg)
	t.exit()
}

// resumed runs on the task's goroutine each time it gets the core back.
func (t *Task) resumed() {
	if !t.sys.cfg.Affinity {
		return
	}
	if cpu := t.CPU(); cpu != t.pinned {
		if err := platform.Pin(cpu); err != nil {
			t.sys.log.WithError(err).WithField("task", t.ID).Warn("cannot pin task thread")
		}
		t.pinned = cpu
	}
}

// switchOut is the suspension half of a context switch: account the time
// the task ran, put it where kind says, hand the core back to the loop and
// park until dispatched again.
func (t *Task) switchOut(kind StatusKind) {
	s := t.sched.Load()
	leave := s.critical()
	if s.running != t {
		leave()
		panic(fmt.Sprintf("sched: %s from %s which is not running on cpu %d", kind, t, s.cpu))
	}
	if kind == StatusBlock && t.wakePending {
		kind = StatusYield
	}
	// a wake only stands in for the Block that follows it directly
	t.wakePending = false

	ran := s.charge(t)
	s.running = nil
	s.needResched.Store(false)

	switch kind {
	case StatusYield:
		t.stats.Yields++
		t.dyniceDecrease()
	case StatusPreempt:
		t.stats.Preemptions++
		t.dyniceIncrease()
	case StatusBlock:
		t.stats.Blocks++
		t.dyniceDecrease()
	}

	if kind == StatusBlock {
		s.untrack(t)
		t.state = StateBlocked
		t.blockedAt = s.now()
		t.weight = weightOf(t.dynice)
	} else {
		s.reweight(t)
		t.state = StateReady
		s.requeue(t)
	}
	s.updateMinVtime()
	ev := s.event(kind, t)
	ev.Ran = ran
	leave()

	s.trace(ev)
	s.switched <- struct{}{}
	if !t.mctx.save(t.sys.halt) {
		runtime.Goexit()
	}
	t.resumed()
}

// exit finishes a task whose entry function returned and releases its
// stack and control block.
func (t *Task) exit() {
	s := t.sched.Load()
	leave := s.critical()
	if s.running != t {
		leave()
		panic(fmt.Sprintf("sched: exit of %s which is not running on cpu %d", t, s.cpu))
	}
	ran := s.charge(t)
	s.running = nil
	s.needResched.Store(false)
	s.untrack(t)
	t.state = StateExited
	s.updateMinVtime()
	ev := s.event(StatusFinish, t)
	ev.Ran = ran
	leave()

	t.sys.destroy(t)
	s.trace(ev)
	s.log.WithFields(logrus.Fields{
		"task":    t.ID,
		"name":    t.Name,
		"runtime": t.stats.Runtime,
	}).Debug("task exited")
	s.switched <- struct{}{}
}
