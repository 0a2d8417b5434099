package sched

import (
	"fmt"
	"sync/atomic"
	"time"

	"vtsched/internal/mem"
)

// TaskID uniquely identifies a task in the system.
type TaskID uint64

// Func is a task entry point. The task exits when it returns.
type Func func(t *Task, arg any)

// State is a task's position in its lifecycle.
type State int

const (
	StateCreated State = iota
	StateReady
	StateRunning
	StateBlocked
	StateExited
)

func (st State) String() string {
	switch st {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// TaskStats are the per-task accounting counters.
type TaskStats struct {
	Runtime     time.Duration // real time spent running
	Dispatches  uint64
	Yields      uint64
	Preemptions uint64
	Blocks      uint64
}

// Task represents one schedulable unit.
type Task struct {
	ID     TaskID
	Name   string
	Input  string // input binding, opaque to the scheduler
	Output string // output binding, opaque to the scheduler

	handle Handle
	sys    *System
	sched  atomic.Pointer[Scheduler]

	start  time.Duration // clock reading at the last dispatch
	vtime  uint64
	nice   int
	dynice int
	weight uint64 // weight accounted in the owning scheduler while tracked

	seq    uint64
	key    runKey
	queued bool
	state  State

	wakePending bool
	blockedAt   time.Duration

	entry  Func
	arg    any
	stack  *mem.Stack
	mctx   machineContext
	pinned int

	err   error
	stats TaskStats
}

// TaskOption configures a task at creation.
type TaskOption func(*Task)

// WithIO binds the task to an input and an output device.
func WithIO(input, output string) TaskOption {
	return func(t *Task) {
		t.Input = input
		t.Output = output
	}
}

func (t *Task) String() string { return fmt.Sprintf("%s(%d)", t.Name, t.ID) }

// Handle is the arena handle of the task. It stays valid until the task exits.
func (t *Task) Handle() Handle { return t.handle }

// System is the system the task was created in.
func (t *Task) System() *System { return t.sys }

// Now reads the system clock.
func (t *Task) Now() time.Duration { return t.sys.clock.Now() }

// Stack is the task's private stack region.
func (t *Task) Stack() []byte {
	if t.stack == nil {
		return nil
	}
	return t.stack.Bytes()
}

// Err and SetErr access the task-private status slot. Only the task itself
// should use them.
func (t *Task) Err() error { return t.err }

func (t *Task) SetErr(err error) { t.err = err }

// CPU is the index of the core that owns the task.
func (t *Task) CPU() int { return t.sched.Load().cpu }

func (t *Task) VTime() uint64 {
	_, leave := t.lockSched()
	defer leave()
	return t.vtime
}

func (t *Task) Nice() int {
	_, leave := t.lockSched()
	defer leave()
	return t.nice
}

func (t *Task) Dynice() int {
	_, leave := t.lockSched()
	defer leave()
	return t.dynice
}

func (t *Task) State() State {
	_, leave := t.lockSched()
	defer leave()
	return t.state
}

func (t *Task) Stats() TaskStats {
	_, leave := t.lockSched()
	defer leave()
	return t.stats
}

// lockSched enters the critical section of the scheduler that owns t. The
// owner can change while we wait for its lock, so it is checked again once
// the lock is held.
func (t *Task) lockSched() (*Scheduler, func()) {
	for {
		s := t.sched.Load()
		leave := s.critical()
		if t.sched.Load() == s {
			return s, leave
		}
		leave()
	}
}

// tracked reports whether the task's weight counts towards its scheduler.
func (t *Task) tracked() bool {
	return t.state == StateReady || t.state == StateRunning
}

// dyniceIncrease lowers the task's effective priority by one step. It
// saturates at MaxNice and never drifts more than DyniceRange above nice.
func (t *Task) dyniceIncrease() {
	if t.dynice < min(MaxNice, t.nice+t.sys.cfg.DyniceRange) {
		t.dynice++
	}
}

// dyniceDecrease raises the task's effective priority by one step, down to
// MinNice or DyniceRange below nice.
func (t *Task) dyniceDecrease() {
	if t.dynice > max(MinNice, t.nice-t.sys.cfg.DyniceRange) {
		t.dynice--
	}
}

func (t *Task) dyniceRestore() {
	if t.dynice != t.nice {
		t.dynice = t.nice
	}
}

// Yield gives up the core. The task is charged for the time it ran, gets a
// small priority boost and goes back to the ready set.
func (t *Task) Yield() { t.switchOut(StatusYield) }

// PreemptPoint switches the task out if the timer has found that it overran
// its quota, and reports whether it did. CPU-bound tasks call it in their
// inner loop.
func (t *Task) PreemptPoint() bool {
	if !t.sched.Load().needResched.Load() {
		return false
	}
	t.switchOut(StatusPreempt)
	return true
}

// Block parks the task until someone calls Wake on its handle. A wake that
// arrived since the task's last switch-out is not lost: Block then only
// yields. Older wakes are forgotten.
func (t *Task) Block() { t.switchOut(StatusBlock) }
