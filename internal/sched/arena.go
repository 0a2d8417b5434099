package sched

import (
	"fmt"
	"sync/atomic"

	"github.com/emirpasic/gods/stacks/arraystack"

	"vtsched/internal/spinlock"
)

// Handle names a task by its arena slot. The generation makes a handle go
// stale once the task has exited and its slot is reused.
type Handle struct {
	index uint32
	gen   uint32
}

// Valid reports whether h was ever issued by an arena.
func (h Handle) Valid() bool { return h.gen != 0 }

func (h Handle) String() string { return fmt.Sprintf("%d.%d", h.index, h.gen) }

type slot struct {
	gen  atomic.Uint32
	task atomic.Pointer[Task]
}

// Arena is the fixed table of task control blocks shared by all cores.
// Lookups are lock-free; allocation and release take the arena lock.
type Arena struct {
	lock  spinlock.Lock
	slots []slot
	free  *arraystack.Stack
	live  int
}

// NewArena returns an arena with room for capacity tasks.
func NewArena(capacity int) *Arena {
	a := &Arena{
		slots: make([]slot, capacity),
		free:  arraystack.New(),
	}
	for i := capacity - 1; i >= 0; i-- {
		a.free.Push(uint32(i))
	}
	return a
}

func (a *Arena) alloc(t *Task) (Handle, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	v, ok := a.free.Pop()
	if !ok {
		return Handle{}, fmt.Errorf("%w (%d tasks)", ErrTooManyTasks, len(a.slots))
	}
	idx := v.(uint32)
	s := &a.slots[idx]
	gen := s.gen.Add(1)
	if gen == 0 {
		gen = s.gen.Add(1)
	}
	s.task.Store(t)
	a.live++
	return Handle{index: idx, gen: gen}, nil
}

func (a *Arena) release(h Handle) {
	a.lock.Lock()
	defer a.lock.Unlock()

	s := &a.slots[h.index]
	if s.gen.Load() != h.gen || s.task.Load() == nil {
		panic("sched: release of stale task handle " + h.String())
	}
	s.task.Store(nil)
	s.gen.Add(1)
	a.free.Push(h.index)
	a.live--
}

// Lookup resolves a handle to its task.
func (a *Arena) Lookup(h Handle) (*Task, error) {
	if !h.Valid() || int(h.index) >= len(a.slots) {
		return nil, fmt.Errorf("handle %s: %w", h, ErrTaskExited)
	}
	s := &a.slots[h.index]
	t := s.task.Load()
	if t == nil || s.gen.Load() != h.gen {
		return nil, fmt.Errorf("handle %s: %w", h, ErrTaskExited)
	}
	return t, nil
}

// task returns the task occupying slot idx. Callers only use it for slots
// they know to be live, such as tree members.
func (a *Arena) task(idx uint32) *Task {
	return a.slots[idx].task.Load()
}

// Len is the number of live tasks.
func (a *Arena) Len() int {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.live
}

func (a *Arena) each(fn func(*Task)) {
	for i := range a.slots {
		if t := a.slots[i].task.Load(); t != nil {
			fn(t)
		}
	}
}
