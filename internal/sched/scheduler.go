// internal/sched/scheduler.go

package sched

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"vtsched/internal/irq"
	"vtsched/internal/platform"
	"vtsched/internal/spinlock"
)

// Scheduler is the virtual-time fair scheduler of one core.
type Scheduler struct {
	cpu int
	sys *System

	lock spinlock.Lock // protects everything below up to the channels
	irq  irq.Local     // this core's interrupt line; the timer is wired to it

	ready     *runQueue // runnable tasks, never including running
	running   *Task
	minVtime  uint64 // floor for tasks entering the ready set
	weight    uint64 // sum of the weights of ready and running tasks
	nrRunning int    // number of ready and running tasks
	seq       uint64 // insertion counter, breaks vtime ties

	dispatches uint64
	idles      uint64
	ticks      uint64

	needResched atomic.Bool

	switched chan struct{} // running task -> loop: the core is free again
	kick     chan struct{} // wakes the idle loop when work arrives

	log logrus.FieldLogger
}

// SchedStats is a snapshot of one core's scheduler state.
type SchedStats struct {
	CPU        int
	Ready      int
	NrRunning  int
	Weight     uint64
	MinVtime   uint64
	Dispatches uint64
	Idles      uint64
	Ticks      uint64
}

func newScheduler(sys *System, cpu int) *Scheduler {
	s := &Scheduler{
		cpu:      cpu,
		sys:      sys,
		ready:    newRunQueue(sys.arena),
		switched: make(chan struct{}),
		kick:     make(chan struct{}, 1),
		log:      sys.log.WithField("cpu", cpu),
	}
	s.irq.SetHandler(s.timerInterrupt)
	return s
}

// CPU is the index of the core this scheduler runs.
func (s *Scheduler) CPU() int { return s.cpu }

// critical enters the core's critical section: local interrupts masked and
// the scheduler lock held. The returned func leaves it.
func (s *Scheduler) critical() func() {
	f := s.lock.LockIRQSave(&s.irq)
	return func() { s.lock.UnlockIRQRestore(&s.irq, f) }
}

func (s *Scheduler) now() time.Duration { return s.sys.clock.Now() }

// CreateTask allocates a task, gives it the current virtual-time floor so it
// starts level with the least advanced task, and makes it ready on this
// core. On failure nothing is left registered.
func (s *Scheduler) CreateTask(name string, entry Func, arg any, stackSize int, nice int, opts ...TaskOption) (*Task, error) {
	if entry == nil {
		return nil, fmt.Errorf("create task %q: %w", name, ErrNilEntry)
	}
	sys := s.sys
	sys.life.RLock()
	defer sys.life.RUnlock()
	if sys.halted() {
		return nil, fmt.Errorf("create task %q: %w", name, ErrHalted)
	}
	if stackSize <= 0 {
		stackSize = int(sys.cfg.StackSize)
	}

	id := TaskID(sys.nextID.Add(1))
	if name == "" {
		name = fmt.Sprintf("task-%d", id)
	}
	nice = clampNice(nice)
	t := &Task{
		ID:     id,
		Name:   name,
		sys:    sys,
		nice:   nice,
		dynice: nice,
		entry:  entry,
		arg:    arg,
		mctx:   newMachineContext(),
		pinned: -1,
	}
	for _, opt := range opts {
		opt(t)
	}

	stack, err := sys.stacks.AllocStack(stackSize)
	if err != nil {
		return nil, fmt.Errorf("create task %q: %w", name, err)
	}
	t.stack = stack
	h, err := sys.arena.alloc(t)
	if err != nil {
		sys.stacks.FreeStack(stack)
		return nil, fmt.Errorf("create task %q: %w", name, err)
	}
	t.handle = h
	t.sched.Store(s)
	go t.main()

	leave := s.critical()
	t.vtime = s.minVtime
	t.state = StateReady
	s.track(t)
	s.requeue(t)
	ev := s.event(StatusEnqueue, t)
	leave()

	s.trace(ev)
	s.log.WithFields(logrus.Fields{
		"task":  t.ID,
		"name":  t.Name,
		"nice":  nice,
		"stack": stack.Size(),
	}).Debug("task created")
	return t, nil
}

// Current is the task running on this core, or nil when idle.
func (s *Scheduler) Current() *Task {
	leave := s.critical()
	defer leave()
	return s.running
}

// Stats returns a snapshot of the scheduler counters.
func (s *Scheduler) Stats() SchedStats {
	leave := s.critical()
	defer leave()
	return SchedStats{
		CPU:        s.cpu,
		Ready:      s.ready.len(),
		NrRunning:  s.nrRunning,
		Weight:     s.weight,
		MinVtime:   s.minVtime,
		Dispatches: s.dispatches,
		Idles:      s.idles,
		Ticks:      s.ticks,
	}
}

// Schedule dispatches the ready task with the smallest vtime and returns
// once that task has given the core back. It reports false, without
// dispatching, when nothing is ready.
func (s *Scheduler) Schedule() bool {
	if s.sys.halted() {
		return false
	}

	leave := s.critical()
	t := s.ready.popMin()
	if t == nil {
		leave()
		return false
	}
	t.state = StateRunning
	t.start = s.now()
	t.stats.Dispatches++
	s.running = t
	s.needResched.Store(false)
	s.dispatches++
	s.updateMinVtime()
	ev := s.event(StatusDispatch, t)
	leave()

	s.trace(ev)
	t.mctx.restore()
	<-s.switched
	return true
}

// Run is the core's scheduling loop. It starts the core's timer, dispatches
// tasks for as long as there are any and waits in idle otherwise. It returns
// when ctx is cancelled or the system is closed.
func (s *Scheduler) Run(ctx context.Context) error {
	cfg := s.sys.cfg
	if cfg.Affinity {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := platform.Pin(s.cpu); err != nil {
			s.log.WithError(err).Warn("cpu affinity unavailable")
		}
	}
	if cfg.Tick > 0 {
		clock := NewTickClock(s.Tick)
		clock.Start(cfg.Tick)
		defer clock.Stop()
	}

	s.log.Info("scheduler loop started")
	defer s.log.Info("scheduler loop stopped")

	idle := false
	for {
		if ctx.Err() != nil || s.sys.halted() {
			return nil
		}
		if s.Schedule() {
			idle = false
			continue
		}
		s.idle(ctx, !idle)
		idle = true
	}
}

// idle is the low-power wait of the loop: it sleeps until a task is made
// ready on this core.
func (s *Scheduler) idle(ctx context.Context, enter bool) {
	leave := s.critical()
	s.idles++
	ev := s.event(StatusIdle, nil)
	leave()
	if enter {
		s.trace(ev)
	}

	select {
	case <-s.kick:
	case <-ctx.Done():
	case <-s.sys.halt:
	}
}

// Tick delivers one timer interrupt to this core.
func (s *Scheduler) Tick() { s.irq.Raise() }

// timerInterrupt is the timer ISR. It flags the running task for preemption
// once it has used up its quota and someone else is waiting.
func (s *Scheduler) timerInterrupt() {
	s.lock.Lock()
	s.ticks++
	if t := s.running; t != nil && s.ready.len() > 0 && !s.needResched.Load() {
		if s.now()-t.start >= s.quota(t) {
			s.needResched.Store(true)
		}
	}
	var ev StatusEvent
	if s.sys.tracer != nil {
		ev = s.event(StatusTick, s.running)
	}
	s.lock.Unlock()

	s.trace(ev)
}

// quota is the slice t may run before the timer preempts it.
func (s *Scheduler) quota(t *Task) time.Duration {
	cfg := s.sys.cfg
	return sliceFor(t.weight, s.weight, s.nrRunning, cfg.Latency, cfg.MinGranularity)
}

// charge adds the time t has run since its last dispatch or charge to its
// runtime and, scaled by its weight, to its vtime.
func (s *Scheduler) charge(t *Task) time.Duration {
	now := s.now()
	ran := now - t.start
	if ran < 0 {
		ran = 0
	}
	t.vtime += virtualDelta(ran, t.weight)
	t.stats.Runtime += ran
	t.start = now
	return ran
}

// updateMinVtime moves the floor up to the smallest vtime among the running
// task and the ready set. It never moves down.
func (s *Scheduler) updateMinVtime() {
	var (
		v  uint64
		ok bool
	)
	if t := s.running; t != nil {
		v, ok = t.vtime, true
	}
	if t := s.ready.min(); t != nil && (!ok || t.vtime < v) {
		v, ok = t.vtime, true
	}
	if ok && v > s.minVtime {
		s.minVtime = v
	}
}

// track adds t's weight to the aggregate.
func (s *Scheduler) track(t *Task) {
	t.weight = weightOf(t.dynice)
	s.weight += t.weight
	s.nrRunning++
}

func (s *Scheduler) untrack(t *Task) {
	s.weight -= t.weight
	s.nrRunning--
}

// reweight brings t's accounted weight in line with its dynice.
func (s *Scheduler) reweight(t *Task) {
	w := weightOf(t.dynice)
	s.weight = s.weight - t.weight + w
	t.weight = w
}

// requeue inserts t into the ready set, lifting a stale vtime to the floor.
func (s *Scheduler) requeue(t *Task) {
	if t.vtime < s.minVtime {
		t.vtime = s.minVtime
	}
	s.seq++
	t.seq = s.seq
	s.ready.insert(t)

	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// resetPriority sets dynice back to nice. A queued task is taken out of the
// tree and put back so the tree and the weight sum never see a task change
// under them.
func (s *Scheduler) resetPriority(t *Task) {
	queued := t.queued
	if queued {
		s.ready.remove(t)
	}
	t.dyniceRestore()
	if t.tracked() {
		s.reweight(t)
	} else {
		t.weight = weightOf(t.dynice)
	}
	if queued {
		s.ready.insert(t)
	}
}

func (s *Scheduler) event(kind StatusKind, t *Task) StatusEvent {
	ev := StatusEvent{
		Time: s.now(),
		CPU:  s.cpu,
		Kind: kind,
	}
	if t != nil {
		ev.TaskID = t.ID
		ev.Name = t.Name
		ev.VTime = t.vtime
		ev.Dynice = t.dynice
	}
	return ev
}

func (s *Scheduler) trace(ev StatusEvent) {
	if s.sys.tracer != nil && ev.Kind != StatusNone {
		s.sys.tracer.Trace(ev)
	}
}

// verify checks the structural invariants of the scheduler. Tests call it
// between dispatches.
func (s *Scheduler) verify() error {
	leave := s.critical()
	defer leave()

	var (
		weight uint64
		count  int
		prev   *Task
		err    error
	)
	if r := s.running; r != nil {
		if r.queued {
			return fmt.Errorf("running task %s is also in the ready set", r)
		}
		if r.state != StateRunning {
			return fmt.Errorf("running task %s in state %s", r, r.state)
		}
		weight += r.weight
		count++
	}
	s.ready.each(func(t *Task) bool {
		switch {
		case t == s.running:
			err = fmt.Errorf("task %s both ready and running", t)
		case t.state != StateReady:
			err = fmt.Errorf("queued task %s in state %s", t, t.state)
		case t.sched.Load() != s:
			err = fmt.Errorf("queued task %s owned by another cpu", t)
		case t.dynice < MinNice || t.dynice > MaxNice:
			err = fmt.Errorf("task %s dynice %d out of range", t, t.dynice)
		case prev != nil && compareRunKey(prev.key, t.key) >= 0:
			err = fmt.Errorf("ready set out of order at %s", t)
		case t.vtime < s.minVtime:
			err = fmt.Errorf("task %s vtime %d below floor %d", t, t.vtime, s.minVtime)
		}
		if prev == nil && t != s.ready.min() {
			err = fmt.Errorf("cached minimum is %s, tree minimum is %s", s.ready.min(), t)
		}
		weight += t.weight
		count++
		prev = t
		return err == nil
	})
	if err != nil {
		return err
	}
	if prev == nil && s.ready.min() != nil {
		return fmt.Errorf("cached minimum %s in an empty ready set", s.ready.min())
	}
	if weight != s.weight || count != s.nrRunning {
		return fmt.Errorf("aggregate weight %d/%d tasks, counted %d/%d", s.weight, s.nrRunning, weight, count)
	}
	return nil
}
