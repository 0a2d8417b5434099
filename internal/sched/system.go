package sched

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"vtsched/internal/mem"
	"vtsched/internal/platform"
)

// MaxCPUs is the largest number of cores a System can drive.
const MaxCPUs = 64

// System is the process-wide set of per-core schedulers together with the
// resources they share: the task arena, the stack allocator and the clock.
type System struct {
	cfg    Config
	cpus   [MaxCPUs]*Scheduler
	ncpu   int
	arena  *Arena
	stacks mem.Allocator
	clock  platform.Clock
	tracer Tracer
	log    logrus.FieldLogger

	nextID    atomic.Uint64
	life      sync.RWMutex // CreateTask holds it shared so Close never sweeps a half-made task
	halt      chan struct{}
	closeOnce sync.Once
}

// Option customises a System.
type Option func(*System)

// WithClock replaces the monotonic clock, e.g. with a platform.Manual one.
func WithClock(c platform.Clock) Option {
	return func(sys *System) { sys.clock = c }
}

// WithTracer streams scheduler events to tr.
func WithTracer(tr Tracer) Option {
	return func(sys *System) { sys.tracer = tr }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(sys *System) { sys.log = l }
}

// WithAllocator replaces the stack pool sized from Config.Memory.
func WithAllocator(a mem.Allocator) Option {
	return func(sys *System) { sys.stacks = a }
}

// NewSystem builds one scheduler per configured core.
func NewSystem(cfg Config, opts ...Option) (*System, error) {
	cfg.clamp()
	if cfg.CPUs > MaxCPUs {
		return nil, fmt.Errorf("%w: %d cpus configured, at most %d supported", ErrNoSuchCPU, cfg.CPUs, MaxCPUs)
	}

	sys := &System{
		cfg:   cfg,
		ncpu:  cfg.CPUs,
		arena: NewArena(cfg.MaxTasks),
		log:   logrus.StandardLogger(),
		halt:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sys)
	}
	if sys.clock == nil {
		sys.clock = platform.NewMonotonic()
	}
	if sys.stacks == nil {
		sys.stacks = mem.NewPool(cfg.Memory)
	}
	for i := 0; i < sys.ncpu; i++ {
		sys.cpus[i] = newScheduler(sys, i)
	}
	return sys, nil
}

// Config is the configuration the system runs with.
func (sys *System) Config() Config { return sys.cfg }

func (sys *System) NumCPU() int { return sys.ncpu }

// CPU returns the scheduler of core i, or nil if there is no such core.
func (sys *System) CPU(i int) *Scheduler {
	if i < 0 || i >= sys.ncpu {
		return nil
	}
	return sys.cpus[i]
}

// Current is the task running on core cpu.
func (sys *System) Current(cpu int) *Task {
	s := sys.CPU(cpu)
	if s == nil {
		return nil
	}
	return s.Current()
}

// Lookup resolves a task handle.
func (sys *System) Lookup(h Handle) (*Task, error) { return sys.arena.Lookup(h) }

// Tasks is the number of live tasks.
func (sys *System) Tasks() int { return sys.arena.Len() }

// Run boots the scheduling loop of every core and waits for all of them.
func (sys *System) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < sys.ncpu; i++ {
		s := sys.cpus[i]
		g.Go(func() error { return s.Run(ctx) })
	}
	return g.Wait()
}

// SetNice changes a task's static priority and resets its dynamic priority
// to match.
func (sys *System) SetNice(h Handle, nice int) error {
	t, err := sys.arena.Lookup(h)
	if err != nil {
		return fmt.Errorf("set nice: %w", err)
	}
	s, leave := t.lockSched()
	if t.state == StateExited {
		leave()
		return fmt.Errorf("set nice %s: %w", h, ErrTaskExited)
	}
	t.nice = clampNice(nice)
	s.resetPriority(t)
	ev := s.event(StatusPriorityUpdate, t)
	leave()

	s.trace(ev)
	return nil
}

// RestorePriority drops whatever the dynamic priority has drifted to and
// returns it to the task's static nice.
func (sys *System) RestorePriority(h Handle) error {
	t, err := sys.arena.Lookup(h)
	if err != nil {
		return fmt.Errorf("restore priority: %w", err)
	}
	s, leave := t.lockSched()
	if t.state == StateExited {
		leave()
		return fmt.Errorf("restore priority %s: %w", h, ErrTaskExited)
	}
	s.resetPriority(t)
	ev := s.event(StatusPriorityUpdate, t)
	leave()

	s.trace(ev)
	return nil
}

// Wake makes a blocked task ready again on the core that owns it. It is safe
// to call from any goroutine, including timer callbacks standing in for
// interrupt handlers. A task that is not blocked yet keeps the wake for its
// next switch-out: if that is a Block, it does not sleep.
func (sys *System) Wake(h Handle) error {
	t, err := sys.arena.Lookup(h)
	if err != nil {
		return fmt.Errorf("wake: %w", err)
	}
	s, leave := t.lockSched()
	switch t.state {
	case StateExited:
		leave()
		return fmt.Errorf("wake %s: %w", h, ErrTaskExited)
	case StateRunning, StateReady:
		t.wakePending = true
		leave()
		return nil
	case StateBlocked:
	default:
		leave()
		return nil
	}

	if reset := sys.cfg.IdleReset; reset > 0 && s.now()-t.blockedAt >= reset {
		t.dyniceRestore()
	}
	t.state = StateReady
	s.track(t)
	s.requeue(t)
	ev := s.event(StatusWake, t)
	leave()

	s.trace(ev)
	return nil
}

// Migrate moves a ready or blocked task to core cpu. Both cores' locks are
// taken in ascending cpu order.
func (sys *System) Migrate(h Handle, cpu int) error {
	dst := sys.CPU(cpu)
	if dst == nil {
		return fmt.Errorf("migrate to cpu %d: %w", cpu, ErrNoSuchCPU)
	}
	t, err := sys.arena.Lookup(h)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	for {
		src := t.sched.Load()
		if src == dst {
			return nil
		}
		first, second := src, dst
		if second.cpu < first.cpu {
			first, second = second, first
		}
		leaveFirst := first.critical()
		leaveSecond := second.critical()
		if t.sched.Load() != src {
			leaveSecond()
			leaveFirst()
			continue
		}

		err := moveLocked(t, src, dst)
		ev := dst.event(StatusMigrate, t)
		leaveSecond()
		leaveFirst()

		if err != nil {
			return fmt.Errorf("migrate %s to cpu %d: %w", t, cpu, err)
		}
		dst.trace(ev)
		return nil
	}
}

// moveLocked transfers t between cores. Both locks are held. The task keeps
// its lead or lag relative to the pack: vtime is rebased from the source
// floor onto the destination floor.
func moveLocked(t *Task, src, dst *Scheduler) error {
	switch t.state {
	case StateExited:
		return ErrTaskExited
	case StateRunning:
		return ErrTaskRunning
	}

	queued := t.queued
	if queued {
		src.ready.remove(t)
		src.untrack(t)
	}
	v := t.vtime
	if v < src.minVtime {
		v = src.minVtime
	}
	t.vtime = v - src.minVtime + dst.minVtime
	t.sched.Store(dst)
	if queued {
		dst.track(t)
		dst.requeue(t)
	}
	return nil
}

// Close halts every parked task and releases all tasks that have not
// exited. Call it after Run has returned. CreateTask fails with ErrHalted
// from then on.
func (sys *System) Close() {
	sys.closeOnce.Do(func() {
		sys.life.Lock()
		close(sys.halt)
		sys.life.Unlock()
		sys.arena.each(func(t *Task) {
			s, leave := t.lockSched()
			if t.state == StateExited {
				leave()
				return
			}
			if t.queued {
				s.ready.remove(t)
			}
			if t.tracked() {
				s.untrack(t)
			}
			if s.running == t {
				s.running = nil
			}
			t.state = StateExited
			leave()
			sys.destroy(t)
		})
	})
}

func (sys *System) halted() bool {
	select {
	case <-sys.halt:
		return true
	default:
		return false
	}
}

// destroy releases the stack and control block of an exited task.
func (sys *System) destroy(t *Task) {
	if t.stack != nil {
		sys.stacks.FreeStack(t.stack)
		t.stack = nil
	}
	sys.arena.release(t.handle)
}
