package sched

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inhies/go-bytesize"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vtsched/internal/mem"
	"vtsched/internal/platform"
)

const step = 10 * time.Microsecond

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestSystem(t *testing.T, cpus int, opts ...Option) (*System, *platform.Manual) {
	t.Helper()
	clk := platform.NewManual(0)
	cfg := DefaultConfig()
	cfg.CPUs = cpus
	cfg.Tick = 0
	opts = append([]Option{WithClock(clk), WithLogger(quietLogger())}, opts...)
	sys, err := NewSystem(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(sys.Close)
	return sys, clk
}

// drain dispatches until the core has nothing ready, checking the
// scheduler's invariants after every dispatch.
func drain(t *testing.T, s *Scheduler) int {
	t.Helper()
	n := 0
	for s.Schedule() {
		n++
		require.NoError(t, s.verify())
		require.Less(t, n, 1_000_000, "runaway schedule")
	}
	require.NoError(t, s.verify())
	return n
}

// spinFor is a CPU-bound entry: it burns clock steps until the deadline and
// counts how many it got.
func spinFor(clk *platform.Manual, deadline time.Duration, count *uint64) Func {
	return func(t *Task, _ any) {
		cpu := t.System().CPU(t.CPU())
		for clk.Now() < deadline {
			*count++
			clk.Advance(step)
			cpu.Tick()
			t.PreemptPoint()
		}
	}
}

func TestWeightedScenario(t *testing.T) {
	sys, clk := newTestSystem(t, 1)
	s := sys.CPU(0)

	nices := []int{0, 19, 39}
	counts := make([]uint64, len(nices))
	for i, n := range nices {
		_, err := s.CreateTask("", spinFor(clk, time.Second, &counts[i]), nil, 0, n)
		require.NoError(t, err)
	}
	drain(t, s)

	assert.Greater(t, counts[0], counts[1])
	assert.Greater(t, counts[1], counts[2])
	assert.Greater(t, counts[0], 10*counts[1], "nice 0 dominates nice 19")
	assert.Equal(t, 0, sys.Tasks())
}

func TestEqualNiceIsFair(t *testing.T) {
	sys, clk := newTestSystem(t, 1)
	s := sys.CPU(0)

	var counts [3]uint64
	tasks := make([]*Task, len(counts))
	for i := range counts {
		task, err := s.CreateTask("", spinFor(clk, time.Second, &counts[i]), nil, 0, DefaultNice)
		require.NoError(t, err)
		tasks[i] = task
	}
	drain(t, s)

	total := counts[0] + counts[1] + counts[2]
	for i, c := range counts {
		assert.InDelta(t, 1.0/3, float64(c)/float64(total), 0.03, "task %d", i)
	}
}

func TestWeightedFairnessFollowsWeights(t *testing.T) {
	sys, clk := newTestSystem(t, 1)
	s := sys.CPU(0)

	var hi, lo uint64
	_, err := s.CreateTask("hi", spinFor(clk, 2*time.Second, &hi), nil, 0, 15)
	require.NoError(t, err)
	_, err = s.CreateTask("lo", spinFor(clk, 2*time.Second, &lo), nil, 0, 20)
	require.NoError(t, err)
	drain(t, s)

	want := float64(weightOf(15)) / float64(weightOf(20))
	assert.InEpsilon(t, want, float64(hi)/float64(lo), 0.1)
}

func TestYieldAloneIsRedispatched(t *testing.T) {
	sys, clk := newTestSystem(t, 1)
	s := sys.CPU(0)

	var vtimes []uint64
	task, err := s.CreateTask("yielder", func(t *Task, _ any) {
		for i := 0; i < 1000; i++ {
			clk.Advance(time.Microsecond)
			t.Yield()
			vtimes = append(vtimes, t.VTime())
		}
	}, nil, 0, DefaultNice)
	require.NoError(t, err)

	drain(t, s)

	require.Len(t, vtimes, 1000)
	for i := 1; i < len(vtimes); i++ {
		require.Greater(t, vtimes[i], vtimes[i-1], "yield %d", i)
	}
	st := s.Stats()
	assert.EqualValues(t, 1001, st.Dispatches)
	assert.EqualValues(t, 0, st.Idles)
	assert.Equal(t, StateExited, task.State())
}

func TestBlockingTaskIsRewardedSpinnerPenalised(t *testing.T) {
	sys, clk := newTestSystem(t, 1)
	s := sys.CPU(0)

	ioTask, err := s.CreateTask("io", func(t *Task, _ any) {
		for {
			clk.Advance(step)
			t.Block()
		}
	}, nil, 0, DefaultNice)
	require.NoError(t, err)

	var wakeErr error
	spinner, err := s.CreateTask("spin", func(t *Task, _ any) {
		n := 0
		for clk.Now() < time.Second {
			n++
			clk.Advance(step)
			if n%50 == 0 && wakeErr == nil {
				wakeErr = t.System().Wake(ioTask.Handle())
			}
			s.Tick()
			t.PreemptPoint()
		}
	}, nil, 0, DefaultNice)
	require.NoError(t, err)
	spinHandle := spinner.Handle()

	drain(t, s)
	require.NoError(t, wakeErr)

	rng := sys.Config().DyniceRange
	assert.Equal(t, DefaultNice-rng, ioTask.Dynice(), "blocking task drifts to its best priority")
	assert.Equal(t, StateBlocked, ioTask.State())
	assert.Greater(t, ioTask.Stats().Blocks, uint64(100))
	_, err = sys.Lookup(spinHandle)
	assert.ErrorIs(t, err, ErrTaskExited)

	require.NoError(t, sys.SetNice(ioTask.Handle(), 5))
	assert.Equal(t, 5, ioTask.Nice())
	assert.Equal(t, 5, ioTask.Dynice())
}

func TestSpinnerDriftsDown(t *testing.T) {
	sys, clk := newTestSystem(t, 1)
	s := sys.CPU(0)

	var a, b uint64
	hog, err := s.CreateTask("hog", spinFor(clk, time.Second, &a), nil, 0, DefaultNice)
	require.NoError(t, err)
	_, err = s.CreateTask("hog2", spinFor(clk, time.Second, &b), nil, 0, DefaultNice)
	require.NoError(t, err)

	var peak int
	sys.tracer = TracerFunc(func(ev StatusEvent) {
		if ev.TaskID == hog.ID && ev.Dynice > peak {
			peak = ev.Dynice
		}
	})
	drain(t, s)

	assert.Equal(t, DefaultNice+sys.Config().DyniceRange, peak)
}

func TestDyniceStaysInRange(t *testing.T) {
	sys, _ := newTestSystem(t, 1)
	for _, nice := range []int{0, 3, 20, 36, 39} {
		task := &Task{sys: sys, nice: nice, dynice: nice}
		for i := 0; i < 200; i++ {
			if (i/50)%2 == 0 {
				task.dyniceIncrease()
			} else {
				task.dyniceDecrease()
			}
			require.GreaterOrEqual(t, task.dynice, MinNice)
			require.LessOrEqual(t, task.dynice, MaxNice)
			require.LessOrEqual(t, abs(task.dynice-nice), sys.Config().DyniceRange)
		}
		task.dyniceRestore()
		assert.Equal(t, nice, task.dynice)
	}
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}

func TestCreateFailureLeavesNothingBehind(t *testing.T) {
	pool := mem.NewPool(4 * bytesize.KB)
	sys, _ := newTestSystem(t, 1, WithAllocator(pool))
	s := sys.CPU(0)
	noop := func(*Task, any) {}

	_, err := s.CreateTask("big", noop, nil, 8<<10, DefaultNice)
	require.ErrorIs(t, err, mem.ErrNoMemory)
	assert.Equal(t, 0, sys.Tasks())
	assert.Equal(t, 0, s.Stats().Ready)
	assert.EqualValues(t, 0, s.Stats().Weight)

	_, err = s.CreateTask("nil", nil, nil, 0, DefaultNice)
	require.ErrorIs(t, err, ErrNilEntry)
}

func TestArenaExhaustionFreesStack(t *testing.T) {
	pool := mem.NewPool(64 * bytesize.KB)
	clk := platform.NewManual(0)
	cfg := DefaultConfig()
	cfg.MaxTasks = 1
	sys, err := NewSystem(cfg, WithClock(clk), WithAllocator(pool), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer sys.Close()
	noop := func(*Task, any) {}

	_, err = sys.CPU(0).CreateTask("a", noop, nil, 0, DefaultNice)
	require.NoError(t, err)
	_, err = sys.CPU(0).CreateTask("b", noop, nil, 0, DefaultNice)
	require.ErrorIs(t, err, ErrTooManyTasks)
	assert.EqualValues(t, 1, pool.Stats().Frees)
	assert.Equal(t, int(cfg.StackSize), pool.Stats().InUse)
}

func TestExitReleasesStackOnce(t *testing.T) {
	pool := mem.NewPool(64 * bytesize.KB)
	sys, _ := newTestSystem(t, 1, WithAllocator(pool))
	s := sys.CPU(0)

	ran, stackLen := 0, 0
	task, err := s.CreateTask("once", func(t *Task, _ any) {
		ran++
		stackLen = len(t.Stack())
	}, nil, 4<<10, DefaultNice)
	require.NoError(t, err)
	h := task.Handle()

	drain(t, s)
	sys.Close()

	assert.Equal(t, 1, ran)
	assert.Equal(t, 4<<10, stackLen)
	st := pool.Stats()
	assert.EqualValues(t, 1, st.Allocs)
	assert.EqualValues(t, 1, st.Frees)
	assert.Equal(t, 0, st.InUse)
	assert.Equal(t, StateExited, task.State())
	assert.ErrorIs(t, sys.SetNice(h, 1), ErrTaskExited)
	assert.ErrorIs(t, sys.Wake(h), ErrTaskExited)
	assert.False(t, s.Schedule(), "an exited task is never dispatched")
}

func TestNewTaskStartsAtFloor(t *testing.T) {
	sys, clk := newTestSystem(t, 1)
	s := sys.CPU(0)

	_, err := s.CreateTask("old", func(t *Task, _ any) {
		clk.Advance(time.Millisecond)
		t.Yield()
	}, nil, 0, DefaultNice)
	require.NoError(t, err)
	require.True(t, s.Schedule())

	floor := s.Stats().MinVtime
	require.Positive(t, floor)
	late, err := s.CreateTask("late", func(*Task, any) {}, nil, 0, DefaultNice)
	require.NoError(t, err)
	assert.Equal(t, floor, late.VTime())
	drain(t, s)
}

func TestSetNiceRequeuesReadyTask(t *testing.T) {
	sys, _ := newTestSystem(t, 1)
	s := sys.CPU(0)
	noop := func(*Task, any) {}

	a, err := s.CreateTask("a", noop, nil, 0, DefaultNice)
	require.NoError(t, err)
	_, err = s.CreateTask("b", noop, nil, 0, DefaultNice)
	require.NoError(t, err)

	before := s.Stats().Weight
	require.NoError(t, sys.SetNice(a.Handle(), 0))
	require.NoError(t, s.verify())
	assert.Equal(t, before-weightOf(DefaultNice)+weightOf(0), s.Stats().Weight)
	assert.Equal(t, 0, a.Dynice())

	require.NoError(t, sys.SetNice(a.Handle(), 99))
	assert.Equal(t, MaxNice, a.Nice(), "nice is clamped")
	require.NoError(t, sys.RestorePriority(a.Handle()))
	assert.Equal(t, MaxNice, a.Dynice())
	drain(t, s)
}

func TestWakeBeforeBlockIsNotLost(t *testing.T) {
	sys, _ := newTestSystem(t, 1)
	s := sys.CPU(0)

	var (
		done    bool
		wakeErr error
	)
	_, err := s.CreateTask("self", func(t *Task, _ any) {
		wakeErr = t.System().Wake(t.Handle())
		t.Block()
		done = true
	}, nil, 0, DefaultNice)
	require.NoError(t, err)

	drain(t, s)
	require.NoError(t, wakeErr)
	assert.True(t, done, "pending wake turned the block into a yield")
}

func TestIdleResetRestoresPriority(t *testing.T) {
	sys, clk := newTestSystem(t, 1)
	s := sys.CPU(0)

	task, err := s.CreateTask("sleeper", func(t *Task, _ any) {
		for i := 0; i < 5; i++ {
			t.Block()
		}
		t.Block()
	}, nil, 0, DefaultNice)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.True(t, s.Schedule())
		require.NoError(t, sys.Wake(task.Handle()))
	}
	require.True(t, s.Schedule())
	assert.Equal(t, DefaultNice-6, task.Dynice())

	clk.Advance(sys.Config().IdleReset)
	require.NoError(t, sys.Wake(task.Handle()))
	assert.Equal(t, DefaultNice, task.Dynice())
	drain(t, s)
}

func TestMigrateMovesReadyTask(t *testing.T) {
	sys, clk := newTestSystem(t, 2)
	src, dst := sys.CPU(0), sys.CPU(1)

	var n uint64
	_, err := src.CreateTask("warm", spinFor(clk, 30*time.Millisecond, &n), nil, 0, DefaultNice)
	require.NoError(t, err)
	ranOn := -1
	moved, err := src.CreateTask("moved", func(t *Task, _ any) {
		ranOn = t.CPU()
	}, nil, 0, DefaultNice)
	require.NoError(t, err)

	require.NoError(t, sys.Migrate(moved.Handle(), 1))
	require.NoError(t, src.verify())
	require.NoError(t, dst.verify())
	assert.Equal(t, 1, moved.CPU())
	assert.Equal(t, 1, dst.Stats().Ready)
	assert.Equal(t, 1, src.Stats().Ready)

	require.ErrorIs(t, sys.Migrate(moved.Handle(), 5), ErrNoSuchCPU)
	require.NoError(t, sys.Migrate(moved.Handle(), 1), "migrating in place is a no-op")

	drain(t, dst)
	drain(t, src)
	assert.Equal(t, 1, ranOn)
	assert.Equal(t, 0, sys.Tasks())
}

func TestMigrateRunningTaskFails(t *testing.T) {
	sys, _ := newTestSystem(t, 2)
	s := sys.CPU(0)

	var migrateErr error
	_, err := s.CreateTask("self", func(t *Task, _ any) {
		migrateErr = t.System().Migrate(t.Handle(), 1)
	}, nil, 0, DefaultNice)
	require.NoError(t, err)

	drain(t, s)
	assert.ErrorIs(t, migrateErr, ErrTaskRunning)
}

func TestCurrentTask(t *testing.T) {
	sys, _ := newTestSystem(t, 1)
	s := sys.CPU(0)

	var seen *Task
	task, err := s.CreateTask("me", func(t *Task, _ any) {
		seen = t.System().Current(0)
	}, nil, 0, DefaultNice)
	require.NoError(t, err)

	assert.Nil(t, s.Current())
	drain(t, s)
	assert.Same(t, task, seen)
	assert.Nil(t, sys.Current(3))
}

func TestYieldFromWrongTaskPanics(t *testing.T) {
	sys, _ := newTestSystem(t, 1)
	s := sys.CPU(0)
	task, err := s.CreateTask("idle", func(*Task, any) {}, nil, 0, DefaultNice)
	require.NoError(t, err)

	assert.Panics(t, task.Yield, "yield from a task that is not running")
	drain(t, s)
}

func TestRunLoopWithRealClock(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CPUs = 2
	cfg.Tick = time.Millisecond
	cfg.Latency = 4 * time.Millisecond
	sys, err := NewSystem(cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer sys.Close()

	var finished atomic.Int32
	for i := 0; i < 4; i++ {
		_, err := sys.CPU(i%2).CreateTask("", func(t *Task, _ any) {
			deadline := t.Now() + 20*time.Millisecond
			for t.Now() < deadline {
				t.PreemptPoint()
			}
			finished.Add(1)
		}, nil, 0, DefaultNice)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- sys.Run(ctx) }()

	require.Eventually(t, func() bool { return finished.Load() == 4 }, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-errc)
	assert.Positive(t, sys.CPU(0).Stats().Ticks)
	assert.Equal(t, 0, sys.Tasks())
}

func TestStaleWakeDoesNotCancelLaterBlock(t *testing.T) {
	sys, _ := newTestSystem(t, 1)
	s := sys.CPU(0)

	var wakeErr error
	task, err := s.CreateTask("late", func(t *Task, _ any) {
		wakeErr = t.System().Wake(t.Handle())
		t.Yield()
		t.Block()
	}, nil, 0, DefaultNice)
	require.NoError(t, err)

	drain(t, s)
	require.NoError(t, wakeErr)
	assert.Equal(t, StateBlocked, task.State(), "the yield used up the early wake")

	require.NoError(t, sys.Wake(task.Handle()))
	drain(t, s)
	assert.Equal(t, StateExited, task.State())
}

func TestWakeOfReadyTaskIsKept(t *testing.T) {
	sys, _ := newTestSystem(t, 1)
	s := sys.CPU(0)

	done := false
	task, err := s.CreateTask("early", func(t *Task, _ any) {
		t.Block()
		done = true
	}, nil, 0, DefaultNice)
	require.NoError(t, err)

	require.NoError(t, sys.Wake(task.Handle()))
	drain(t, s)
	assert.True(t, done)
	assert.EqualValues(t, 0, task.Stats().Blocks)
}

func TestCreateAfterCloseIsRefused(t *testing.T) {
	pool := mem.NewPool(64 * bytesize.KB)
	sys, _ := newTestSystem(t, 1, WithAllocator(pool))
	s := sys.CPU(0)
	sys.Close()

	task, err := s.CreateTask("late", func(*Task, any) {}, nil, 0, DefaultNice)
	require.ErrorIs(t, err, ErrHalted)
	assert.Nil(t, task)
	assert.Equal(t, 0, sys.Tasks())
	st := pool.Stats()
	assert.EqualValues(t, 0, st.Allocs)
	assert.Equal(t, 0, st.InUse)
}

func TestTaskErrSlotSurvivesSwitches(t *testing.T) {
	sys, _ := newTestSystem(t, 1)
	s := sys.CPU(0)
	errBusy := errors.New("device busy")

	var seen []error
	task, err := s.CreateTask("errno", func(t *Task, _ any) {
		seen = append(seen, t.Err())
		t.SetErr(errBusy)
		t.Yield()
		seen = append(seen, t.Err())
	}, nil, 0, DefaultNice)
	require.NoError(t, err)
	other, err := s.CreateTask("other", func(t *Task, _ any) {
		seen = append(seen, t.Err())
	}, nil, 0, DefaultNice)
	require.NoError(t, err)

	drain(t, s)
	require.Len(t, seen, 3)
	assert.NoError(t, seen[0])
	assert.NoError(t, seen[1], "the slot is private to each task")
	assert.ErrorIs(t, seen[2], errBusy)
	assert.ErrorIs(t, task.Err(), errBusy)
	assert.NoError(t, other.Err())
}

func TestFullDyniceRangeSaturatesAtBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DyniceRange = MaxNice
	sys, err := NewSystem(cfg, WithClock(platform.NewManual(0)), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer sys.Close()
	require.Equal(t, MaxNice, sys.Config().DyniceRange)

	task := &Task{sys: sys, nice: DefaultNice, dynice: DefaultNice}
	for i := 0; i < 50; i++ {
		task.dyniceIncrease()
	}
	assert.Equal(t, MaxNice, task.dynice)
	for i := 0; i < 50; i++ {
		task.dyniceDecrease()
	}
	assert.Equal(t, MinNice, task.dynice)
}
